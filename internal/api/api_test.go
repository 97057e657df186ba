package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"
	"go.uber.org/zap/zaptest"

	"visionguard/internal/auth"
	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/middleware"
	"visionguard/internal/monitoring"
	"visionguard/internal/supervisor"
)

type stubArchive map[string]*events.Event

func (a stubArchive) GetEvent(id string) (*events.Event, error) {
	if id == "broken" {
		return nil, errors.New("disk on fire")
	}
	return a[id], nil
}

type harness struct {
	sup *supervisor.Supervisor
	srv *httptest.Server
}

func newHarness(t *testing.T, authCfg auth.Config, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sup, err := supervisor.New(supervisor.Options{
		Sources: []camera.Config{
			{ID: "cam1", Name: "Front Entrance", FPS: 10, Width: 64, Height: 48},
			{ID: "cam2", Name: "Parking Lot", FPS: 10, Width: 64, Height: 48},
		},
		ShutdownTimeout: 2 * time.Second,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	authenticator, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)

	mux := goahttp.NewMuxer()
	New(sup, authenticator, logger, opts...).Mount(mux)
	srv := httptest.NewServer(middleware.AuthMiddleware(authenticator, PublicPaths()...)(mux))
	t.Cleanup(srv.Close)
	return &harness{sup: sup, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, auth.Config{}, WithVersion("1.2.3"))

	resp := h.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[healthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, 2, body.Sources)
}

func TestSystemStatusRoute(t *testing.T) {
	h := newHarness(t, auth.Config{})

	resp := h.do(t, http.MethodGet, "/api/system/status", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body, "sources_by_status")
	assert.Contains(t, body, "queue")
}

func TestSourceRoutes(t *testing.T) {
	h := newHarness(t, auth.Config{})

	list := decodeBody[sourceList](t, h.do(t, http.MethodGet, "/api/sources", nil, ""))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "cam1", list.Sources[0].ID)

	resp := h.do(t, http.MethodPost, "/api/sources", map[string]any{"id": "porch", "name": "Porch", "fps": 5}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[camera.Source](t, resp)
	assert.Equal(t, "porch", created.ID)
	assert.Equal(t, "Porch", created.Name)

	resp = h.do(t, http.MethodPost, "/api/sources", map[string]any{"id": "porch"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/api/sources", map[string]any{"id": "bad", "kind": "http", "url": "rtsp://x"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/sources/porch", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/api/sources/porch", map[string]any{"name": "Porch door", "location": "front"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[camera.Source](t, resp)
	assert.Equal(t, "Porch door", updated.Name)
	assert.Equal(t, "front", updated.Location)
	cfg, ok := h.sup.SourceConfig("porch")
	require.True(t, ok)
	assert.Equal(t, 5, cfg.FPS, "fields missing from the body are kept")
	require.Eventually(t, func() bool {
		src, _ := h.sup.Source("porch")
		return src.Status == camera.StatusConnected
	}, 3*time.Second, 20*time.Millisecond, "updated source is restarted")

	resp = h.do(t, http.MethodPut, "/api/sources/porch", map[string]any{"id": "garage"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, http.MethodPut, "/api/sources/porch", map[string]any{"kind": "http", "url": "rtsp://x"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, http.MethodPut, "/api/sources/nope", map[string]any{"name": "x"}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/sources/porch", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/api/sources/porch", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/sources/porch", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotRoute(t *testing.T) {
	h := newHarness(t, auth.Config{})

	resp := h.do(t, http.MethodGet, "/api/sources/nope/snapshot", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, err := h.sup.Live().Snapshot("cam1")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	resp = h.do(t, http.MethodGet, "/api/sources/cam1/snapshot", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestEventRoutes(t *testing.T) {
	archived := events.New("cam1", events.TypeVehicle, events.SeverityLow, 0.6, "old car")
	h := newHarness(t, auth.Config{}, WithArchive(stubArchive{archived.ID: archived}))
	store := h.sup.Store()

	now := time.Now()
	person := events.New("cam1", events.TypePerson, events.SeverityHigh, 0.9, "person",
		events.WithTimestamp(now.Add(-time.Minute)), events.WithFrame([]byte{1, 2, 3}))
	motion := events.New("cam2", events.TypeMotion, events.SeverityLow, 0.4, "motion",
		events.WithTimestamp(now.Add(-2*time.Minute)))
	store.Append(person)
	store.Append(motion)

	list := decodeBody[eventList](t, h.do(t, http.MethodGet, "/api/events", nil, ""))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, person.ID, list.Events[0].ID)
	assert.Nil(t, list.Events[0].Frame, "frames are left out of lists")
	assert.NotNil(t, person.Frame, "stored event is untouched")

	q := url.Values{"source_ids": {"cam2"}, "event_types": {"motion,person"}}
	list = decodeBody[eventList](t, h.do(t, http.MethodGet, "/api/events?"+q.Encode(), nil, ""))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, motion.ID, list.Events[0].ID)

	list = decodeBody[eventList](t, h.do(t, http.MethodGet, "/api/events?limit=1&include_frames=true", nil, ""))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, []byte{1, 2, 3}, list.Events[0].Frame)

	for _, bad := range []string{"event_types=ghost", "limit=0", "start=yesterday",
		"start=" + url.QueryEscape(now.Format(time.RFC3339)) + "&end=" + url.QueryEscape(now.Add(-time.Hour).Format(time.RFC3339))} {
		resp := h.do(t, http.MethodGet, "/api/events?"+bad, nil, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	sum := decodeBody[events.Summary](t, h.do(t, http.MethodGet, "/api/events/summary?hours=1", nil, ""))
	assert.Equal(t, 2, sum.TotalCount)
	assert.Equal(t, 1, sum.CountByType[events.TypePerson])
	assert.Equal(t, 1, sum.CountBySource["cam2"])
	resp := h.do(t, http.MethodGet, "/api/events/summary?hours=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/events/summary?hours=NaN", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// huge windows are capped at a year
	store.Append(events.New("cam1", events.TypeMotion, events.SeverityLow, 0.4, "ancient",
		events.WithTimestamp(now.AddDate(-2, 0, 0))))
	sum = decodeBody[events.Summary](t, h.do(t, http.MethodGet, "/api/events/summary?hours=1e300", nil, ""))
	assert.Equal(t, 2, sum.TotalCount)

	got := decodeBody[events.Event](t, h.do(t, http.MethodGet, "/api/events/"+person.ID, nil, ""))
	assert.Equal(t, []byte{1, 2, 3}, got.Frame)

	got = decodeBody[events.Event](t, h.do(t, http.MethodGet, "/api/events/"+archived.ID, nil, ""))
	assert.Equal(t, "old car", got.Description)

	resp = h.do(t, http.MethodGet, "/api/events/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/events/broken", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskRoutes(t *testing.T) {
	h := newHarness(t, auth.Config{})

	resp := h.do(t, http.MethodPost, "/api/tasks", taskRequest{
		SourceIDs:  []string{"cam1"},
		EventTypes: []events.EventType{events.TypePerson},
		Request:    "tell me when someone is at the door",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decodeBody[monitoring.Task](t, resp)
	assert.True(t, task.Active)

	resp = h.do(t, http.MethodPost, "/api/tasks", taskRequest{SourceIDs: []string{"cam1"}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/api/tasks", taskRequest{
		SourceIDs: []string{"cam1"}, EventTypes: []events.EventType{"ghost"}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list := decodeBody[taskList](t, h.do(t, http.MethodGet, "/api/tasks", nil, ""))
	require.Equal(t, 1, list.Count)

	resp = h.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/active", map[string]bool{"active": false}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[monitoring.Task](t, resp).Active)
	assert.Equal(t, 0, h.sup.Registry().ActiveCount())

	resp = h.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/active", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = h.do(t, http.MethodPut, "/api/tasks/nope/active", map[string]bool{"active": true}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/tasks/"+task.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/api/tasks/"+task.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthFlow(t *testing.T) {
	h := newHarness(t, auth.Config{Enabled: true, Username: "guard", Password: "hunter2", JWTSecret: "s3cret"})

	resp := h.do(t, http.MethodGet, "/api/sources", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")

	resp = h.do(t, http.MethodPost, "/api/auth/login", loginRequest{Username: "guard", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/auth/login", loginRequest{Username: "guard", Password: "hunter2"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[loginResponse](t, resp)
	require.NotEmpty(t, login.Token)
	assert.Greater(t, login.ExpiresAt, time.Now().Unix())

	resp = h.do(t, http.MethodGet, "/api/sources", nil, login.Token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeBody[authStatusResponse](t, h.do(t, http.MethodGet, "/api/auth/status", nil, login.Token))
	assert.True(t, status.Enabled)
	assert.True(t, status.Authenticated)
	require.NotNil(t, status.Username)
	assert.Equal(t, "guard", *status.Username)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/dashboard"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+url.QueryEscape(login.Token), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connection_established", msg.Type)
}

func TestLoginWhenAuthDisabled(t *testing.T) {
	h := newHarness(t, auth.Config{})

	resp := h.do(t, http.MethodPost, "/api/auth/login", loginRequest{Username: "a", Password: "b"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status := decodeBody[authStatusResponse](t, h.do(t, http.MethodGet, "/api/auth/status", nil, ""))
	assert.False(t, status.Enabled)
}
