package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDisconnected, StatusConnecting, true},
		{StatusConnecting, StatusConnected, true},
		{StatusConnecting, StatusError, true},
		{StatusConnected, StatusError, true},
		{StatusConnected, StatusDisconnected, true},
		{StatusError, StatusDisconnected, true},
		{StatusError, StatusConnecting, true},
		{StatusDisconnected, StatusConnected, false},
		{StatusDisconnected, StatusError, false},
		{StatusConnecting, StatusDisconnected, false},
		{StatusConnected, StatusConnecting, false},
		{StatusError, StatusConnected, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	c := Config{ID: "cam1"}.WithDefaults()
	assert.Equal(t, "cam1", c.Name)
	assert.Equal(t, KindSynthetic, c.Kind)
	assert.Equal(t, 30, c.FPS)
	assert.Equal(t, 10, c.ErrorThreshold)
	assert.Equal(t, 5*time.Second, c.AnalysisInterval)
	assert.True(t, c.IsEnabled())
	assert.NoError(t, c.Validate())

	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{ID: "x", Kind: "rtsp"}.Validate())
	assert.Error(t, Config{ID: "x", Kind: KindHTTP, URL: "ftp://cam"}.Validate())
	assert.NoError(t, Config{ID: "x", Kind: KindHTTP, URL: "http://cam/snap.jpg"}.Validate())
}

func TestSyntheticSource(t *testing.T) {
	s := NewSyntheticSource(SyntheticConfig{SourceID: "cam1", Width: 160, Height: 120, Noise: 20})
	ctx := context.Background()

	_, err := s.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	f1, err := s.ReadFrame(ctx)
	require.NoError(t, err)
	f2, err := s.ReadFrame(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), f1.Seq)
	assert.Equal(t, uint64(1), f2.Seq)
	assert.Equal(t, 160, f1.Width())
	assert.Equal(t, 120, f1.Height())

	data, err := f1.JPEG()
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)

	require.NoError(t, s.Disconnect())
	_, err = s.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPSource(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48)), nil))
	snapshot := buf.Bytes()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(snapshot)
	}))
	defer srv.Close()

	s := NewHTTPSource("cam1", srv.URL+"/snap.jpg", srv.Client())
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	f, err := s.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, f.Width())
	data, err := f.JPEG()
	require.NoError(t, err)
	assert.Equal(t, snapshot, data)

	healthy.Store(false)
	_, err = s.ReadFrame(ctx)
	assert.ErrorIs(t, err, ErrRead)

	require.NoError(t, s.Disconnect())
	assert.ErrorIs(t, s.Connect(ctx), ErrConnect)
}

func TestNewFrameSource(t *testing.T) {
	src, err := NewFrameSource(Config{ID: "a"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SyntheticSource{}, src)

	src, err = NewFrameSource(Config{ID: "b", Kind: KindHTTP, URL: "http://example/snap.jpg"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	_, err = NewFrameSource(Config{ID: "c", Kind: "v4l2"}, nil)
	assert.Error(t, err)
}
