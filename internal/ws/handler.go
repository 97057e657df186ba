package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxInbound   = 4096
	closeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // event payloads carry base64 JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ConnTransport adapts a gorilla connection to Transport
type ConnTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

// NewConnTransport wraps conn
func NewConnTransport(conn *websocket.Conn) *ConnTransport {
	return &ConnTransport{conn: conn}
}

func (t *ConnTransport) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *ConnTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
}

// Close sends a close frame and closes the socket; repeated calls are no-ops
func (t *ConnTransport) Close() error {
	var err error
	t.once.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		err = t.conn.Close()
	})
	return err
}

// Authenticator validates the credentials of an upgrade request
type Authenticator func(r *http.Request) error

// Handler serves WebSocket connections at /ws/{client_id}
type Handler struct {
	manager *Manager
	auth    Authenticator
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler. auth may be nil.
func NewHandler(manager *Manager, auth Authenticator, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, auth: auth, logger: logger.Named("ws")}
}

// ServeHTTP upgrades the request and serves the client until it goes away
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if clientID == "" || strings.Contains(clientID, "/") {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	if h.auth != nil {
		if err := h.auth(r); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	h.logger.Debug("New connection", zap.String("client_id", clientID), zap.String("remote", r.RemoteAddr))

	t := NewConnTransport(conn)
	ctx := context.WithoutCancel(r.Context())
	if err := h.manager.Connect(ctx, clientID, t); err != nil {
		h.logger.Warn("Connect failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	h.readPump(ctx, clientID, t)
}

// readPump reads client requests until the connection fails, then
// unregisters the client
func (h *Handler) readPump(ctx context.Context, clientID string, t *ConnTransport) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.manager.release(clientID, t)
	}()

	conn := t.conn
	conn.SetReadLimit(maxInbound)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := t.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("Read error", zap.String("client_id", clientID), zap.Error(err))
			}
			return
		}
		h.manager.HandleInbound(ctx, clientID, data)
	}
}

// HandleInbound applies one client request. Malformed or unknown requests
// are logged and ignored.
func (m *Manager) HandleInbound(ctx context.Context, clientID string, data []byte) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		m.logger.Warn("Ignoring malformed message", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	var err error
	switch in.Type {
	case InboundSubscribe:
		err = m.Subscribe(ctx, clientID, in.SourceID)
	case InboundUnsubscribe:
		err = m.Unsubscribe(ctx, clientID, in.SourceID)
	default:
		m.logger.Debug("Ignoring unknown message type", zap.String("client_id", clientID), zap.String("type", in.Type))
		return
	}
	if err != nil {
		lvl := zap.WarnLevel
		if errors.Is(err, ErrUnknownSource) || errors.Is(err, ErrUnknownClient) {
			lvl = zap.InfoLevel
		}
		m.logger.Log(lvl, "Request rejected",
			zap.String("client_id", clientID), zap.String("type", in.Type), zap.Error(err))
	}
}
