package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"visionguard/internal/camera"
	"visionguard/internal/events"
	"visionguard/internal/monitoring"
)

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrUnknownSource = errors.New("unknown source")
	ErrDelivery      = errors.New("delivery failed")
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	defaultFanoutLimit       = 32
)

// Transport is one client's outbound channel. WriteMessage must give up
// when ctx is done.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

type client struct {
	id        string
	transport Transport
	subs      map[string]struct{}
	writeMu   sync.Mutex // serialises writes to transport
}

// Option customises a Manager
type Option func(*Manager)

// WithHeartbeatInterval sets the heartbeat period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// WithWriteTimeout bounds every write to a client
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithSourceValidator rejects subscriptions to sources for which known
// returns false
func WithSourceValidator(known func(sourceID string) bool) Option {
	return func(m *Manager) { m.known = known }
}

// WithFanoutLimit caps concurrent writes during a broadcast
func WithFanoutLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.fanout = n
		}
	}
}

// Manager tracks client connections and their source subscriptions.
// Invariant: client c is in subscribers[s] iff s is in c.subs; empty
// subscriber sets are removed.
type Manager struct {
	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[string]map[string]struct{}

	known        func(sourceID string) bool
	heartbeat    time.Duration
	writeTimeout time.Duration
	fanout       int
	logger       *zap.Logger
	now          func() time.Time
}

var _ monitoring.AlertSink = (*Manager)(nil)

// NewManager creates an empty connection manager
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		clients:      make(map[string]*client),
		subscribers:  make(map[string]map[string]struct{}),
		heartbeat:    DefaultHeartbeatInterval,
		writeTimeout: DefaultWriteTimeout,
		fanout:       defaultFanoutLimit,
		logger:       logger.Named("ws"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a client and sends it connection_established. A client
// reconnecting with the same id replaces the previous connection.
func (m *Manager) Connect(ctx context.Context, clientID string, t Transport) error {
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	c := &client{id: clientID, transport: t, subs: make(map[string]struct{})}

	// hold the write lock so nothing overtakes the confirmation
	c.writeMu.Lock()
	m.mu.Lock()
	old := m.clients[clientID]
	if old != nil {
		m.removeLocked(old)
	}
	m.clients[clientID] = c
	total := len(m.clients)
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("Client replaced by new connection", zap.String("client_id", clientID))
		_ = old.transport.Close()
	}
	m.logger.Info("Client connected", zap.String("client_id", clientID), zap.Int("total", total))

	data, err := NewMessage(ConnectionEstablished{ClientID: clientID}, m.now()).Encode()
	if err == nil {
		err = m.write(ctx, c, data)
	}
	c.writeMu.Unlock()

	if err != nil {
		m.drop(c, err)
		return fmt.Errorf("%w: %s: %v", ErrDelivery, clientID, err)
	}
	return nil
}

// Disconnect removes a client and all of its subscriptions. Unknown ids are
// ignored.
func (m *Manager) Disconnect(clientID string) bool {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		m.removeLocked(c)
	}
	total := len(m.clients)
	m.mu.Unlock()

	if !ok {
		return false
	}
	_ = c.transport.Close()
	m.logger.Info("Client disconnected", zap.String("client_id", clientID), zap.Int("total", total))
	return true
}

// release disconnects clientID only if t is still its transport
func (m *Manager) release(clientID string, t Transport) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok || c.transport != t {
		m.mu.Unlock()
		return
	}
	m.removeLocked(c)
	total := len(m.clients)
	m.mu.Unlock()

	_ = t.Close()
	m.logger.Info("Client disconnected", zap.String("client_id", clientID), zap.Int("total", total))
}

// drop disconnects c after a failed write, unless it was already replaced
func (m *Manager) drop(c *client, cause error) {
	m.mu.Lock()
	current, ok := m.clients[c.id]
	if ok && current == c {
		m.removeLocked(c)
	}
	m.mu.Unlock()

	_ = c.transport.Close()
	if ok && current == c {
		m.logger.Warn("Dropping client after failed delivery", zap.String("client_id", c.id), zap.Error(cause))
	}
}

func (m *Manager) removeLocked(c *client) {
	for src := range c.subs {
		m.unindexLocked(src, c.id)
	}
	c.subs = make(map[string]struct{})
	delete(m.clients, c.id)
}

func (m *Manager) unindexLocked(sourceID, clientID string) {
	set, ok := m.subscribers[sourceID]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(m.subscribers, sourceID)
	}
}

// Subscribe adds sourceID to the client's topics and acknowledges it
func (m *Manager) Subscribe(ctx context.Context, clientID, sourceID string) error {
	if sourceID == "" || (m.known != nil && !m.known(sourceID)) {
		return fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}

	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	c.subs[sourceID] = struct{}{}
	set := m.subscribers[sourceID]
	if set == nil {
		set = make(map[string]struct{})
		m.subscribers[sourceID] = set
	}
	set[clientID] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("Client subscribed", zap.String("client_id", clientID), zap.String("source_id", sourceID))
	return m.SendTo(ctx, clientID, NewMessage(SubscriptionConfirmed{SourceID: sourceID}, m.now()))
}

// Unsubscribe removes sourceID from the client's topics and acknowledges it.
// Sources the client is not subscribed to are rejected without an ack.
func (m *Manager) Unsubscribe(ctx context.Context, clientID, sourceID string) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if _, subscribed := c.subs[sourceID]; !subscribed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q not subscribed", ErrUnknownSource, sourceID)
	}
	delete(c.subs, sourceID)
	m.unindexLocked(sourceID, clientID)
	m.mu.Unlock()

	m.logger.Info("Client unsubscribed", zap.String("client_id", clientID), zap.String("source_id", sourceID))
	return m.SendTo(ctx, clientID, NewMessage(SubscriptionRemoved{SourceID: sourceID}, m.now()))
}

// SendTo delivers msg to one client. A failed write disconnects the client.
func (m *Manager) SendTo(ctx context.Context, clientID string, msg Message) error {
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := m.deliver(ctx, c, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDelivery, clientID, err)
	}
	return nil
}

// Broadcast delivers msg to every client not in exclude and returns the
// number of successful deliveries
func (m *Manager) Broadcast(ctx context.Context, msg Message, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	targets := make([]*client, 0, len(m.clients))
	for id, c := range m.clients {
		if _, ok := skip[id]; !ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	return m.fanoutTo(ctx, targets, msg)
}

// publish delivers msg to the current subscribers of sourceID
func (m *Manager) publish(ctx context.Context, sourceID string, msg Message) int {
	m.mu.RLock()
	set := m.subscribers[sourceID]
	targets := make([]*client, 0, len(set))
	for id := range set {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	return m.fanoutTo(ctx, targets, msg)
}

// fanoutTo writes msg to targets concurrently. Failures drop the failing
// client and never stop the remaining writes.
func (m *Manager) fanoutTo(ctx context.Context, targets []*client, msg Message) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := msg.Encode()
	if err != nil {
		m.logger.Error("Failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return 0
	}

	var delivered atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.fanout)
	for _, c := range targets {
		g.Go(func() error {
			if err := m.deliver(ctx, c, data); err == nil {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// deliver writes data to c under its write lock and drops c on failure
func (m *Manager) deliver(ctx context.Context, c *client, data []byte) error {
	c.writeMu.Lock()
	err := m.write(ctx, c, data)
	c.writeMu.Unlock()
	if err != nil {
		m.drop(c, err)
	}
	return err
}

func (m *Manager) write(ctx context.Context, c *client, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	return c.transport.WriteMessage(wctx, data)
}

// PublishSourceUpdate sends a source status change to that source's subscribers
func (m *Manager) PublishSourceUpdate(ctx context.Context, src camera.Source) int {
	return m.publish(ctx, src.ID, NewMessage(SourceUpdate{Source: src}, m.now()))
}

// PublishEvent notifies the subscribers of the event's source. High and
// critical events are additionally broadcast to every client.
func (m *Manager) PublishEvent(ctx context.Context, ev *events.Event) {
	if ev == nil {
		return
	}
	m.publish(ctx, ev.SourceID, NewMessage(EventNotification{Event: ev}, m.now()))
	if ev.Severity.IsPriority() {
		n := m.Broadcast(ctx, NewMessage(PriorityEvent{Event: ev}, m.now()))
		m.logger.Info("Priority event broadcast",
			zap.String("event_id", ev.ID),
			zap.String("severity", string(ev.Severity)),
			zap.Int("clients", n))
	}
}

// PublishMonitoringAlert broadcasts a triggered monitoring task
func (m *Manager) PublishMonitoringAlert(ctx context.Context, alert monitoring.Alert) int {
	return m.Broadcast(ctx, NewMessage(MonitoringAlert{Alert: alert}, m.now()))
}

// NotifyAlert implements monitoring.AlertSink
func (m *Manager) NotifyAlert(ctx context.Context, alert monitoring.Alert) {
	m.PublishMonitoringAlert(ctx, alert)
}

// PublishSystemStatus broadcasts a pipeline status report
func (m *Manager) PublishSystemStatus(ctx context.Context, status SystemStatus) int {
	return m.Broadcast(ctx, NewMessage(status, m.now()))
}

// Run broadcasts heartbeats until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	m.logger.Info("Heartbeat started", zap.Duration("interval", m.heartbeat))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Heartbeat stopped")
			return
		case <-ticker.C:
			n := m.ConnectionCount()
			if n == 0 {
				continue
			}
			m.Broadcast(ctx, NewMessage(Heartbeat{Connections: n}, m.now()))
		}
	}
}

// CloseAll disconnects every client
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
		m.removeLocked(c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.transport.Close()
	}
	if len(clients) > 0 {
		m.logger.Info("All connections closed", zap.Int("count", len(clients)))
	}
}

// ConnectionCount returns the number of connected clients
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Subscriptions returns the sorted sources clientID is subscribed to
func (m *Manager) Subscriptions(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	return sortedKeys(c.subs)
}

// Subscribers returns the sorted clients subscribed to sourceID
func (m *Manager) Subscribers(sourceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.subscribers[sourceID])
}

// SubscribedSources returns the sources with at least one subscriber
func (m *Manager) SubscribedSources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subscribers))
	for src := range m.subscribers {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
