// Package stream owns the single streaming websocket session to the hub
// server: connect/disconnect lifecycle, capped-exponential reconnect,
// queued and deduped subscription intents, and broadcast fan-out of parsed
// inbound messages to registered handlers.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/hubstream/component"
	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/metric"
	"github.com/c360/hubstream/pkg/retry"
)

// Handler receives every parsed inbound message. Handlers run sequentially
// per message; a panic in one handler is recovered and does not prevent
// delivery to the others.
type Handler func(msg *Message)

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	// URL is the websocket endpoint, e.g. "wss://hub.example.com/stream".
	URL string

	// Credential is the bearer token presented as the "token" query
	// parameter. May be replaced per Connect call.
	Credential string

	HandshakeTimeout time.Duration

	// Backoff drives the reconnect schedule; MaxAttempts bounds retries.
	Backoff retry.Config

	// AutoReconnect enables reconnection after unintentional closes.
	AutoReconnect bool

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 45 * time.Second
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = retry.Reconnect()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager maintains exactly one logical streaming session. Every method is
// safe to call regardless of current socket state: subscription intents
// issued while disconnected are queued and flushed on open.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	credential     string
	intentional    bool
	connecting     bool
	reconnectTimer *time.Timer
	pending        []Subscription
	state          component.State
	started        time.Time
	lastError      string

	reconnectAttempts atomic.Int32
	framesIn          atomic.Int64
	bytesIn           atomic.Int64
	errorCount        atomic.Int64
	lastActivity      atomic.Int64 // unix nano

	handlerMu sync.RWMutex
	handlers  map[int]Handler
	nextID    int
}

// NewManager creates a connection manager for the given endpoint.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:       opts,
		credential: opts.Credential,
		dialer:     &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		handlers:   make(map[int]Handler),
		state:      component.StateCreated,
	}
}

// Initialize validates the endpoint. No I/O happens here.
func (m *Manager) Initialize() error {
	if m.opts.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "Initialize",
			"stream URL")
	}
	if _, err := url.Parse(m.opts.URL); err != nil {
		return errors.WrapInvalid(err, "Manager", "Initialize", "parse stream URL")
	}
	m.mu.Lock()
	m.state = component.StateInitialized
	m.mu.Unlock()
	return nil
}

// Start opens the session with the configured credential. With reconnection
// enabled a failed initial dial is not fatal: the backoff schedule takes
// over.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.state = component.StateStarted
	m.started = time.Now()
	cred := m.credential
	m.mu.Unlock()

	if err := m.Connect(ctx, cred); err != nil {
		if !m.opts.AutoReconnect {
			m.mu.Lock()
			m.state = component.StateFailed
			m.mu.Unlock()
			return err
		}
		m.opts.Logger.Warn("initial stream connect failed, retrying",
			"url", m.opts.URL, "error", err)
	}
	return nil
}

// Stop closes the session intentionally.
func (m *Manager) Stop(_ time.Duration) error {
	m.Disconnect()
	m.mu.Lock()
	m.state = component.StateStopped
	m.mu.Unlock()
	return nil
}

// Connect opens the streaming session. It is a no-op when a session is
// already open or a dial is in flight. A successful open resets the
// reconnect counter and flushes queued subscription intents as one batched
// subscribe message.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	if credential != "" {
		m.credential = credential
	}
	credential = m.credential
	m.intentional = false
	m.cancelReconnectLocked()
	m.connecting = true
	m.mu.Unlock()

	endpoint, err := m.endpointWithToken(credential)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		return err
	}

	conn, _, err := m.dialer.DialContext(ctx, endpoint, nil)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.trackErrorLocked(err)
		if m.opts.AutoReconnect && !m.intentional {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		return errors.WrapTransient(err, "Manager", "Connect",
			fmt.Sprintf("dial %s", m.opts.URL))
	}

	// A Disconnect issued while the dial was in flight wins.
	if m.intentional {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	m.conn = conn
	m.reconnectAttempts.Store(0)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveConnected(true)
	}
	m.opts.Logger.Info("stream connected", "url", m.opts.URL)

	if len(m.pending) > 0 {
		flush := m.pending
		m.pending = nil
		if m.opts.Metrics != nil {
			m.opts.Metrics.PendingIntents.Set(0)
		}
		if err := conn.WriteJSON(newSubscribeRequest(flush)); err != nil {
			m.trackErrorLocked(err)
			m.opts.Logger.Error("flush of queued subscriptions failed",
				"count", len(flush), "error", err)
			// Put the intents back so the next open retries them.
			m.pending = flush
		} else {
			m.opts.Logger.Info("queued subscriptions flushed", "count", len(flush))
			if m.opts.Metrics != nil {
				m.opts.Metrics.ActiveSubscriptions.Add(float64(len(flush)))
			}
		}
	}
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

// Disconnect marks the closure as intentional, cancels any pending reconnect
// timer, and closes the active session if present.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.cancelReconnectLocked()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		if m.opts.Metrics != nil {
			m.opts.Metrics.ObserveConnected(false)
		}
		m.opts.Logger.Info("stream disconnected")
	}
}

// Subscribe requests telemetry for the given device ports. When the session
// is open the request is sent immediately; otherwise the intents are
// dedupe-enqueued and a connect is triggered opportunistically with the last
// known credential.
func (m *Manager) Subscribe(subs ...Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.conn != nil {
		err := m.conn.WriteJSON(newSubscribeRequest(subs))
		if err != nil {
			m.trackErrorLocked(err)
			m.mu.Unlock()
			return errors.WrapTransient(err, "Manager", "Subscribe", "send subscribe")
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.ActiveSubscriptions.Add(float64(len(subs)))
		}
		m.mu.Unlock()
		return nil
	}

	for _, sub := range subs {
		if !containsSubscription(m.pending, sub) {
			m.pending = append(m.pending, sub)
		}
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.PendingIntents.Set(float64(len(m.pending)))
	}
	cred := m.credential
	connecting := m.connecting
	m.mu.Unlock()

	m.opts.Logger.Debug("subscription intents queued", "count", len(subs))
	if cred != "" && !connecting {
		go func() {
			if err := m.Connect(context.Background(), cred); err != nil {
				m.opts.Logger.Warn("opportunistic connect failed", "error", err)
			}
		}()
	}
	return nil
}

// Unsubscribe drops telemetry for the given device ports: sent immediately
// when open, otherwise matching queued intents are removed.
func (m *Manager) Unsubscribe(subs ...Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		if err := m.conn.WriteJSON(newUnsubscribeRequest(subs)); err != nil {
			m.trackErrorLocked(err)
			return errors.WrapTransient(err, "Manager", "Unsubscribe", "send unsubscribe")
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.ActiveSubscriptions.Sub(float64(len(subs)))
		}
		return nil
	}

	kept := m.pending[:0]
	for _, p := range m.pending {
		if !containsSubscription(subs, p) {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	if m.opts.Metrics != nil {
		m.opts.Metrics.PendingIntents.Set(float64(len(m.pending)))
	}
	return nil
}

// OnMessage registers a broadcast handler, returning its cancel function.
func (m *Manager) OnMessage(h Handler) func() {
	m.handlerMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = h
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		delete(m.handlers, id)
		m.handlerMu.Unlock()
	}
}

// IsConnected reports whether a session is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// HasPendingSubscription reports whether a subscribe intent for the device
// port is queued awaiting connection.
func (m *Manager) HasPendingSubscription(hubID, portID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return containsSubscription(m.pending, Subscription{HubID: hubID, PortID: portID})
}

// readLoop consumes the session until it closes, then folds the close into
// the reconnect path.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}

		m.framesIn.Add(1)
		m.bytesIn.Add(int64(len(data)))
		m.lastActivity.Store(time.Now().UnixNano())

		msg, err := ParseMessage(data)
		if err != nil {
			// Malformed payloads are dropped with the error isolated to
			// this one message.
			m.opts.Logger.Warn("dropping malformed stream message", "error", err)
			if m.opts.Metrics != nil {
				m.opts.Metrics.FramesDropped.WithLabelValues("malformed").Inc()
			}
			continue
		}

		if m.opts.Metrics != nil {
			m.opts.Metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		}
		m.dispatch(msg)
	}
}

// dispatch delivers one message to every registered handler.
func (m *Manager) dispatch(msg *Message) {
	m.handlerMu.RLock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		m.deliver(h, msg)
	}
}

func (m *Manager) deliver(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			m.errorCount.Add(1)
			m.opts.Logger.Error("stream handler panicked",
				"message_type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// handleClose runs when the read loop exits. Stale closes from a superseded
// connection are ignored.
func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	intentional := m.intentional
	if !intentional {
		m.trackErrorLocked(err)
		if m.opts.AutoReconnect {
			m.scheduleReconnectLocked()
		}
	}
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveConnected(false)
	}
	if !intentional {
		m.opts.Logger.Warn("stream connection lost", "error", err)
	}
}

// scheduleReconnectLocked arms the next reconnect attempt. The delay before
// the Nth attempt follows the backoff schedule; once MaxAttempts is exceeded
// the session stays down until a manual Connect. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	attempt := int(m.reconnectAttempts.Load())
	if m.opts.Backoff.MaxAttempts > 0 && attempt >= m.opts.Backoff.MaxAttempts {
		m.opts.Logger.Error("reconnect attempts exhausted",
			"attempts", attempt, "url", m.opts.URL)
		return
	}

	delay := m.opts.Backoff.DelayFor(attempt)
	m.reconnectAttempts.Add(1)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReconnectAttempts.Inc()
	}
	m.opts.Logger.Info("reconnect scheduled",
		"attempt", attempt+1, "delay", delay.String())

	cred := m.credential
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background(), cred); err != nil {
			m.opts.Logger.Warn("reconnect attempt failed", "error", err)
		}
	})
}

// cancelReconnectLocked stops a pending reconnect timer so a deliberate
// shutdown never races a scheduled dial. Caller holds m.mu.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// trackErrorLocked records the most recent fault. Caller holds m.mu.
func (m *Manager) trackErrorLocked(err error) {
	m.errorCount.Add(1)
	if err != nil {
		m.lastError = err.Error()
	}
}

func (m *Manager) endpointWithToken(credential string) (string, error) {
	if credential == "" {
		return m.opts.URL, nil
	}
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", errors.WrapInvalid(err, "Manager", "Connect", "parse stream URL")
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func containsSubscription(list []Subscription, s Subscription) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}

// Meta implements component.Discoverable.
func (m *Manager) Meta() component.Metadata {
	return component.Metadata{
		Name:        "stream-manager",
		Type:        "stream",
		Description: "Websocket session to the hub telemetry server",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (m *Manager) Health() component.HealthStatus {
	m.mu.Lock()
	connected := m.conn != nil
	lastError := m.lastError
	started := m.started
	m.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return component.HealthStatus{
		Healthy:    connected,
		LastCheck:  time.Now(),
		ErrorCount: int(m.errorCount.Load()),
		LastError:  lastError,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (m *Manager) DataFlow() component.FlowMetrics {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	var perSecond, bytesPerSecond float64
	if !started.IsZero() {
		elapsed := time.Since(started).Seconds()
		if elapsed > 0 {
			perSecond = float64(m.framesIn.Load()) / elapsed
			bytesPerSecond = float64(m.bytesIn.Load()) / elapsed
		}
	}

	var last time.Time
	if ns := m.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         float64(m.errorCount.Load()),
		LastActivity:      last,
	}
}
