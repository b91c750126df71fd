// Package connection owns the websocket to the relay: dialing, heartbeats,
// latency classification, reconnects, and fan-out of inbound envelopes.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
)

// Connection lifecycle states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosed       = "closed"
	StateReconnecting = "reconnecting"
)

const (
	eventConnect    = "connect"
	eventOpen       = "open"
	eventClose      = "close"
	eventRetry      = "retry"
	eventDisconnect = "disconnect"
)

// MessageHandler receives every inbound envelope except heartbeat replies.
type MessageHandler func(protocol.Envelope) error

// Config controls the transport.
type Config struct {
	// BaseURL is the relay address, e.g. "ws://relay:8081" or "https://relay".
	BaseURL           string
	HeartbeatInterval time.Duration
	// ReconnectBackOff yields the delay before each reconnect attempt.
	// Defaults to a constant 3s.
	ReconnectBackOff backoff.BackOff
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBackOff == nil {
		c.ReconnectBackOff = backoff.NewConstantBackOff(3 * time.Second)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Manager keeps one websocket per collaboration session.
type Manager struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Client
	dialer  *websocket.Dialer
	fsm     *fsm.FSM
	now     func() time.Time

	mu             sync.Mutex
	enabled        bool
	workspaceID    string
	conn           *websocket.Conn
	gen            uint64 // bumped on every dial and on Disconnect; stale goroutines compare against it
	state          protocol.ConnectionState
	stopHeartbeat  chan struct{}
	reconnectTimer *time.Timer
	handlers       map[uint64]MessageHandler
	openHandlers   map[uint64]func()
	nextID         uint64

	writeMu sync.Mutex
}

// New builds a disconnected manager. A nil metrics value gets a private registry.
func New(cfg Config, log *zap.SugaredLogger, m *metrics.Client) *Manager {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewClient(prometheus.NewRegistry())
	}
	mgr := &Manager{
		cfg:          cfg,
		log:          log.Named("connection"),
		metrics:      m,
		dialer:       &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		now:          time.Now,
		state:        protocol.ConnectionState{ConnectionQuality: protocol.QualityOffline},
		handlers:     make(map[uint64]MessageHandler),
		openHandlers: make(map[uint64]func()),
	}
	mgr.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateReconnecting}, Dst: StateConnecting},
			{Name: eventOpen, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventClose, Src: []string{StateConnecting, StateConnected}, Dst: StateClosed},
			{Name: eventRetry, Src: []string{StateClosed}, Dst: StateReconnecting},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected, StateClosed, StateReconnecting}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				mgr.log.Debugf("connection %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	m.SetQuality(protocol.QualityOffline)
	return mgr
}

// Endpoint returns the websocket URL for a workspace.
func Endpoint(baseURL, workspaceID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/collaboration/" + url.PathEscape(workspaceID)
	return u.String(), nil
}

// Connect opens the connection in the background. It is a no-op while a
// connection is being established or is open.
func (m *Manager) Connect(workspaceID string) {
	m.mu.Lock()
	m.enabled = true
	m.workspaceID = workspaceID
	switch m.fsm.Current() {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return
	case StateReconnecting:
		m.stopReconnectLocked()
	}
	gen := m.beginConnectLocked()
	m.mu.Unlock()

	go m.dial(gen, workspaceID)
}

// Disconnect cancels timers, closes the transport, and leaves the manager
// disconnected until the next Connect. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.enabled = false
	m.gen++
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.setStateLocked(protocol.ConnectionState{ConnectionQuality: protocol.QualityOffline})
	m.fire(eventDisconnect)
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

// SendMessage writes env to the open transport. It reports false when there
// is no open connection or the write fails; nothing is queued.
func (m *Manager) SendMessage(env protocol.Envelope) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state.IsConnected
	m.mu.Unlock()
	if conn == nil || !open {
		return false
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err := conn.WriteJSON(env)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warnw("write failed", "type", env.Type, "error", err)
		m.metrics.SendFailures.Inc()
		m.degrade()
		return false
	}
	m.metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	return true
}

// AddMessageHandler subscribes h to inbound envelopes and returns a function
// that removes it.
func (m *Manager) AddMessageHandler(h MessageHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// AddOpenHandler registers fn to run every time a connection opens,
// including reconnects.
func (m *Manager) AddOpenHandler(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.openHandlers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.openHandlers, id)
	}
}

// State returns a snapshot of the connection state.
func (m *Manager) State() protocol.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Lifecycle returns the current state machine state.
func (m *Manager) Lifecycle() string {
	return m.fsm.Current()
}

func (m *Manager) beginConnectLocked() uint64 {
	m.fire(eventConnect)
	m.gen++
	return m.gen
}

func (m *Manager) dial(gen uint64, workspaceID string) {
	endpoint, err := Endpoint(m.cfg.BaseURL, workspaceID)
	var conn *websocket.Conn
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		conn, _, err = m.dialer.DialContext(ctx, endpoint, m.cfg.Header)
		cancel()
	}

	m.mu.Lock()
	if gen != m.gen || !m.enabled {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warnw("dial failed", "endpoint", endpoint, "error", err)
		m.handleCloseLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.setStateLocked(protocol.ConnectionState{IsConnected: true, ConnectionQuality: protocol.QualityExcellent})
	m.fire(eventOpen)
	m.cfg.ReconnectBackOff.Reset()
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	onOpen := make([]func(), 0, len(m.openHandlers))
	for _, id := range sortedKeys(m.openHandlers) {
		onOpen = append(onOpen, m.openHandlers[id])
	}
	m.mu.Unlock()

	m.log.Infow("connected", "endpoint", endpoint)
	go m.readLoop(gen, conn)
	go m.heartbeatLoop(stop)
	for _, fn := range onOpen {
		m.safeCall(fn)
	}
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				m.log.Infow("connection closed", "error", err)
				m.handleCloseLocked()
			}
			m.mu.Unlock()
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping := m.now().UnixMilli()
			env, err := protocol.NewEnvelope(protocol.MsgHeartbeat, protocol.Heartbeat{Ping: &ping}, "", ping)
			if err != nil {
				m.log.Errorw("encode heartbeat", "error", err)
				continue
			}
			m.SendMessage(env)
		}
	}
}

// dispatch handles one inbound frame. Decode failures and handler failures
// are logged and never stop the read loop.
func (m *Manager) dispatch(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		m.log.Warnw("dropping malformed frame", "error", err)
		m.metrics.MalformedFrames.Inc()
		return
	}
	m.metrics.MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	if env.Type == protocol.MsgHeartbeat {
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err == nil && hb.Pong != nil {
			m.recordLatency(time.Duration(m.now().UnixMilli()-*hb.Pong) * time.Millisecond)
			return
		}
	}

	m.mu.Lock()
	handlers := make([]MessageHandler, 0, len(m.handlers))
	for _, id := range sortedKeys(m.handlers) {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(h, env)
	}
}

func (m *Manager) invoke(h MessageHandler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("message handler panicked", "type", env.Type, "panic", r)
		}
	}()
	if err := h(env); err != nil {
		m.log.Warnw("message handler failed", "type", env.Type, "error", err)
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("open handler panicked", "panic", r)
		}
	}()
	fn()
}

func (m *Manager) recordLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsConnected {
		return
	}
	m.setStateLocked(protocol.ConnectionState{IsConnected: true, ConnectionQuality: protocol.ClassifyLatency(d), Latency: d})
	m.metrics.Latency.Set(d.Seconds())
}

// degrade marks the connection poor after a transport error without closing it.
func (m *Manager) degrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsConnected {
		s := m.state
		s.ConnectionQuality = protocol.QualityPoor
		m.setStateLocked(s)
	}
}

// handleCloseLocked tears down the current transport and, while the session
// is enabled, schedules the next attempt.
func (m *Manager) handleCloseLocked() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.stopHeartbeatLocked()
	m.setStateLocked(protocol.ConnectionState{ConnectionQuality: protocol.QualityOffline})
	m.fire(eventClose)

	if !m.enabled {
		m.fire(eventDisconnect)
		return
	}
	delay := m.cfg.ReconnectBackOff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Warn("reconnect budget exhausted")
		m.enabled = false
		m.fire(eventDisconnect)
		return
	}
	m.fire(eventRetry)
	m.metrics.Reconnects.Inc()
	m.log.Infow("reconnect scheduled", "delay", delay)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if !m.enabled || m.fsm.Current() != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	gen := m.beginConnectLocked()
	ws := m.workspaceID
	m.mu.Unlock()

	m.dial(gen, ws)
}

func (m *Manager) setStateLocked(s protocol.ConnectionState) {
	m.state = s
	m.metrics.SetQuality(s.ConnectionQuality)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) fire(event string) {
	if !m.fsm.Can(event) {
		return
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.log.Debugw("state transition rejected", "event", event, "error", err)
	}
}

func sortedKeys[V any](in map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
