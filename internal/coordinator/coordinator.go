// Package coordinator wires the connection, presence, conflict and transform
// components of one collaboration session into the surface the UI uses.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"collabtext/internal/conflict"
	"collabtext/internal/connection"
	"collabtext/internal/docstore"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/transform"
)

var (
	// ErrConflictPending is returned when a move or memo deletion is held back
	// by an unresolved conflict.
	ErrConflictPending = errors.New("operation blocked by pending conflict")
	// ErrOutboxFull is returned when a memo already has the maximum number of
	// unsent operations.
	ErrOutboxFull = errors.New("outbox full")
)

const seenCacheSize = 4096

// Transport is the part of the connection manager the coordinator drives.
type Transport interface {
	Connect(workspaceID string)
	Disconnect()
	SendMessage(protocol.Envelope) bool
	AddMessageHandler(connection.MessageHandler) func()
	AddOpenHandler(func()) func()
	State() protocol.ConnectionState
}

// Config holds the coordinator's buffer sizes and sweep schedule.
type Config struct {
	OutboxSize    int
	HistorySize   int
	SweepInterval time.Duration
	Presence      presence.Config
}

func (c *Config) setDefaults() {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 512
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// UserInfo identifies the local user to collaborators.
type UserInfo struct {
	Email string
}

// pendingOp is a local operation the relay has not sequenced yet. op is
// rewritten as remote operations arrive; id stays fixed because a
// last-write-wins transform may hand back the other operation.
type pendingOp struct {
	id   string
	sent protocol.Operation // form written to the wire, for resends
	op   protocol.Operation
}

type sequenced struct {
	seq    uint64
	origin string
	op     protocol.Operation
}

// docState is the reconciliation state of one memo: sequenced history in
// relay order, at most one operation in flight, and the local operations
// queued behind it.
type docState struct {
	history  []sequenced
	inflight *pendingOp
	queue    []pendingOp
}

// Coordinator is the collaboration engine of one session.
type Coordinator struct {
	sess      *session.Session
	store     docstore.Store
	conn      Transport
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics.Client
	presence  *presence.Tracker
	conflicts *conflict.Resolver

	mu      sync.Mutex
	enabled bool
	baseSeq uint64
	docs    map[string]*docState
	seen    *lru.Cache[string, struct{}]
	sweeper *cron.Cron

	removeHandlers []func()
}

// New builds a coordinator and subscribes it to conn. A nil metrics value
// gets a private registry.
func New(sess *session.Session, store docstore.Store, conn Transport, cfg Config, log *zap.SugaredLogger, m *metrics.Client) (*Coordinator, error) {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewClient(prometheus.NewRegistry())
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	c := &Coordinator{
		sess:      sess,
		store:     store,
		conn:      conn,
		cfg:       cfg,
		log:       log.Named("coordinator"),
		metrics:   m,
		presence:  presence.New(sess, conn.SendMessage, cfg.Presence, log, m),
		conflicts: conflict.New(sess, conn.SendMessage, log, m),
		enabled:   true,
		docs:      make(map[string]*docState),
		seen:      seen,
	}
	c.removeHandlers = []func(){
		conn.AddMessageHandler(c.handleMessage),
		conn.AddOpenHandler(c.onOpen),
	}
	return c, nil
}

// Connect opens the session's connection and starts the presence sweep.
// It does nothing while the session is disabled.
func (c *Coordinator) Connect() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		c.log.Debug("connect ignored, session disabled")
		return
	}
	if c.sweeper == nil {
		c.sweeper = c.newSweeper()
		c.sweeper.Start()
	}
	c.mu.Unlock()
	c.conn.Connect(c.sess.WorkspaceID)
}

// Disconnect closes the connection and stops the sweep. Queued operations
// are kept and sent on the next Connect.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	sweeper := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	c.presence.Stop()
	c.conn.Disconnect()
}

// SetEnabled toggles the session. Disabling forces a disconnect.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	if !enabled {
		c.Disconnect()
	}
}

// Close disconnects and unsubscribes from the transport.
func (c *Coordinator) Close() {
	c.Disconnect()
	for _, remove := range c.removeHandlers {
		remove()
	}
	c.conflicts.ClearHistory()
}

// InitializeUser creates the local presence record and announces it.
func (c *Coordinator) InitializeUser(info UserInfo) protocol.UserPresence {
	p := c.presence.InitializeCurrentUser(info.Email)
	c.presence.Announce()
	return p
}

// Submit applies a local operation to the memo store and sends it. Missing
// ID, user, timestamp, and create memo ID are filled in; the completed
// operation is returned.
func (c *Coordinator) Submit(op protocol.Operation) (protocol.Operation, error) {
	return c.submit(op, true)
}

// SendOperation sends an operation the caller has already applied locally.
func (c *Coordinator) SendOperation(op protocol.Operation) (protocol.Operation, error) {
	return c.submit(op, false)
}

func (c *Coordinator) submit(op protocol.Operation, apply bool) (protocol.Operation, error) {
	op = c.complete(op)
	if !op.Kind.Valid() {
		return op, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, op.Kind)
	}
	if op.DocID == "" {
		return op, fmt.Errorf("%s operation without memo id", op.Kind)
	}
	if !c.conflicts.PreventConflict(op) {
		c.metrics.OpsDropped.WithLabelValues("conflict_pending").Inc()
		return op, ErrConflictPending
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.doc(op.DocID)
	if len(d.queue) >= c.cfg.OutboxSize {
		c.metrics.OpsDropped.WithLabelValues("outbox_full").Inc()
		return op, fmt.Errorf("%w: memo %s", ErrOutboxFull, op.DocID)
	}
	if apply {
		if err := c.applyLocked(op); err != nil {
			return op, err
		}
	}
	c.seen.Add(op.ID, struct{}{})
	d.queue = append(d.queue, pendingOp{id: op.ID, op: op})
	if !c.sendNextLocked(d) {
		c.log.Debugw("operation queued", "id", op.ID, "memo", op.DocID, "inflight", d.inflight != nil)
	}
	c.refreshOutboxLocked()
	return op, nil
}

func (c *Coordinator) complete(op protocol.Operation) protocol.Operation {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.UserID == "" {
		op.UserID = c.sess.UserID
	}
	if op.Timestamp == 0 {
		op.Timestamp = c.sess.Timestamp()
	}
	if op.Kind == protocol.OpCreate && op.DocID == "" {
		op.DocID = uuid.NewString()
	}
	return op
}

// sendNextLocked moves the head of the queue in flight if nothing is.
// It reports whether an operation was written.
func (c *Coordinator) sendNextLocked(d *docState) bool {
	if d.inflight != nil || len(d.queue) == 0 {
		return false
	}
	next := d.queue[0]
	out := next.op
	out.ID = next.id
	out.UserID = c.sess.UserID
	out.BaseSeq = c.baseSeq
	if !c.sendOpLocked(out) {
		return false
	}
	d.queue = d.queue[1:]
	d.inflight = &pendingOp{id: next.id, sent: out, op: out}
	return true
}

func (c *Coordinator) sendOpLocked(op protocol.Operation) bool {
	env, err := protocol.NewEnvelope(protocol.MsgOperation, op, op.UserID, op.Timestamp)
	if err != nil {
		c.log.Errorw("encode operation", "id", op.ID, "error", err)
		return false
	}
	return c.conn.SendMessage(env)
}

// onOpen runs on every (re)connection: re-announce, resend what was in
// flight, and start draining the queues.
func (c *Coordinator) onOpen() {
	c.presence.Announce()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.docIDsLocked() {
		d := c.docs[id]
		if d.inflight != nil {
			if !c.sendOpLocked(d.inflight.sent) {
				break
			}
			continue
		}
		c.sendNextLocked(d)
	}
	c.refreshOutboxLocked()
}

// handleMessage dispatches one inbound envelope by type.
func (c *Coordinator) handleMessage(env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgUserJoined:
		var p protocol.UserPresence
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.presence.HandleUserJoined(p)
	case protocol.MsgUserLeft:
		var p protocol.UserPresence
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.UserID == "" {
			p.UserID = env.UserID
		}
		c.presence.HandleUserLeft(p.UserID)
	case protocol.MsgPresence:
		var p protocol.UserPresence
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.presence.HandleUserPresence(p)
	case protocol.MsgOperation:
		var op protocol.Operation
		if err := env.Decode(&op); err != nil {
			return err
		}
		return c.handleRemoteOperation(op, env.Seq)
	case protocol.MsgConflict:
		if env.UserID == c.sess.UserID {
			return nil
		}
		var res protocol.ConflictResolution
		if err := env.Decode(&res); err != nil {
			return err
		}
		c.conflicts.HandleRemoteResolution(res)
	case protocol.MsgHeartbeat:
	}
	c.observeSeq(env.Seq)
	return nil
}

func (c *Coordinator) observeSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.baseSeq {
		c.baseSeq = seq
	}
}

// handleRemoteOperation integrates an operation delivered by the relay. Own
// echoes acknowledge the operation in flight; everything else is brought to
// the current relay order, transformed past local pending operations, and
// applied.
func (c *Coordinator) handleRemoteOperation(op protocol.Operation, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.baseSeq {
		c.baseSeq = seq
	}
	d := c.doc(op.DocID)

	if d.inflight != nil && op.ID == d.inflight.id {
		c.recordLocked(d, seq, op)
		d.inflight = nil
		c.sendNextLocked(d)
		c.refreshOutboxLocked()
		return nil
	}
	if op.ID != "" {
		if c.seen.Contains(op.ID) {
			c.metrics.OpsDropped.WithLabelValues("duplicate").Inc()
			return nil
		}
		c.seen.Add(op.ID, struct{}{})
	}

	canonical := c.recordLocked(d, seq, op)
	c.detectConflictsLocked(d, op)

	x := canonical
	if d.inflight != nil {
		x, d.inflight.op = transform.Transform(x, d.inflight.op)
	}
	for i := range d.queue {
		x, d.queue[i].op = transform.Transform(x, d.queue[i].op)
	}

	if err := c.applyLocked(x); err != nil {
		c.metrics.OpsDropped.WithLabelValues("apply_failed").Inc()
		return fmt.Errorf("apply remote %s on memo %s: %w", op.Kind, op.DocID, err)
	}
	c.metrics.OpsApplied.WithLabelValues(string(op.Kind)).Inc()
	return nil
}

// recordLocked rebases op over the history it was concurrent with and
// appends the result. Unsequenced operations are returned unchanged.
func (c *Coordinator) recordLocked(d *docState, seq uint64, op protocol.Operation) protocol.Operation {
	if seq == 0 {
		return op
	}
	var concurrent []protocol.Operation
	for _, h := range d.history {
		if h.seq > op.BaseSeq && h.seq < seq && h.origin != op.UserID {
			concurrent = append(concurrent, h.op)
		}
	}
	if len(d.history) == c.cfg.HistorySize && d.history[0].seq > op.BaseSeq+1 {
		c.log.Warnw("operation older than retained history", "id", op.ID, "baseSeq", op.BaseSeq, "oldest", d.history[0].seq)
	}
	canonical := transform.Rebase(op, concurrent)
	d.history = append(d.history, sequenced{seq: seq, origin: op.UserID, op: canonical})
	if over := len(d.history) - c.cfg.HistorySize; over > 0 {
		d.history = append([]sequenced(nil), d.history[over:]...)
	}
	return canonical
}

func (c *Coordinator) detectConflictsLocked(d *docState, op protocol.Operation) {
	local := c.pendingLocked(d)
	if len(local) == 0 {
		return
	}
	for _, pair := range transform.DetectConflicts(append([]protocol.Operation{op}, local...)) {
		if pair.First.ID != op.ID {
			continue
		}
		data, err := json.Marshal([]protocol.Operation{op, pair.Second})
		if err != nil {
			c.log.Errorw("encode conflict", "error", err)
			return
		}
		c.conflicts.HandleConflict(protocol.ConflictState{
			Data:         data,
			Timestamp:    op.Timestamp,
			UserID:       op.UserID,
			ConflictType: string(op.Kind),
		}, op, pair.Second)
		return
	}
}

// ApplyOperation writes op to the memo store. Creating an existing memo and
// deleting a missing one are no-ops.
func (c *Coordinator) ApplyOperation(op protocol.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(op)
}

func (c *Coordinator) applyLocked(op protocol.Operation) error {
	switch op.Kind {
	case protocol.OpCreate:
		_, err := c.store.Get(op.DocID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		x, y, _ := op.Point()
		if err := c.store.Create(op.DocID, docstore.Point{X: x, Y: y}); err != nil && !errors.Is(err, docstore.ErrExists) {
			return err
		}
		return nil
	case protocol.OpDeleteDoc:
		if err := c.store.Delete(op.DocID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		return nil
	case protocol.OpMove:
		x, y, ok := op.Point()
		if !ok {
			return fmt.Errorf("move of memo %s without coordinates", op.DocID)
		}
		return c.store.UpdatePosition(op.DocID, x, y)
	case protocol.OpInsert, protocol.OpDelete:
		doc, err := c.store.Get(op.DocID)
		if err != nil {
			return err
		}
		text, err := transform.ApplyTextOperation(doc.Text, op)
		if err != nil {
			return err
		}
		return c.store.Update(op.DocID, docstore.Patch{Text: &text})
	case protocol.OpRetain:
		return nil
	}
	return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, op.Kind)
}

// Sweep evicts stale collaborators. It runs on the cron schedule while
// connected.
func (c *Coordinator) Sweep() {
	if n := c.presence.CleanupInactiveUsers(); n > 0 {
		c.log.Infow("presence sweep", "evicted", n)
	}
}

func (c *Coordinator) newSweeper() *cron.Cron {
	logger := cronLogger{c.log.Named("sweep")}
	s := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	if _, err := s.AddFunc(fmt.Sprintf("@every %s", c.cfg.SweepInterval), c.Sweep); err != nil {
		c.log.Errorw("schedule presence sweep", "interval", c.cfg.SweepInterval, "error", err)
	}
	return s
}

// BroadcastCursorPosition moves the local cursor.
func (c *Coordinator) BroadcastCursorPosition(x, y float64) {
	c.presence.SendCursorPosition(x, y)
}

// BroadcastMemoSelection announces the selected memo; "" clears it.
func (c *Coordinator) BroadcastMemoSelection(docID string) bool {
	return c.presence.SendMemoSelection(docID)
}

// ResolveConflict finalizes the pending conflict.
func (c *Coordinator) ResolveConflict(strategy protocol.Strategy, choice *protocol.ConflictState) (protocol.ConflictState, error) {
	return c.conflicts.ResolveConflict(strategy, choice)
}

// ConflictStats returns the conflict counters.
func (c *Coordinator) ConflictStats() conflict.Stats {
	return c.conflicts.Stats()
}

// PendingConflict returns the unresolved conflict, if any.
func (c *Coordinator) PendingConflict() (protocol.ConflictResolution, bool) {
	return c.conflicts.Pending()
}

// UserColor returns the colour shown for userID.
func (c *Coordinator) UserColor(userID string) string {
	return c.presence.UserColor(userID)
}

// ActiveUsers returns the collaborators seen recently.
func (c *Coordinator) ActiveUsers() []protocol.UserPresence {
	return c.presence.ActiveUsers()
}

// UsersEditingMemo returns the collaborators that selected docID.
func (c *Coordinator) UsersEditingMemo(docID string) []protocol.UserPresence {
	return c.presence.UsersEditingMemo(docID)
}

// ConnectionState reports connection quality and latency.
func (c *Coordinator) ConnectionState() protocol.ConnectionState {
	return c.conn.State()
}

// PendingOperations returns the local operations on docID the relay has not
// acknowledged, in send order.
func (c *Coordinator) PendingOperations(docID string) []protocol.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[docID]
	if !ok {
		return nil
	}
	return c.pendingLocked(d)
}

func (c *Coordinator) pendingLocked(d *docState) []protocol.Operation {
	var out []protocol.Operation
	if d.inflight != nil {
		op := d.inflight.op
		op.ID = d.inflight.id
		out = append(out, op)
	}
	for _, p := range d.queue {
		op := p.op
		op.ID = p.id
		out = append(out, op)
	}
	return out
}

func (c *Coordinator) doc(id string) *docState {
	d, ok := c.docs[id]
	if !ok {
		d = &docState{}
		c.docs[id] = d
	}
	return d
}

func (c *Coordinator) docIDsLocked() []string {
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) refreshOutboxLocked() {
	n := 0
	for _, d := range c.docs {
		n += len(d.queue)
		if d.inflight != nil {
			n++
		}
	}
	c.metrics.OutboxDepth.Set(float64(n))
}

type cronLogger struct {
	log *zap.SugaredLogger
}

// Info drops cron's start, wake and stop chatter. The scheduler goroutine
// logs "stop" after Stop has returned, when the logger may already be gone.
func (l cronLogger) Info(string, ...interface{}) {}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
