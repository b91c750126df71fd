// Package presence tracks collaborators' cursors and selections and
// broadcasts the local user's own.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
)

// Palette holds the collaborator colours.
var Palette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e", "#14b8a6",
	"#3b82f6", "#6366f1", "#a855f7", "#ec4899", "#64748b",
}

// DefaultColor is returned for users the tracker has never seen.
const DefaultColor = "#9ca3af"

// Sender writes an envelope to the relay and reports whether it went out.
type Sender func(protocol.Envelope) bool

// Config holds the tracker timings.
type Config struct {
	CursorDebounce time.Duration
	ActiveWindow   time.Duration
	StaleAfter     time.Duration
}

func (c *Config) setDefaults() {
	if c.CursorDebounce <= 0 {
		c.CursorDebounce = 100 * time.Millisecond
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

// Tracker holds the local user's presence and everyone else's.
type Tracker struct {
	sess    *session.Session
	send    Sender
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Client

	mu          sync.Mutex
	current     *protocol.UserPresence
	users       map[string]protocol.UserPresence
	cursorTimer *time.Timer
}

// New returns an empty tracker. A nil metrics value gets a private registry.
func New(sess *session.Session, send Sender, cfg Config, log *zap.SugaredLogger, m *metrics.Client) *Tracker {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewClient(prometheus.NewRegistry())
	}
	return &Tracker{
		sess:    sess,
		send:    send,
		cfg:     cfg,
		log:     log.Named("presence"),
		metrics: m,
		users:   make(map[string]protocol.UserPresence),
	}
}

// InitializeCurrentUser creates the local presence record. The colour is
// derived from the user ID, skipping colours other active users hold.
func (t *Tracker) InitializeCurrentUser(email string) protocol.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := protocol.UserPresence{
		UserID:   t.sess.UserID,
		Email:    email,
		Color:    t.colorForLocked(t.sess.UserID),
		LastSeen: t.sess.Now().UnixMilli(),
		IsActive: true,
	}
	t.current = &p
	return p
}

// Current returns the local user's presence, if initialized.
func (t *Tracker) Current() (protocol.UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return protocol.UserPresence{}, false
	}
	return *t.current, true
}

// Announce broadcasts a user_joined envelope for the local user.
func (t *Tracker) Announce() bool {
	env, ok := t.envelope(protocol.MsgUserJoined)
	if !ok {
		return false
	}
	return t.send(env)
}

// HandleUserJoined inserts or replaces a collaborator.
func (t *Tracker) HandleUserJoined(p protocol.UserPresence) {
	if p.UserID == "" || p.UserID == t.sess.UserID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.users[p.UserID]; ok {
		p = merge(existing, p)
	}
	if p.Color == "" {
		p.Color = t.colorForLocked(p.UserID)
	}
	p.LastSeen = t.sess.Now().UnixMilli()
	p.IsActive = true
	t.users[p.UserID] = p
	t.refreshGaugeLocked()
}

// HandleUserLeft removes a collaborator.
func (t *Tracker) HandleUserLeft(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, userID)
	t.refreshGaugeLocked()
}

// HandleUserPresence merges a presence update into the collaborator's record.
func (t *Tracker) HandleUserPresence(p protocol.UserPresence) {
	if p.UserID == "" || p.UserID == t.sess.UserID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.users[p.UserID]
	if ok {
		p = merge(existing, p)
	} else if p.Color == "" {
		p.Color = t.colorForLocked(p.UserID)
	}
	p.LastSeen = t.sess.Now().UnixMilli()
	p.IsActive = true
	t.users[p.UserID] = p
	t.refreshGaugeLocked()
}

// merge overlays the cursor and selection of update onto base, keeping base's
// identity fields where update leaves them empty.
func merge(base, update protocol.UserPresence) protocol.UserPresence {
	base.Cursor = update.Cursor
	base.SelectedDocID = update.SelectedDocID
	if update.Email != "" {
		base.Email = update.Email
	}
	if update.Color != "" {
		base.Color = update.Color
	}
	return base
}

// SendCursorPosition moves the local cursor immediately and broadcasts it
// once no further move has arrived for the debounce interval.
func (t *Tracker) SendCursorPosition(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.current.Cursor = protocol.Cursor{X: x, Y: y}
	t.current.LastSeen = t.sess.Now().UnixMilli()
	if t.cursorTimer != nil {
		t.cursorTimer.Stop()
	}
	t.cursorTimer = time.AfterFunc(t.cfg.CursorDebounce, t.flushCursor)
}

func (t *Tracker) flushCursor() {
	t.mu.Lock()
	t.cursorTimer = nil
	t.mu.Unlock()
	if env, ok := t.envelope(protocol.MsgPresence); ok {
		t.send(env)
	}
}

// SendMemoSelection broadcasts the local selection right away. An empty
// docID clears it.
func (t *Tracker) SendMemoSelection(docID string) bool {
	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return false
	}
	t.current.SelectedDocID = docID
	t.current.LastSeen = t.sess.Now().UnixMilli()
	t.mu.Unlock()

	env, ok := t.envelope(protocol.MsgPresence)
	if !ok {
		return false
	}
	return t.send(env)
}

func (t *Tracker) envelope(kind protocol.MessageType) (protocol.Envelope, bool) {
	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return protocol.Envelope{}, false
	}
	p := *t.current
	t.mu.Unlock()

	env, err := protocol.NewEnvelope(kind, p, p.UserID, t.sess.Timestamp())
	if err != nil {
		t.log.Errorw("encode presence", "error", err)
		return protocol.Envelope{}, false
	}
	return env, true
}

// ActiveUsers returns the collaborators seen within the activity window,
// ordered by user ID.
func (t *Tracker) ActiveUsers() []protocol.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.sess.Now()
	out := make([]protocol.UserPresence, 0, len(t.users))
	for _, u := range t.users {
		if t.activeLocked(u, now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UsersEditingMemo returns the active collaborators that selected docID.
func (t *Tracker) UsersEditingMemo(docID string) []protocol.UserPresence {
	var out []protocol.UserPresence
	for _, u := range t.ActiveUsers() {
		if u.SelectedDocID == docID {
			out = append(out, u)
		}
	}
	return out
}

// CleanupInactiveUsers drops collaborators unseen for longer than StaleAfter
// and returns how many were removed.
func (t *Tracker) CleanupInactiveUsers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.sess.Now().Add(-t.cfg.StaleAfter).UnixMilli()
	removed := 0
	for id, u := range t.users {
		if u.LastSeen < cutoff {
			delete(t.users, id)
			removed++
		}
	}
	if removed > 0 {
		t.log.Debugw("evicted stale collaborators", "count", removed)
		t.metrics.UsersEvicted.Add(float64(removed))
	}
	t.refreshGaugeLocked()
	return removed
}

// UserColor returns the colour shown for userID.
func (t *Tracker) UserColor(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.UserID == userID {
		return t.current.Color
	}
	if u, ok := t.users[userID]; ok && u.Color != "" {
		return u.Color
	}
	return DefaultColor
}

// Stop cancels a pending cursor broadcast.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorTimer != nil {
		t.cursorTimer.Stop()
		t.cursorTimer = nil
	}
}

// Reset forgets every collaborator. The local user is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = make(map[string]protocol.UserPresence)
	t.refreshGaugeLocked()
}

func (t *Tracker) activeLocked(u protocol.UserPresence, now time.Time) bool {
	return u.IsActive && now.Sub(time.UnixMilli(u.LastSeen)) <= t.cfg.ActiveWindow
}

func (t *Tracker) colorForLocked(userID string) string {
	now := t.sess.Now()
	taken := make(map[string]bool)
	for id, u := range t.users {
		if id != userID && t.activeLocked(u, now) {
			taken[u.Color] = true
		}
	}
	if t.current != nil && t.current.UserID != userID {
		taken[t.current.Color] = true
	}
	start := int(xxhash.Sum64String(userID) % uint64(len(Palette)))
	for i := range Palette {
		if c := Palette[(start+i)%len(Palette)]; !taken[c] {
			return c
		}
	}
	return Palette[start]
}

func (t *Tracker) refreshGaugeLocked() {
	now := t.sess.Now()
	n := 0
	for _, u := range t.users {
		if t.activeLocked(u, now) {
			n++
		}
	}
	t.metrics.ActiveUsers.Set(float64(n))
}
