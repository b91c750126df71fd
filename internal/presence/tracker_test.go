package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"collabtext/internal/protocol"
	"collabtext/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type outbox struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (o *outbox) send(env protocol.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
	return true
}

func (o *outbox) envelopes() []protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Envelope(nil), o.sent...)
}

func newTracker(t *testing.T, userID string) (*Tracker, *clock, *outbox) {
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	sess := session.New("board-1", userID, userID+"@example.com").WithClock(c.Now)
	out := &outbox{}
	tr := New(sess, out.send, Config{}, zap.NewNop().Sugar(), nil)
	t.Cleanup(tr.Stop)
	return tr, c, out
}

func TestCursorDebounceCollapses(t *testing.T) {
	tr, _, out := newTracker(t, "alice")
	tr.InitializeCurrentUser("alice@example.com")

	for i := 1; i <= 5; i++ {
		tr.SendCursorPosition(float64(i*10), float64(i))
	}
	cur, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, protocol.Cursor{X: 50, Y: 5}, cur.Cursor, "local state updates immediately")
	assert.Empty(t, out.envelopes())

	require.Eventually(t, func() bool { return len(out.envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	sent := out.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MsgPresence, sent[0].Type)

	var p protocol.UserPresence
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, protocol.Cursor{X: 50, Y: 5}, p.Cursor)
	assert.Equal(t, "alice", p.UserID)
}

func TestStopCancelsPendingCursor(t *testing.T) {
	tr, _, out := newTracker(t, "alice")
	tr.InitializeCurrentUser("alice@example.com")
	tr.SendCursorPosition(1, 1)
	tr.Stop()
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, out.envelopes())
}

func TestMemoSelectionIsImmediate(t *testing.T) {
	tr, _, out := newTracker(t, "alice")
	assert.False(t, tr.SendMemoSelection("m1"), "no local user yet")

	tr.InitializeCurrentUser("alice@example.com")
	assert.True(t, tr.SendMemoSelection("m1"))
	sent := out.envelopes()
	require.Len(t, sent, 1)
	var p protocol.UserPresence
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, "m1", p.SelectedDocID)
}

func TestPresenceStaleness(t *testing.T) {
	tr, c, _ := newTracker(t, "alice")
	tr.HandleUserJoined(protocol.UserPresence{UserID: "bob", Email: "bob@example.com"})
	tr.HandleUserJoined(protocol.UserPresence{UserID: "carol"})
	require.Len(t, tr.ActiveUsers(), 2)

	c.Advance(6 * time.Minute)
	tr.HandleUserPresence(protocol.UserPresence{UserID: "carol", Cursor: protocol.Cursor{X: 3, Y: 4}})
	active := tr.ActiveUsers()
	require.Len(t, active, 1, "bob is outside the activity window")
	assert.Equal(t, "carol", active[0].UserID)
	assert.Zero(t, tr.CleanupInactiveUsers(), "bob is not stale yet")

	c.Advance(5 * time.Minute) // bob last seen 11 minutes ago
	assert.Equal(t, 1, tr.CleanupInactiveUsers())
	assert.Equal(t, DefaultColor, tr.UserColor("bob"))
	assert.NotEqual(t, DefaultColor, tr.UserColor("carol"))
}

func TestPresenceMerge(t *testing.T) {
	tr, _, _ := newTracker(t, "alice")
	tr.HandleUserJoined(protocol.UserPresence{UserID: "bob", Email: "bob@example.com", Color: "#3b82f6"})
	tr.HandleUserPresence(protocol.UserPresence{UserID: "bob", Cursor: protocol.Cursor{X: 7, Y: 8}, SelectedDocID: "m2"})

	users := tr.ActiveUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "bob@example.com", users[0].Email)
	assert.Equal(t, "#3b82f6", users[0].Color)
	assert.Equal(t, protocol.Cursor{X: 7, Y: 8}, users[0].Cursor)

	editing := tr.UsersEditingMemo("m2")
	require.Len(t, editing, 1)
	assert.Equal(t, "bob", editing[0].UserID)
	assert.Empty(t, tr.UsersEditingMemo("m1"))

	tr.HandleUserLeft("bob")
	assert.Empty(t, tr.ActiveUsers())
}

func TestIgnoresOwnEcho(t *testing.T) {
	tr, _, _ := newTracker(t, "alice")
	tr.InitializeCurrentUser("alice@example.com")
	tr.HandleUserPresence(protocol.UserPresence{UserID: "alice"})
	tr.HandleUserJoined(protocol.UserPresence{UserID: "alice"})
	assert.Empty(t, tr.ActiveUsers())
}

func TestColorIsDeterministicAndAvoidsCollisions(t *testing.T) {
	a, _, _ := newTracker(t, "bob")
	b, _, _ := newTracker(t, "bob")
	assert.Equal(t, a.InitializeCurrentUser("").Color, b.InitializeCurrentUser("").Color)

	idx := int(xxhash.Sum64String("bob") % uint64(len(Palette)))
	tr, _, _ := newTracker(t, "bob")
	tr.HandleUserJoined(protocol.UserPresence{UserID: "carol", Color: Palette[idx]})
	p := tr.InitializeCurrentUser("bob@example.com")
	assert.Equal(t, Palette[(idx+1)%len(Palette)], p.Color)
	assert.Equal(t, p.Color, tr.UserColor("bob"))
	assert.Equal(t, DefaultColor, tr.UserColor("nobody"))
}

func TestAnnounce(t *testing.T) {
	tr, _, out := newTracker(t, "alice")
	assert.False(t, tr.Announce())
	tr.InitializeCurrentUser("alice@example.com")
	assert.True(t, tr.Announce())
	sent := out.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MsgUserJoined, sent[0].Type)
	assert.Equal(t, "alice", sent[0].UserID)
}
