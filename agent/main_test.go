package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"collabtext/internal/connection"
	"collabtext/internal/coordinator"
	"collabtext/internal/docstore"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
)

// offlineConn never delivers anything; every send fails.
type offlineConn struct{}

func (offlineConn) Connect(string)                                     {}
func (offlineConn) Disconnect()                                        {}
func (offlineConn) SendMessage(protocol.Envelope) bool                 { return false }
func (offlineConn) AddMessageHandler(connection.MessageHandler) func() { return func() {} }
func (offlineConn) AddOpenHandler(func()) func()                       { return func() {} }
func (offlineConn) State() protocol.ConnectionState {
	return protocol.ConnectionState{ConnectionQuality: protocol.QualityOffline}
}

func newTestAgent(t *testing.T) (*agent, *Client) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	hub := startHub(t, log)
	store := docstore.NewMemory()
	co, err := coordinator.New(session.New("ws", "alice", "alice@example.com"),
		&notifyingStore{Store: store, hub: hub}, offlineConn{}, coordinator.Config{}, log, nil)
	require.NoError(t, err)
	t.Cleanup(co.Close)
	co.InitializeUser(coordinator.UserInfo{Email: "alice@example.com"})
	tab := addTab(hub, "tab", 16)
	return &agent{co: co, store: store, hub: hub, log: log}, tab
}

func nextEvent(t *testing.T, c *Client) uiEvent {
	t.Helper()
	var ev uiEvent
	require.NoError(t, json.Unmarshal(receive(t, c), &ev))
	return ev
}

func TestHandleCommandEditsMemo(t *testing.T) {
	a, tab := newTestAgent(t)

	require.NoError(t, a.handleCommand(tab, Command{Action: "create", MemoID: "m1", X: 1, Y: 2}))
	assert.Equal(t, "memo", nextEvent(t, tab).Event)

	require.NoError(t, a.handleCommand(tab, Command{Action: "insert", MemoID: "m1", Char: "h", Index: 0}))
	require.NoError(t, a.handleCommand(tab, Command{Action: "insert", MemoID: "m1", Char: "i", Index: 1}))
	nextEvent(t, tab)
	ev := nextEvent(t, tab)
	require.NotNil(t, ev.Memo)
	assert.Equal(t, "hi", ev.Memo.Text)

	// Offline: everything stays queued for the next connection.
	assert.Len(t, a.co.PendingOperations("m1"), 3)
}

func TestHandleCommandRejectsBadInput(t *testing.T) {
	a, tab := newTestAgent(t)

	err := a.handleCommand(tab, Command{Action: "insert", MemoID: "missing", Char: "x"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	err = a.handleCommand(tab, Command{Action: "dance"})
	assert.ErrorIs(t, err, errUnknownAction)

	err = a.handleCommand(tab, Command{Action: "resolve", Strategy: protocol.LastWriteWins})
	assert.Error(t, err)
}

func TestStateSnapshot(t *testing.T) {
	a, tab := newTestAgent(t)
	require.NoError(t, a.store.Create("m1", docstore.Point{}))

	require.NoError(t, a.handleCommand(tab, Command{Action: "state"}))
	ev := nextEvent(t, tab)
	assert.Equal(t, "state", ev.Event)
	require.Len(t, ev.Memos, 1)
	assert.Equal(t, "m1", ev.Memos[0].ID)
	require.NotNil(t, ev.Connection)
	assert.False(t, ev.Connection.IsConnected)
	require.NotNil(t, ev.Conflicts)
	assert.False(t, ev.Conflicts.HasActiveConflict)
	assert.Nil(t, ev.Pending)
}
