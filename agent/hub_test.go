package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"collabtext/internal/docstore"
)

func startHub(t *testing.T, log *zap.SugaredLogger) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := newHub(log)
	go hub.run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func addTab(hub *Hub, id string, buf int) *Client {
	c := &Client{id: id, hub: hub, send: make(chan []byte, buf)}
	hub.register <- c
	return c
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message for tab " + c.id)
	}
	return nil
}

func TestHubBroadcastAndSendTo(t *testing.T) {
	hub := startHub(t, zaptest.NewLogger(t).Sugar())
	a := addTab(hub, "a", 4)
	b := addTab(hub, "b", 4)

	hub.Broadcast([]byte("all"))
	assert.Equal(t, "all", string(receive(t, a)))
	assert.Equal(t, "all", string(receive(t, b)))

	hub.SendTo(b, []byte("only b"))
	assert.Equal(t, "only b", string(receive(t, b)))
	assert.Empty(t, a.send)

	hub.unregister <- a
	_, ok := <-a.send
	assert.False(t, ok)

	hub.Broadcast([]byte("after"))
	assert.Equal(t, "after", string(receive(t, b)))
}

func TestHubDropsSlowTab(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := startHub(t, zap.New(core).Sugar())
	slow := addTab(hub, "slow", 1)

	hub.Broadcast([]byte("x"))
	hub.Broadcast([]byte("y"))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropped slow tab").Len() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "x", string(<-slow.send))
	_, ok := <-slow.send
	assert.False(t, ok)
}

func TestHubStopsAcceptingAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := newHub(zap.NewNop().Sugar())
	go hub.run(ctx)
	tab := addTab(hub, "a", 1)
	cancel()
	<-hub.done

	_, ok := <-tab.send
	assert.False(t, ok)
	hub.Broadcast([]byte("late"))
	hub.SendTo(tab, []byte("late"))
}

func TestNotifyingStorePublishesMemos(t *testing.T) {
	hub := startHub(t, zaptest.NewLogger(t).Sugar())
	tab := addTab(hub, "a", 8)
	store := &notifyingStore{Store: docstore.NewMemory(), hub: hub}

	require.NoError(t, store.Create("m1", docstore.Point{X: 5, Y: 6}))
	var ev uiEvent
	require.NoError(t, json.Unmarshal(receive(t, tab), &ev))
	assert.Equal(t, "memo", ev.Event)
	require.NotNil(t, ev.Memo)
	assert.Equal(t, "m1", ev.Memo.ID)
	assert.Equal(t, 5.0, ev.Memo.X)

	text := "hi"
	require.NoError(t, store.Update("m1", docstore.Patch{Text: &text}))
	ev = uiEvent{}
	require.NoError(t, json.Unmarshal(receive(t, tab), &ev))
	assert.Equal(t, "hi", ev.Memo.Text)

	require.NoError(t, store.Delete("m1"))
	ev = uiEvent{}
	require.NoError(t, json.Unmarshal(receive(t, tab), &ev))
	assert.Equal(t, "memo_deleted", ev.Event)
	assert.Equal(t, "m1", ev.MemoID)

	assert.ErrorIs(t, store.Delete("m1"), docstore.ErrNotFound)
	assert.Empty(t, tab.send)
}
