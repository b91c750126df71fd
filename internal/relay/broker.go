// Package relay fans envelopes out to every connection of a workspace. It
// orders them with a per-workspace sequence number and answers heartbeats;
// it never transforms operations.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Frame is one sequenced envelope as delivered by the broker.
type Frame struct {
	Seq     uint64
	Payload []byte
}

// Subscription delivers the frames published to one workspace.
type Subscription interface {
	Frames() <-chan Frame
	Close() error
}

// Broker is the pub/sub backbone shared by relay instances.
type Broker interface {
	Subscribe(ctx context.Context, workspaceID string) (Subscription, error)
	// Publish assigns the next sequence number and publishes payload with it.
	Publish(ctx context.Context, workspaceID string, payload []byte) (uint64, error)
	CurrentSeq(ctx context.Context, workspaceID string) (uint64, error)
	Ping(ctx context.Context) error
}

// INCR and PUBLISH run in one script so publish order matches sequence order
// across relay instances.
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PUBLISH', KEYS[2], seq .. ' ' .. ARGV[1])
return seq
`)

// RedisBroker implements Broker on Redis pub/sub.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func channelName(workspaceID string) string {
	return "collab:" + workspaceID
}

func seqKey(workspaceID string) string {
	return "collab:" + workspaceID + ":seq"
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, workspaceID string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelName(workspaceID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", workspaceID, err)
	}
	s := &redisSubscription{ps: ps, frames: make(chan Frame, 64), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

func (b *RedisBroker) Publish(ctx context.Context, workspaceID string, payload []byte) (uint64, error) {
	seq, err := publishScript.Run(ctx, b.rdb, []string{seqKey(workspaceID), channelName(workspaceID)}, payload).Int64()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", workspaceID, err)
	}
	return uint64(seq), nil
}

func (b *RedisBroker) CurrentSeq(ctx context.Context, workspaceID string) (uint64, error) {
	seq, err := b.rdb.Get(ctx, seqKey(workspaceID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence of %s: %w", workspaceID, err)
	}
	return seq, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

type redisSubscription struct {
	ps     *redis.PubSub
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.frames)
	for msg := range s.ps.Channel() {
		f, err := parseFrame(msg.Payload)
		if err != nil {
			continue
		}
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Frames() <-chan Frame {
	return s.frames
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func parseFrame(raw string) (Frame, error) {
	head, payload, ok := strings.Cut(raw, " ")
	if !ok {
		return Frame{}, errors.New("frame without sequence")
	}
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("frame sequence: %w", err)
	}
	return Frame{Seq: seq, Payload: []byte(payload)}, nil
}
