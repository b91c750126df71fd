// Package conflict holds the single pending conflict of a session and
// finalizes it with one of the resolution strategies.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/transform"
)

var (
	// ErrNoPendingConflict is returned by ResolveConflict when nothing is pending.
	ErrNoPendingConflict = errors.New("no pending conflict")
	// ErrUnknownStrategy is returned for strategies outside the known set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// Sender writes an envelope to the relay and reports whether it went out.
type Sender func(protocol.Envelope) bool

// Stats summarizes the resolver for the UI.
type Stats struct {
	TotalConflicts    int  `json:"totalConflicts"`
	PendingConflicts  int  `json:"pendingConflicts"`
	HasActiveConflict bool `json:"hasActiveConflict"`
}

// Resolver is session scoped; one exists per coordinator.
type Resolver struct {
	sess    *session.Session
	send    Sender
	log     *zap.SugaredLogger
	metrics *metrics.Client

	mu      sync.Mutex
	total   int
	pending *protocol.ConflictResolution
	ops     []protocol.Operation
}

// New returns a resolver with no history. A nil metrics value gets a private registry.
func New(sess *session.Session, send Sender, log *zap.SugaredLogger, m *metrics.Client) *Resolver {
	if m == nil {
		m = metrics.NewClient(prometheus.NewRegistry())
	}
	return &Resolver{sess: sess, send: send, log: log.Named("conflict"), metrics: m}
}

// HandleConflict records state as the pending conflict, awaiting a user
// choice. ops are the conflicting operations, kept for the
// operational_transform strategy.
func (r *Resolver) HandleConflict(state protocol.ConflictState, ops ...protocol.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &protocol.ConflictResolution{
		Strategy:   protocol.UserChoice,
		FinalState: state,
	}
	r.ops = append([]protocol.Operation(nil), ops...)
	r.total++
	r.metrics.Conflicts.Inc()
	r.log.Infow("conflict pending", "type", state.ConflictType, "user", state.UserID)
}

// Pending returns the unresolved conflict, if any.
func (r *Resolver) Pending() (protocol.ConflictResolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return protocol.ConflictResolution{}, false
	}
	return *r.pending, true
}

// ResolveConflict finalizes the pending conflict, broadcasts the resolution
// and returns the final state. choice only matters for user_choice.
func (r *Resolver) ResolveConflict(strategy protocol.Strategy, choice *protocol.ConflictState) (protocol.ConflictState, error) {
	if !strategy.Valid() {
		return protocol.ConflictState{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return protocol.ConflictState{}, ErrNoPendingConflict
	}
	final := r.pending.FinalState
	switch strategy {
	case protocol.OperationalTransform:
		if len(r.ops) > 0 {
			data, err := json.Marshal(transformAll(r.ops))
			if err != nil {
				r.mu.Unlock()
				return protocol.ConflictState{}, fmt.Errorf("encode transformed operations: %w", err)
			}
			final.Data = data
		}
	case protocol.UserChoice:
		if choice != nil {
			final = *choice
		}
	}
	r.pending = nil
	r.ops = nil
	r.mu.Unlock()

	res := protocol.ConflictResolution{Strategy: strategy, Resolved: true, FinalState: final}
	env, err := protocol.NewEnvelope(protocol.MsgConflict, res, r.sess.UserID, r.sess.Timestamp())
	if err != nil {
		return final, err
	}
	if !r.send(env) {
		r.log.Warnw("resolution not broadcast", "strategy", strategy)
	}
	return final, nil
}

// transformAll rewrites each operation against the others that precede it,
// so applying the results in precedence order converges.
func transformAll(ops []protocol.Operation) []protocol.Operation {
	sorted := append([]protocol.Operation(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Precedes(sorted[j]) })
	out := make([]protocol.Operation, len(sorted))
	for i, op := range sorted {
		out[i] = transform.TransformOperation(op, sorted[:i])
	}
	return out
}

// HandleRemoteResolution applies a conflict envelope from another client.
func (r *Resolver) HandleRemoteResolution(res protocol.ConflictResolution) {
	if !res.Resolved {
		r.HandleConflict(res.FinalState)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.log.Infow("conflict resolved remotely", "strategy", res.Strategy, "user", res.FinalState.UserID)
	}
	r.pending = nil
	r.ops = nil
}

// PreventConflict reports whether op may be sent. Moves and memo deletions
// are held back while a conflict is pending.
func (r *Resolver) PreventConflict(op protocol.Operation) bool {
	if op.Kind != protocol.OpMove && op.Kind != protocol.OpDeleteDoc {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending == nil
}

// Stats returns the conflict counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{TotalConflicts: r.total}
	if r.pending != nil {
		s.PendingConflicts = 1
		s.HasActiveConflict = true
	}
	return s
}

// ClearHistory resets the counter and drops any pending conflict.
func (r *Resolver) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = 0
	r.pending = nil
	r.ops = nil
}
