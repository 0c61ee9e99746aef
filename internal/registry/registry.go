// Package registry tracks the identities discovered during the discovery phase.
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/protocol"
)

// Registry is an append-only set of node identities with a completion signal.
type Registry struct {
	mu      sync.RWMutex
	peers   map[protocol.NodeID]struct{}
	order   []protocol.NodeID
	target  int
	done    chan struct{}
	closed  bool
	metrics *metrics.Recorder
}

// New returns a registry that completes once target identities are known.
func New(target int, rec *metrics.Recorder) *Registry {
	r := &Registry{
		peers:   make(map[protocol.NodeID]struct{}),
		target:  target,
		done:    make(chan struct{}),
		metrics: rec,
	}
	if target <= 0 {
		r.closed = true
		close(r.done)
	}
	return r
}

// Observe records id and reports whether it was new. Repeats are no-ops.
func (r *Registry) Observe(id protocol.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		return false
	}
	r.peers[id] = struct{}{}
	r.order = append(r.order, id)
	r.metrics.SetPeers(len(r.order))

	if !r.closed && len(r.order) >= r.target {
		r.closed = true
		close(r.done)
	}
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) Target() int { return r.target }

func (r *Registry) IsComplete() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Registry) Contains(id protocol.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// Done is closed once the target cardinality is reached.
func (r *Registry) Done() <-chan struct{} { return r.done }

// Wait blocks until the registry completes or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the known identities in ascending order.
func (r *Registry) Snapshot() []protocol.NodeID {
	r.mu.RLock()
	out := slices.Clone(r.order)
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}
