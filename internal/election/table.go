package election

import (
	"maps"
	"sync"

	"github.com/cybermesh/mining-peer/internal/protocol"
)

// Table holds one vote per identity. The first vote seen for an identity wins
// and the table is never reset.
type Table struct {
	mu       sync.RWMutex
	votes    map[protocol.NodeID]int64
	expected int
	full     chan struct{}
	closed   bool
}

func NewTable(expected int) *Table {
	t := &Table{
		votes:    make(map[protocol.NodeID]int64),
		expected: expected,
		full:     make(chan struct{}),
	}
	if expected <= 0 {
		t.closed = true
		close(t.full)
	}
	return t
}

// Record stores vote for id unless one is already known. It reports whether the table changed.
func (t *Table) Record(id protocol.NodeID, vote int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.votes[id]; ok {
		return false
	}
	t.votes[id] = vote
	if !t.closed && len(t.votes) >= t.expected {
		t.closed = true
		close(t.full)
	}
	return true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.votes)
}

// Full is closed once the expected number of votes is recorded.
func (t *Table) Full() <-chan struct{} { return t.full }

func (t *Table) Snapshot() map[protocol.NodeID]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.votes)
}
