package round

import (
	"slices"
	"sync"
	"time"

	"github.com/cybermesh/mining-peer/internal/protocol"
)

// Transaction is one challenge and, once resolved, its winner.
type Transaction struct {
	ID protocol.TxID
	// Parameter is zero on placeholder entries created from a result.
	Parameter  int64
	Known      bool
	Solution   string
	Winner     protocol.NodeID
	OpenedAt   time.Time
	ResolvedAt time.Time

	// Tracked apart from Winner since any NodeID, NoWinner included, can arrive on the wire.
	resolved bool
}

func (t Transaction) Resolved() bool { return t.resolved }

// Outcome of a resolution attempt.
type Outcome int

const (
	OutcomeUnknownTx Outcome = iota
	OutcomeAlreadyResolved
	OutcomeInvalid
	OutcomeAccepted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknownTx:
		return "unknown_tx"
	case OutcomeAlreadyResolved:
		return "already_resolved"
	case OutcomeInvalid:
		return "rejected"
	case OutcomeAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Table holds the transactions a node knows about. Each winner is set at most once.
type Table struct {
	mu  sync.Mutex
	txs map[protocol.TxID]*Transaction
	now func() time.Time
}

func NewTable() *Table {
	return &Table{txs: make(map[protocol.TxID]*Transaction), now: time.Now}
}

// Open records a challenge. An existing entry keeps its winner; a placeholder gains the parameter.
// It reports whether the entry was created or filled in.
func (t *Table) Open(id protocol.TxID, parameter int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx, ok := t.txs[id]; ok {
		if tx.Known {
			return false
		}
		tx.Parameter, tx.Known = parameter, true
		tx.OpenedAt = t.now()
		return true
	}
	t.txs[id] = &Transaction{ID: id, Parameter: parameter, Known: true, Winner: protocol.NoWinner, OpenedAt: t.now()}
	return true
}

// TryResolve validates candidate and, if it passes, sets the winner. Validation
// and assignment happen under one lock so concurrent submitters cannot both win.
func (t *Table) TryResolve(id protocol.TxID, submitter protocol.NodeID, candidate string, valid func(parameter int64) bool) (Transaction, Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.txs[id]
	if !ok || !tx.Known {
		return Transaction{}, OutcomeUnknownTx
	}
	if tx.Resolved() {
		return *tx, OutcomeAlreadyResolved
	}
	if !valid(tx.Parameter) {
		return *tx, OutcomeInvalid
	}
	tx.Winner, tx.Solution, tx.ResolvedAt = submitter, candidate, t.now()
	tx.resolved = true
	return *tx, OutcomeAccepted
}

// ApplyResult records an accepted result seen on the bus, creating a placeholder
// for transactions this node never saw a challenge for.
func (t *Table) ApplyResult(id protocol.TxID, winner protocol.NodeID, candidate string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := t.placeholder(id)
	if tx.resolved {
		return false
	}
	tx.Winner, tx.Solution, tx.ResolvedAt = winner, candidate, t.now()
	tx.resolved = true
	return true
}

// Note makes sure an entry exists for id without touching its winner. Rejected
// results use it so the transaction still shows up in the table.
func (t *Table) Note(id protocol.TxID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.txs[id]
	t.placeholder(id)
	return !ok
}

// placeholder returns the entry for id, creating an unknown one. Caller holds t.mu.
func (t *Table) placeholder(id protocol.TxID) *Transaction {
	tx, ok := t.txs[id]
	if !ok {
		tx = &Transaction{ID: id, Winner: protocol.NoWinner}
		t.txs[id] = tx
	}
	return tx
}

func (t *Table) Get(id protocol.TxID) (Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// Snapshot returns all transactions ordered by id.
func (t *Table) Snapshot() []Transaction {
	t.mu.Lock()
	out := make([]Transaction, 0, len(t.txs))
	for _, tx := range t.txs {
		out = append(out, *tx)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Transaction) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
