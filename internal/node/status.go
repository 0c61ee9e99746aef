package node

import (
	"time"

	"github.com/cybermesh/mining-peer/internal/protocol"
)

// Status is a point-in-time view of a node, served on /status.
type Status struct {
	Self         protocol.NodeID           `json:"self"`
	Phase        Phase                     `json:"phase"`
	Role         Role                      `json:"role"`
	Leader       protocol.NodeID           `json:"leader"`
	Peers        []protocol.NodeID         `json:"peers"`
	Target       int                       `json:"target"`
	Votes        map[protocol.NodeID]int64 `json:"votes"`
	Transactions []TxStatus                `json:"transactions"`
	StopRaised   bool                      `json:"stop_raised"`
}

// TxStatus reports one transaction. Winner only means something once Resolved is set.
type TxStatus struct {
	ID         protocol.TxID   `json:"id"`
	Challenge  int64           `json:"challenge"`
	Known      bool            `json:"known"`
	Resolved   bool            `json:"resolved"`
	Winner     protocol.NodeID `json:"winner"`
	Solution   string          `json:"solution,omitempty"`
	OpenedAt   time.Time       `json:"opened_at,omitzero"`
	ResolvedAt time.Time       `json:"resolved_at,omitzero"`
}

func (n *Node) Status() Status {
	n.mu.RLock()
	st := Status{
		Self:   n.cfg.Self,
		Phase:  n.phase,
		Role:   n.role,
		Leader: n.leader,
	}
	n.mu.RUnlock()

	st.Peers = n.registry.Snapshot()
	st.Target = n.registry.Target()
	st.Votes = n.election.Table().Snapshot()
	st.StopRaised = n.stop.Raised()
	for _, tx := range n.rounds.Snapshot() {
		st.Transactions = append(st.Transactions, TxStatus{
			ID:         tx.ID,
			Challenge:  tx.Parameter,
			Known:      tx.Known,
			Resolved:   tx.Resolved(),
			Winner:     tx.Winner,
			Solution:   tx.Solution,
			OpenedAt:   tx.OpenedAt,
			ResolvedAt: tx.ResolvedAt,
		})
	}
	return st
}
