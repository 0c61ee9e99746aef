// Package p2p runs the peer bus over a libp2p GossipSub mesh.
package p2p

import (
	"maps"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cybermesh/mining-peer/internal/utils"
)

// State tracks libp2p connections and message activity. It is threadsafe and
// feeds readiness checks and the status endpoint; protocol identities live in
// the registry, not here.
type State struct {
	log *utils.Logger

	mu    sync.RWMutex
	peers map[peer.ID]*PeerState
}

// PeerState holds per-connection activity.
type PeerState struct {
	ID        peer.ID
	Connected bool
	FirstSeen time.Time
	LastSeen  time.Time
	BytesIn   uint64
	MsgIn     uint64
	Labels    map[string]string
}

func NewState(log *utils.Logger) *State {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &State{log: log, peers: make(map[peer.ID]*PeerState)}
}

// OnConnect marks a peer connected (called by router via notifiee).
func (s *State) OnConnect(pid peer.ID, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.ensure(pid)
	ps.Connected = true
	ps.LastSeen = time.Now()
	if labels != nil {
		ps.Labels = labels
	}
	s.log.Debug("peer connected", utils.ZapString("peer", pid.String()))
}

// OnDisconnect marks a peer disconnected but keeps its history.
func (s *State) OnDisconnect(pid peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[pid]; ok {
		ps.Connected = false
	}
	s.log.Debug("peer disconnected", utils.ZapString("peer", pid.String()))
}

// OnMessage records a delivered gossip message.
func (s *State) OnMessage(pid peer.ID, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.ensure(pid)
	ps.LastSeen = time.Now()
	ps.MsgIn++
	ps.BytesIn += uint64(size)
}

// TouchPeer refreshes LastSeen for a tracked peer. Unknown peers are skipped.
func (s *State) TouchPeer(pid peer.ID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[pid]; ok && at.After(ps.LastSeen) {
		ps.LastSeen = at
	}
}

func (s *State) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *State) GetConnectedPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ps := range s.peers {
		if ps.Connected {
			n++
		}
	}
	return n
}

// GetActivePeerCount counts connected peers seen within since.
func (s *State) GetActivePeerCount(since time.Duration) int {
	cutoff := time.Now().Add(-since)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ps := range s.peers {
		if ps.Connected && ps.LastSeen.After(cutoff) {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all tracked peers.
func (s *State) Snapshot() map[peer.ID]PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[peer.ID]PeerState, len(s.peers))
	for id, ps := range s.peers {
		cp := *ps
		cp.Labels = maps.Clone(ps.Labels)
		out[id] = cp
	}
	return out
}

func (s *State) ensure(pid peer.ID) *PeerState {
	ps, ok := s.peers[pid]
	if !ok {
		now := time.Now()
		ps = &PeerState{ID: pid, FirstSeen: now, LastSeen: now}
		s.peers[pid] = ps
	}
	return ps
}
