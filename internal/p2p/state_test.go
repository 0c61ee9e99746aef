package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestStateTouchPeerUpdatesLastSeen(t *testing.T) {
	state := NewState(nil)
	pid := peer.ID("12D3KooWTestPeer111111111111111111111111")
	state.OnConnect(pid, nil)

	state.mu.Lock()
	state.peers[pid].LastSeen = time.Now().Add(-45 * time.Second)
	state.mu.Unlock()

	if got := state.GetActivePeerCount(20 * time.Second); got != 0 {
		t.Fatalf("expected inactive peer count, got %d", got)
	}

	state.TouchPeer(pid, time.Now())
	if got := state.GetActivePeerCount(20 * time.Second); got != 1 {
		t.Fatalf("expected active peer count after touch, got %d", got)
	}
}

func TestStateTouchPeerSkipsUnknownPeer(t *testing.T) {
	state := NewState(nil)
	state.TouchPeer(peer.ID("12D3KooWUnknownPeer111111111111111111111"), time.Now())
	if count := state.GetPeerCount(); count != 0 {
		t.Fatalf("expected no peers to be added, got %d", count)
	}
}

func TestStateDisconnectKeepsHistory(t *testing.T) {
	state := NewState(nil)
	pid := peer.ID("12D3KooWPeerA")
	state.OnConnect(pid, map[string]string{"direction": "inbound"})
	state.OnMessage(pid, 64)
	state.OnMessage(pid, 36)
	state.OnDisconnect(pid)

	if state.GetConnectedPeerCount() != 0 {
		t.Fatalf("peer should be disconnected")
	}
	snap := state.Snapshot()
	ps, ok := snap[pid]
	if !ok || ps.MsgIn != 2 || ps.BytesIn != 100 || ps.Labels["direction"] != "inbound" {
		t.Fatalf("unexpected snapshot %+v", ps)
	}
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	_, a, err := fromSeed(seed)
	if err != nil {
		t.Fatalf("fromSeed: %v", err)
	}
	_, b, err := fromSeed(seed)
	if err != nil {
		t.Fatalf("fromSeed: %v", err)
	}
	if a != b {
		t.Fatalf("same seed produced different peer ids")
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := parseCIDRs([]string{"10.0.0.0/8", "bogus", "192.168.1.7"})
	if len(nets) != 2 {
		t.Fatalf("expected two networks, got %v", nets)
	}
}
