package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/puzzle"
)

func testConfig(self protocol.NodeID, participants int) Config {
	return Config{
		Self:              self,
		Participants:      participants,
		DiscoveryInterval: 20 * time.Millisecond,
		VoteStagger:       10 * time.Millisecond,
		ElectionTimeout:   3 * time.Second,
		SubmitPause:       20 * time.Millisecond,
		ChallengeMin:      1,
		ChallengeMax:      1,
	}
}

type cluster struct {
	nodes []*Node
	recs  []*metrics.Recorder
	buses []bus.Bus
}

func newCluster(t *testing.T, hub *bus.Hub, ids []protocol.NodeID, dedup bool) *cluster {
	t.Helper()
	c := &cluster{}
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	for _, id := range ids {
		rec := metrics.NewRecorder(prometheus.NewRegistry())
		var b bus.Bus = hub.Connect()
		if dedup {
			b = bus.NewDedup(b, 0, 0, rec)
		}
		n := New(testConfig(id, len(ids)), b, protocol.JSONCodec{}, topics, nil, rec)
		c.nodes = append(c.nodes, n)
		c.recs = append(c.recs, rec)
		c.buses = append(c.buses, b)
	}
	t.Cleanup(func() {
		for i, n := range c.nodes {
			_ = n.Close()
			_ = c.buses[i].Close()
		}
	})
	return c
}

func (c *cluster) run(t *testing.T, ctx context.Context) {
	t.Helper()
	// Subscribe everyone before anyone announces so the test does not depend
	// on the periodic re-announce.
	for _, n := range c.nodes {
		if err := n.Start(ctx); err != nil {
			t.Fatalf("start %d: %v", n.Self(), err)
		}
	}

	errs := make([]error, len(c.nodes))
	var wg sync.WaitGroup
	for i, n := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.Run(ctx)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", c.nodes[i].Self(), err)
		}
	}
}

func (c *cluster) checkSingleWinner(t *testing.T) {
	t.Helper()
	leader := c.nodes[0].Leader()
	leaders := 0
	var leaderIdx int
	for i, n := range c.nodes {
		if n.Leader() != leader {
			t.Fatalf("node %d elected %d, node %d elected %d", n.Self(), n.Leader(), c.nodes[0].Self(), leader)
		}
		if n.Role() == RoleLeader {
			leaders++
			leaderIdx = i
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}

	lead := c.nodes[leaderIdx]
	tx, ok := lead.Rounds().Get(RoundTx)
	if !ok || !tx.Resolved() {
		t.Fatalf("leader has no resolved transaction: %+v", tx)
	}
	if tx.Winner == lead.Self() {
		t.Fatalf("leader cannot win its own round")
	}
	if !puzzle.IsValid(RoundTx, tx.Parameter, tx.Solution) {
		t.Fatalf("accepted solution %q does not satisfy the puzzle", tx.Solution)
	}
	if got := testutil.ToFloat64(c.recs[leaderIdx].ResultsCounter().WithLabelValues("accepted")); got != 1 {
		t.Fatalf("expected exactly one accepted result, got %v", got)
	}

	for _, n := range c.nodes {
		if n.Phase() != PhaseFinished {
			t.Fatalf("node %d stuck in phase %s", n.Self(), n.Phase())
		}
		ftx, ok := n.Rounds().Get(RoundTx)
		if !ok || ftx.Winner != tx.Winner || ftx.Solution != tx.Solution {
			t.Fatalf("node %d disagrees on the round: %+v vs %+v", n.Self(), ftx, tx)
		}
	}
}

func TestThreeNodesReachOneAcceptedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := newCluster(t, bus.NewHub(bus.HubOptions{}), []protocol.NodeID{5, 9, 12}, false)
	c.run(t, ctx)
	c.checkSingleWinner(t)

	for _, n := range c.nodes {
		st := n.Status()
		if len(st.Peers) != 3 || len(st.Votes) != 3 || !st.StopRaised {
			t.Fatalf("unexpected status %+v", st)
		}
	}
}

func TestThreeNodesToleratesDuplicatesAndDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{DuplicateRate: 0.5, MaxDelay: 5 * time.Millisecond, Seed: 42})
	c := newCluster(t, hub, []protocol.NodeID{100, 200, 300}, true)
	c.run(t, ctx)
	c.checkSingleWinner(t)
}

func TestLateJoinerLearnsEarlierPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{})
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	mk := func(id protocol.NodeID) *Node {
		cfg := testConfig(id, 2)
		// Long interval: only the first announce and the reply to newcomers go out.
		cfg.DiscoveryInterval = time.Hour
		ep := hub.Connect()
		t.Cleanup(func() { _ = ep.Close() })
		n := New(cfg, ep, protocol.JSONCodec{}, topics, nil, nil)
		t.Cleanup(func() { _ = n.Close() })
		return n
	}

	early := mk(1)
	if err := early.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	earlyDone := make(chan error, 1)
	go func() {
		_, err := early.RunDiscovery(ctx)
		earlyDone <- err
	}()

	// Give the first announce time to go out unheard.
	time.Sleep(50 * time.Millisecond)

	late := mk(2)
	if err := late.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	peers, err := late.RunDiscovery(ctx)
	if err != nil {
		t.Fatalf("late discovery: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("late joiner knows %v", peers)
	}
	if err := <-earlyDone; err != nil {
		t.Fatalf("early discovery: %v", err)
	}
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{})
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	ep := hub.Connect()
	defer ep.Close()
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	n := New(testConfig(7, 3), ep, protocol.JSONCodec{}, topics, nil, rec)
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	src := hub.Connect()
	defer src.Close()
	for _, payload := range []string{
		`not json`,
		`{"ClientID": 3}`,
		`{"ClientID": "3", "VoteID": 10}`,
	} {
		if err := src.Publish(ctx, "sd/voting", []byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := src.Publish(ctx, "sd/voting", []byte(`{"ClientID": 3, "VoteID": 10}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitUntil(t, func() bool { return n.Votes().Len() == 1 })
	if got := testutil.ToFloat64(rec.MalformedCounter().WithLabelValues("voting")); got != 3 {
		t.Fatalf("expected 3 malformed votes, got %v", got)
	}
	if v := n.Votes().Snapshot()[3]; v != 10 {
		t.Fatalf("expected the well-formed vote to be recorded, got %d", v)
	}
}

func TestResultForUnknownTransactionCreatesPlaceholder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{})
	ep := hub.Connect()
	defer ep.Close()
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	n := New(testConfig(7, 3), ep, protocol.JSONCodec{}, topics, nil, nil)
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	src := hub.Connect()
	defer src.Close()
	sender := protocol.NewSender(src, protocol.JSONCodec{}, topics)
	if err := sender.Send(ctx, protocol.Result{ClientID: 9, TransactionID: 4, Candidate: "sol_9_1", Accepted: true}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitUntil(t, func() bool { return n.Status().StopRaised })
	tx, ok := n.Rounds().Get(4)
	if !ok || tx.Known || tx.Winner != 9 || tx.Solution != "sol_9_1" {
		t.Fatalf("unexpected placeholder %+v", tx)
	}
}

func TestRejectedResultForUnknownTransactionCreatesPlaceholder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{})
	ep := hub.Connect()
	defer ep.Close()
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	n := New(testConfig(7, 3), ep, protocol.JSONCodec{}, topics, nil, nil)
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	src := hub.Connect()
	defer src.Close()
	sender := protocol.NewSender(src, protocol.JSONCodec{}, topics)
	if err := sender.Send(ctx, protocol.Result{ClientID: 9, TransactionID: 6, Candidate: "sol_9_2", Accepted: false}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitUntil(t, func() bool {
		_, ok := n.Rounds().Get(6)
		return ok
	})
	tx, _ := n.Rounds().Get(6)
	if tx.Known || tx.Resolved() || tx.Winner != protocol.NoWinner || tx.Solution != "" {
		t.Fatalf("unexpected placeholder %+v", tx)
	}
	if n.Status().StopRaised {
		t.Fatalf("a rejected result must not raise the stop signal")
	}
	if st := n.Status(); len(st.Transactions) != 1 || st.Transactions[0].Resolved {
		t.Fatalf("unexpected transactions %+v", st.Transactions)
	}
}

func TestNonLeaderIgnoresSolutions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := bus.NewHub(bus.HubOptions{})
	ep := hub.Connect()
	defer ep.Close()
	topics := protocol.NewTopics(protocol.DefaultTopicPrefix)
	n := New(testConfig(7, 3), ep, protocol.JSONCodec{}, topics, nil, nil)
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	src := hub.Connect()
	defer src.Close()
	var mu sync.Mutex
	results := 0
	if err := src.Subscribe(ctx, func(context.Context, string, []byte) {
		mu.Lock()
		results++
		mu.Unlock()
	}, topics.Name(protocol.KindResult)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The node knows the challenge but never became leader.
	sender := protocol.NewSender(src, protocol.JSONCodec{}, topics)
	if err := sender.Send(ctx, protocol.Challenge{TransactionID: 0, Parameter: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, func() bool {
		_, ok := n.Rounds().Get(0)
		return ok
	})
	if err := sender.Send(ctx, protocol.Solution{ClientID: 3, TransactionID: 0, Candidate: "sol_3_0"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if results != 0 {
		t.Fatalf("non-leader published %d results", results)
	}
	if tx, _ := n.Rounds().Get(0); tx.Resolved() {
		t.Fatalf("non-leader resolved the round: %+v", tx)
	}
}

func TestStartTwice(t *testing.T) {
	hub := bus.NewHub(bus.HubOptions{})
	ep := hub.Connect()
	defer ep.Close()
	n := New(testConfig(1, 1), ep, protocol.JSONCodec{}, protocol.NewTopics(""), nil, nil)
	defer n.Close()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := n.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
