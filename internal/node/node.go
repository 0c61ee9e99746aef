// Package node sequences the protocol phases of a mining peer: discovery,
// election, then either coordinating the round (leader) or mining (follower).
//
// All inbound messages flow through a single dispatch goroutine. Phase methods
// block on channels fed by that goroutine and never poll shared state.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/election"
	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/miner"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/registry"
	"github.com/cybermesh/mining-peer/internal/round"
	"github.com/cybermesh/mining-peer/internal/tracing"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// Phase is the coarse position of a node in the protocol.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseDiscovery    Phase = "discovery"
	PhaseElection     Phase = "election"
	PhaseCoordinating Phase = "coordinating"
	PhaseMining       Phase = "mining"
	PhaseFinished     Phase = "finished"
)

var phaseNames = []string{
	string(PhaseIdle), string(PhaseDiscovery), string(PhaseElection),
	string(PhaseCoordinating), string(PhaseMining), string(PhaseFinished),
}

// Role is fixed once the election returns.
type Role string

const (
	RoleUndecided Role = "undecided"
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
)

// RoundTx is the only transaction a leader issues.
const RoundTx protocol.TxID = 0

const defaultInboxSize = 1024

var ErrAlreadyStarted = errors.New("node: already started")

// Config controls a node's identity, group size and phase timings.
type Config struct {
	Self              protocol.NodeID
	Participants      int
	VoteSpace         int64
	DiscoveryInterval time.Duration
	VoteStagger       time.Duration
	ElectionTimeout   time.Duration
	SubmitPause       time.Duration
	ChallengeMin      int64
	ChallengeMax      int64
	InboxSize         int
	// Draw returns a value in [0, n). Defaults to math/rand/v2.
	Draw func(n int64) int64
}

// RandomID draws a node identity uniformly from [0, space).
func RandomID(space int64) protocol.NodeID {
	if space <= 0 {
		space = election.DefaultVoteSpace
	}
	return protocol.NodeID(rand.Int64N(space))
}

type delivery struct {
	topic string
	data  []byte
}

// Node owns the per-process protocol state.
type Node struct {
	cfg     Config
	bus     bus.Bus
	codec   protocol.Codec
	topics  protocol.Topics
	sender  *protocol.Sender
	logger  *utils.Logger
	metrics *metrics.Recorder

	registry    *registry.Registry
	election    *election.Election
	rounds      *round.Table
	coordinator *round.Coordinator
	stop        *miner.StopSignal
	miner       *miner.Miner

	inbox      chan delivery
	challenges chan protocol.Challenge

	mu     sync.RWMutex
	phase  Phase
	role   Role
	leader protocol.NodeID

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New wires a node to b. The node does not receive anything until Start.
func New(cfg Config, b bus.Bus, codec protocol.Codec, topics protocol.Topics, logger *utils.Logger, rec *metrics.Recorder) *Node {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 2 * time.Second
	}
	if cfg.ChallengeMin <= 0 {
		cfg.ChallengeMin = round.DefaultChallengeMin
	}
	if cfg.ChallengeMax < cfg.ChallengeMin {
		cfg.ChallengeMax = max(cfg.ChallengeMin, round.DefaultChallengeMax)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Draw == nil {
		cfg.Draw = rand.Int64N
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithFields(utils.ZapInt64("node_id", int64(cfg.Self)))

	sender := protocol.NewSender(b, codec, topics)
	rounds := round.NewTable()
	stop := miner.NewStopSignal()

	n := &Node{
		cfg:      cfg,
		bus:      b,
		codec:    codec,
		topics:   topics,
		sender:   sender,
		logger:   logger,
		metrics:  rec,
		registry: registry.New(cfg.Participants, rec),
		election: election.New(election.Config{
			Self:      cfg.Self,
			Expected:  cfg.Participants,
			VoteSpace: cfg.VoteSpace,
			Stagger:   cfg.VoteStagger,
			Timeout:   cfg.ElectionTimeout,
			Draw:      cfg.Draw,
		}, sender, logger.WithFields(utils.ZapString("module", "election")), rec),
		rounds:      rounds,
		coordinator: round.NewCoordinator(rounds, sender, logger.WithFields(utils.ZapString("module", "coordinator")), rec),
		stop:        stop,
		miner: miner.New(miner.Config{Self: cfg.Self, SubmitPause: cfg.SubmitPause}, stop, sender,
			logger.WithFields(utils.ZapString("module", "miner")), rec),
		inbox:      make(chan delivery, cfg.InboxSize),
		challenges: make(chan protocol.Challenge, 1),
		phase:      PhaseIdle,
		role:       RoleUndecided,
		leader:     protocol.NoWinner,
	}
	rec.SetPhase(string(PhaseIdle), phaseNames)
	return n
}

func (n *Node) Self() protocol.NodeID { return n.cfg.Self }

// Start subscribes to every protocol topic and starts the dispatch goroutine.
// Delivery stops when ctx ends or Close is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	n.wg.Add(1)
	go n.dispatch()

	if err := n.bus.Subscribe(n.ctx, n.enqueue, n.topics.All()...); err != nil {
		n.cancel()
		n.wg.Wait()
		return fmt.Errorf("subscribe: %w", err)
	}
	n.logger.Info("node started",
		utils.ZapInt("participants", n.cfg.Participants),
		utils.ZapString("codec", n.codec.Name()),
		utils.ZapStringArray("topics", n.topics.All()))
	return nil
}

// Close stops dispatching. The bus is owned by the caller.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	return nil
}

// Run executes discovery, the election and this node's role in the round. It
// returns once the round is resolved from this node's point of view, or when
// ctx ends. Dispatch keeps running afterwards so late messages are still handled.
func (n *Node) Run(ctx context.Context) error {
	n.mu.RLock()
	started := n.started
	n.mu.RUnlock()
	if !started {
		if err := n.Start(ctx); err != nil {
			return err
		}
	}

	if _, err := n.RunDiscovery(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	leader, err := n.RunElection(ctx)
	if err != nil {
		return fmt.Errorf("election: %w", err)
	}

	if leader == n.cfg.Self {
		err = n.coordinate(ctx)
	} else {
		err = n.mine(ctx)
	}
	if err != nil {
		return err
	}
	n.setPhase(PhaseFinished)
	return nil
}

// RunDiscovery announces this node until the registry knows Participants
// identities. Self is known from the start.
func (n *Node) RunDiscovery(ctx context.Context) ([]protocol.NodeID, error) {
	n.setPhase(PhaseDiscovery)
	ctx, span := tracing.StartPhase(ctx, string(PhaseDiscovery), int64(n.cfg.Self))
	defer span.End()
	ctx = utils.ContextWithPhase(ctx, string(PhaseDiscovery))
	started := time.Now()

	n.registry.Observe(n.cfg.Self)
	n.logger.InfoContext(ctx, "discovery started",
		utils.ZapInt("target", n.registry.Target()),
		utils.ZapDuration("interval", n.cfg.DiscoveryInterval))

	if !n.registry.IsComplete() {
		n.announce(ctx)
		ticker := time.NewTicker(n.cfg.DiscoveryInterval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-n.registry.Done():
				break wait
			case <-ticker.C:
				n.announce(ctx)
			case <-ctx.Done():
				return n.registry.Snapshot(), ctx.Err()
			}
		}
	}

	peers := n.registry.Snapshot()
	n.logger.InfoContext(ctx, "discovery complete",
		utils.ZapInt("peers", len(peers)),
		utils.ZapDuration("elapsed", time.Since(started)))
	return peers, nil
}

// RunElection casts this node's vote and returns the elected leader.
func (n *Node) RunElection(ctx context.Context) (protocol.NodeID, error) {
	n.setPhase(PhaseElection)
	ctx, span := tracing.StartPhase(ctx, string(PhaseElection), int64(n.cfg.Self))
	defer span.End()
	ctx = utils.ContextWithPhase(ctx, string(PhaseElection))
	started := time.Now()

	leader, err := n.election.Run(ctx)
	if err != nil {
		span.RecordError(err)
		return protocol.NoWinner, err
	}

	role := RoleFollower
	if leader == n.cfg.Self {
		role = RoleLeader
	}
	n.mu.Lock()
	n.leader, n.role = leader, role
	n.mu.Unlock()
	n.metrics.SetLeader(int64(leader), role == RoleLeader)

	n.logger.InfoContext(ctx, "leader elected",
		utils.ZapInt64("leader", int64(leader)),
		utils.ZapString("role", string(role)),
		utils.ZapInt("votes", n.election.Table().Len()),
		utils.ZapDuration("elapsed", time.Since(started)))
	return leader, nil
}

func (n *Node) coordinate(ctx context.Context) error {
	n.setPhase(PhaseCoordinating)
	ctx, span := tracing.StartPhase(ctx, string(PhaseCoordinating), int64(n.cfg.Self))
	defer span.End()
	ctx = utils.ContextWithPhase(ctx, string(PhaseCoordinating))

	parameter := round.DrawParameter(n.cfg.ChallengeMin, n.cfg.ChallengeMax, n.cfg.Draw)
	if err := n.coordinator.IssueChallenge(ctx, RoundTx, parameter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("issue challenge: %w", err)
	}

	select {
	case <-n.stop.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if tx, ok := n.rounds.Get(RoundTx); ok {
		n.logger.InfoContext(ctx, "round resolved",
			utils.ZapInt64("tx", int64(tx.ID)),
			utils.ZapInt64("winner", int64(tx.Winner)),
			utils.ZapString("solution", tx.Solution))
	}
	return nil
}

func (n *Node) mine(ctx context.Context) error {
	n.setPhase(PhaseMining)
	ctx, span := tracing.StartPhase(ctx, string(PhaseMining), int64(n.cfg.Self))
	defer span.End()
	ctx = utils.ContextWithPhase(ctx, string(PhaseMining))

	var ch protocol.Challenge
	select {
	case ch = <-n.challenges:
	case <-n.stop.Done():
		n.logger.InfoContext(ctx, "round resolved before a challenge arrived")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := n.miner.Mine(ctx, ch.TransactionID, ch.Parameter); err != nil {
		return fmt.Errorf("mine: %w", err)
	}
	return nil
}

func (n *Node) announce(ctx context.Context) {
	msg := protocol.Discovery{ClientID: n.cfg.Self}
	err := n.sender.Send(ctx, msg)
	n.metrics.ObservePublish(string(msg.Kind()), err)
	if err != nil && ctx.Err() == nil {
		n.logger.WarnContext(ctx, "failed to announce", utils.ZapError(err))
	}
}

// enqueue is the bus handler. It hands deliveries to the dispatch goroutine.
func (n *Node) enqueue(_ context.Context, topic string, data []byte) {
	select {
	case n.inbox <- delivery{topic: topic, data: data}:
	case <-n.ctx.Done():
	}
}

func (n *Node) dispatch() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.inbox:
			n.handle(n.ctx, d)
		}
	}
}

func (n *Node) handle(ctx context.Context, d delivery) {
	msg, err := protocol.Decode(n.codec, n.topics, d.topic, d.data)
	if err != nil {
		kind := "unknown"
		if k, ok := n.topics.KindOf(d.topic); ok {
			kind = string(k)
		}
		n.metrics.ObserveMalformed(kind)
		n.logger.Debug("discarding malformed message",
			utils.ZapString("topic", d.topic),
			utils.ZapError(err))
		return
	}
	n.metrics.ObserveReceived(string(msg.Kind()))

	switch m := msg.(type) {
	case protocol.Discovery:
		n.onDiscovery(ctx, m)
	case protocol.Vote:
		n.election.OnVote(m)
	case protocol.Challenge:
		n.onChallenge(m)
	case protocol.Solution:
		n.onSolution(ctx, m)
	case protocol.Result:
		n.onResult(m)
	}
}

// onDiscovery records the sender. A newcomer gets one extra announcement so
// nodes that subscribed after our last periodic announce still learn about us.
func (n *Node) onDiscovery(ctx context.Context, m protocol.Discovery) {
	if !n.registry.Observe(m.ClientID) {
		return
	}
	n.logger.Info("peer discovered",
		utils.ZapInt64("client_id", int64(m.ClientID)),
		utils.ZapInt("peers", n.registry.Count()))
	if m.ClientID != n.cfg.Self {
		n.announce(ctx)
	}
}

func (n *Node) onChallenge(m protocol.Challenge) {
	if !n.rounds.Open(m.TransactionID, m.Parameter) {
		return
	}
	n.logger.Info("challenge received",
		utils.ZapInt64("tx", int64(m.TransactionID)),
		utils.ZapInt64("challenge", m.Parameter))
	select {
	case n.challenges <- m:
	default:
		n.logger.Debug("challenge already pending, ignoring", utils.ZapInt64("tx", int64(m.TransactionID)))
	}
}

func (n *Node) onSolution(ctx context.Context, m protocol.Solution) {
	if n.Role() != RoleLeader {
		return
	}
	res, handled, err := n.coordinator.OnSolution(ctx, m)
	if err != nil {
		n.logger.Warn("failed to publish result", utils.ZapError(err))
	}
	if handled && res.Accepted {
		n.stop.Raise()
	}
}

func (n *Node) onResult(m protocol.Result) {
	if !m.Accepted {
		n.rounds.Note(m.TransactionID)
		if m.ClientID == n.cfg.Self {
			n.logger.Info("solution rejected",
				utils.ZapInt64("tx", int64(m.TransactionID)),
				utils.ZapString("solution", m.Candidate))
		}
		return
	}
	if n.rounds.ApplyResult(m.TransactionID, m.ClientID, m.Candidate) {
		n.logger.Info("round result",
			utils.ZapInt64("tx", int64(m.TransactionID)),
			utils.ZapInt64("winner", int64(m.ClientID)),
			utils.ZapString("solution", m.Candidate),
			utils.ZapBool("self", m.ClientID == n.cfg.Self))
	}
	n.stop.Raise()
}

func (n *Node) setPhase(p Phase) {
	n.mu.Lock()
	n.phase = p
	n.mu.Unlock()
	n.metrics.SetPhase(string(p), phaseNames)
}

func (n *Node) Phase() Phase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.phase
}

func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

func (n *Node) Leader() protocol.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leader
}

// Registry, Rounds and Votes expose the node's tables for status reporting.
func (n *Node) Registry() *registry.Registry { return n.registry }

func (n *Node) Rounds() *round.Table { return n.rounds }

func (n *Node) Votes() *election.Table { return n.election.Table() }
