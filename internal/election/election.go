// Package election implements the randomized leader vote.
package election

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// ErrNoLeader is returned when the vote table is empty at the deadline.
var ErrNoLeader = errors.New("election: no votes recorded")

const (
	DefaultVoteStagger = 800 * time.Millisecond
	DefaultTimeout     = 8 * time.Second
	DefaultVoteSpace   = int64(1) << 31
)

// Config controls a single election.
type Config struct {
	Self      protocol.NodeID
	Expected  int
	VoteSpace int64
	Stagger   time.Duration
	Timeout   time.Duration
	// Draw returns a value in [0, n). Defaults to math/rand/v2.
	Draw func(n int64) int64
}

// Election casts the local vote and collects everybody else's.
type Election struct {
	cfg     Config
	table   *Table
	pub     protocol.Publisher
	logger  *utils.Logger
	metrics *metrics.Recorder
}

func New(cfg Config, pub protocol.Publisher, logger *utils.Logger, rec *metrics.Recorder) *Election {
	if cfg.VoteSpace <= 0 {
		cfg.VoteSpace = DefaultVoteSpace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if cfg.Draw == nil {
		cfg.Draw = rand.Int64N
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Election{
		cfg:     cfg,
		table:   NewTable(cfg.Expected),
		pub:     pub,
		logger:  logger,
		metrics: rec,
	}
}

func (e *Election) Table() *Table { return e.table }

// OnVote records a vote delivered by the bus.
func (e *Election) OnVote(v protocol.Vote) bool {
	added := e.table.Record(v.ClientID, v.VoteID)
	if added {
		n := e.table.Len()
		e.metrics.SetVotes(n)
		e.logger.Info("vote received",
			utils.ZapInt64("client_id", int64(v.ClientID)),
			utils.ZapInt64("vote", v.VoteID),
			utils.ZapInt("votes", n))
	}
	return added
}

// Cast draws the local vote, records it, waits the stagger and publishes it.
// The local vote is kept even when publishing fails.
func (e *Election) Cast(ctx context.Context) (protocol.Vote, error) {
	v := protocol.Vote{ClientID: e.cfg.Self, VoteID: e.cfg.Draw(e.cfg.VoteSpace)}
	e.OnVote(v)

	if e.cfg.Stagger > 0 {
		timer := time.NewTimer(e.cfg.Stagger)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}

	err := e.pub.Send(ctx, v)
	e.metrics.ObservePublish(string(v.Kind()), err)
	if err != nil {
		return v, fmt.Errorf("publish vote: %w", err)
	}
	return v, nil
}

// Collect waits until the expected number of votes is known or the timeout
// elapses. complete reports which of the two happened.
func (e *Election) Collect(ctx context.Context) (votes map[protocol.NodeID]int64, complete bool, err error) {
	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-e.table.Full():
		return e.table.Snapshot(), true, nil
	case <-timer.C:
		return e.table.Snapshot(), false, nil
	case <-ctx.Done():
		return e.table.Snapshot(), false, ctx.Err()
	}
}

// Run casts, collects and picks the winner.
func (e *Election) Run(ctx context.Context) (protocol.NodeID, error) {
	start := time.Now()
	vote, err := e.Cast(ctx)
	if ctx.Err() != nil {
		return protocol.NoWinner, ctx.Err()
	}
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish vote", utils.ZapError(err))
	} else {
		e.logger.InfoContext(ctx, "vote cast", utils.ZapInt64("vote", vote.VoteID))
	}

	votes, complete, err := e.Collect(ctx)
	if err != nil {
		return protocol.NoWinner, err
	}

	outcome := "complete"
	if !complete {
		outcome = "timeout"
		e.logger.WarnContext(ctx, "election deadline reached before all votes arrived",
			utils.ZapInt("votes", len(votes)),
			utils.ZapInt("expected", e.cfg.Expected),
			utils.ZapDuration("timeout", e.cfg.Timeout))
	}

	winner, err := Winner(votes)
	if err != nil {
		outcome = "no_leader"
	}
	e.metrics.ObserveElection(outcome, time.Since(start))
	return winner, err
}

// Winner returns the identity with the greatest (vote, identity) pair.
// The result does not depend on map iteration order.
func Winner(votes map[protocol.NodeID]int64) (protocol.NodeID, error) {
	if len(votes) == 0 {
		return protocol.NoWinner, ErrNoLeader
	}
	best := protocol.NoWinner
	var bestVote int64
	first := true
	for id, v := range votes {
		if first || v > bestVote || (v == bestVote && id > best) {
			best, bestVote, first = id, v, false
		}
	}
	return best, nil
}
