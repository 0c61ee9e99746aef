// Package round runs the leader side of a proof-of-work round.
package round

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/puzzle"
	"github.com/cybermesh/mining-peer/internal/utils"
)

const (
	DefaultChallengeMin = 1
	DefaultChallengeMax = 20
)

// DrawParameter picks a difficulty uniformly in [min, max]. draw defaults to math/rand/v2.
func DrawParameter(min, max int64, draw func(n int64) int64) int64 {
	if draw == nil {
		draw = rand.Int64N
	}
	if max < min {
		min, max = max, min
	}
	return min + draw(max-min+1)
}

// Coordinator issues challenges and arbitrates submitted solutions.
type Coordinator struct {
	table   *Table
	pub     protocol.Publisher
	logger  *utils.Logger
	metrics *metrics.Recorder
}

func NewCoordinator(table *Table, pub protocol.Publisher, logger *utils.Logger, rec *metrics.Recorder) *Coordinator {
	if table == nil {
		table = NewTable()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Coordinator{table: table, pub: pub, logger: logger, metrics: rec}
}

func (c *Coordinator) Table() *Table { return c.table }

// IssueChallenge opens tx and publishes the challenge.
func (c *Coordinator) IssueChallenge(ctx context.Context, tx protocol.TxID, parameter int64) error {
	if !c.table.Open(tx, parameter) {
		return fmt.Errorf("round: transaction %d already open", tx)
	}
	c.logger.InfoContext(ctx, "issuing challenge",
		utils.ZapInt64("tx", int64(tx)),
		utils.ZapInt64("challenge", parameter),
		utils.ZapInt("zeros", puzzle.RequiredZeros(parameter)))

	msg := protocol.Challenge{TransactionID: tx, Parameter: parameter}
	err := c.pub.Send(ctx, msg)
	c.metrics.ObservePublish(string(msg.Kind()), err)
	if err != nil {
		return fmt.Errorf("publish challenge: %w", err)
	}
	return nil
}

// OnSolution arbitrates a submission. It returns the published result and true,
// or false when the submission was ignored (unknown or already resolved tx).
func (c *Coordinator) OnSolution(ctx context.Context, s protocol.Solution) (protocol.Result, bool, error) {
	tx, outcome := c.table.TryResolve(s.TransactionID, s.ClientID, s.Candidate, func(parameter int64) bool {
		return puzzle.IsValid(s.TransactionID, parameter, s.Candidate)
	})

	fields := []utils.Field{
		utils.ZapInt64("tx", int64(s.TransactionID)),
		utils.ZapInt64("client_id", int64(s.ClientID)),
		utils.ZapString("solution", s.Candidate),
	}

	switch outcome {
	case OutcomeUnknownTx:
		c.logger.DebugContext(ctx, "solution for unknown transaction ignored", fields...)
		return protocol.Result{}, false, nil
	case OutcomeAlreadyResolved:
		c.logger.DebugContext(ctx, "solution for resolved transaction ignored", fields...)
		return protocol.Result{}, false, nil
	case OutcomeInvalid:
		c.logger.InfoContext(ctx, "invalid solution", fields...)
	case OutcomeAccepted:
		c.logger.InfoContext(ctx, "valid solution accepted", fields...)
		c.metrics.ObserveRoundDuration(tx.ResolvedAt.Sub(tx.OpenedAt))
	}
	c.metrics.ObserveResult(outcome.String())

	res := protocol.Result{
		ClientID:      s.ClientID,
		TransactionID: s.TransactionID,
		Candidate:     s.Candidate,
		Accepted:      outcome == OutcomeAccepted,
	}
	err := c.pub.Send(ctx, res)
	c.metrics.ObservePublish(string(res.Kind()), err)
	if err != nil {
		return res, true, fmt.Errorf("publish result: %w", err)
	}
	return res, true, nil
}
