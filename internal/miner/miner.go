// Package miner searches for puzzle solutions on follower nodes.
package miner

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/puzzle"
	"github.com/cybermesh/mining-peer/internal/utils"
)

const (
	DefaultSubmitPause = 3 * time.Second
	reportEvery        = 4096
)

// StopSignal is raised by any accepted result and stays raised.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

func (s *StopSignal) Raise() { s.once.Do(func() { close(s.ch) }) }

func (s *StopSignal) Done() <-chan struct{} { return s.ch }

func (s *StopSignal) Raised() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Candidates yields sol_<id>_<attempt> starting at attempt 0.
type Candidates struct {
	prefix  string
	attempt uint64
}

func NewCandidates(self protocol.NodeID) *Candidates {
	return &Candidates{prefix: "sol_" + self.String() + "_"}
}

// Next returns the current candidate and advances the attempt counter.
func (c *Candidates) Next() string {
	s := c.prefix + strconv.FormatUint(c.attempt, 10)
	c.attempt++
	return s
}

func (c *Candidates) Attempt() uint64 { return c.attempt }

func (c *Candidates) Reset() { c.attempt = 0 }

// Config controls the search loop.
type Config struct {
	Self        protocol.NodeID
	SubmitPause time.Duration
}

// Stats summarises a finished search.
type Stats struct {
	Attempts  uint64
	Submitted int
}

// Miner evaluates candidates until the stop signal is raised.
type Miner struct {
	cfg     Config
	stop    *StopSignal
	pub     protocol.Publisher
	logger  *utils.Logger
	metrics *metrics.Recorder
}

func New(cfg Config, stop *StopSignal, pub protocol.Publisher, logger *utils.Logger, rec *metrics.Recorder) *Miner {
	if cfg.SubmitPause < 0 {
		cfg.SubmitPause = 0
	}
	if stop == nil {
		stop = NewStopSignal()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Miner{cfg: cfg, stop: stop, pub: pub, logger: logger, metrics: rec}
}

func (m *Miner) Stop() *StopSignal { return m.stop }

// Mine searches for solutions to (tx, parameter). Every solution found is
// published, followed by a pause. It returns nil once the stop signal is
// raised and ctx.Err() when ctx ends first.
func (m *Miner) Mine(ctx context.Context, tx protocol.TxID, parameter int64) (Stats, error) {
	cands := NewCandidates(m.cfg.Self)
	var stats Stats
	pending := 0
	started := time.Now()

	defer func() {
		m.metrics.ObserveCandidates(pending)
		elapsed := time.Since(started)
		m.logger.InfoContext(ctx, "mining stopped",
			utils.ZapInt64("tx", int64(tx)),
			utils.ZapUint64("attempts", stats.Attempts),
			utils.ZapInt("submitted", stats.Submitted),
			utils.ZapDuration("elapsed", elapsed),
			utils.ZapFloat64("hashes_per_sec", float64(stats.Attempts)/max(elapsed.Seconds(), 1e-9)))
	}()

	m.logger.InfoContext(ctx, "mining started",
		utils.ZapInt64("tx", int64(tx)),
		utils.ZapInt64("challenge", parameter),
		utils.ZapInt("zeros", puzzle.RequiredZeros(parameter)))

	for {
		select {
		case <-m.stop.Done():
			return stats, nil
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		candidate := cands.Next()
		stats.Attempts++
		pending++
		if pending == reportEvery {
			m.metrics.ObserveCandidates(pending)
			pending = 0
		}

		if !puzzle.IsValid(tx, parameter, candidate) {
			continue
		}

		m.logger.InfoContext(ctx, "solution found", utils.ZapString("solution", candidate))
		msg := protocol.Solution{ClientID: m.cfg.Self, TransactionID: tx, Candidate: candidate}
		err := m.pub.Send(ctx, msg)
		m.metrics.ObservePublish(string(msg.Kind()), err)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to publish solution", utils.ZapError(err))
		} else {
			stats.Submitted++
			m.metrics.ObserveSubmitted()
		}

		if m.cfg.SubmitPause > 0 {
			timer := time.NewTimer(m.cfg.SubmitPause)
			select {
			case <-timer.C:
			case <-m.stop.Done():
				timer.Stop()
				return stats, nil
			case <-ctx.Done():
				timer.Stop()
				return stats, ctx.Err()
			}
		}
	}
}
