package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for a peer. A nil Recorder is a no-op.
type Recorder struct {
	received      *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	published     *prometheus.CounterVec
	duplicates    prometheus.Counter
	busErrors     *prometheus.CounterVec
	peers         prometheus.Gauge
	votes         prometheus.Gauge
	electionDur   *prometheus.HistogramVec
	phase         *prometheus.GaugeVec
	leader        prometheus.Gauge
	isLeader      prometheus.Gauge
	hashes        prometheus.Counter
	submitted     prometheus.Counter
	results       *prometheus.CounterVec
	roundDuration prometheus.Histogram
}

// NewRecorder registers metrics with provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_messages_received_total",
			Help: "Decoded protocol messages grouped by kind",
		}, []string{"kind"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_messages_malformed_total",
			Help: "Payloads discarded because a field was missing or mistyped",
		}, []string{"kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_messages_published_total",
			Help: "Publish attempts grouped by kind and status",
		}, []string{"kind", "status"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_bus_duplicates_dropped_total",
			Help: "Deliveries dropped by the duplicate filter",
		}),
		busErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_bus_errors_total",
			Help: "Transport errors grouped by backend and reason",
		}, []string{"backend", "reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_registry_size",
			Help: "Number of distinct node identities discovered",
		}),
		votes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_votes_recorded",
			Help: "Number of distinct votes in the local vote table",
		}),
		electionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peer_election_duration_seconds",
			Help:    "Time from casting the local vote to choosing a leader",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16},
		}, []string{"outcome"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_phase",
			Help: "Current phase (1 for the active phase)",
		}, []string{"phase"}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_leader_id",
			Help: "Identity of the elected leader (-1 before election)",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_is_leader",
			Help: "1 when this node won the election",
		}),
		hashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_miner_candidates_total",
			Help: "Candidates evaluated by the miner",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_miner_solutions_submitted_total",
			Help: "Valid candidates published by the miner",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_round_results_total",
			Help: "Round results grouped by outcome",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peer_round_duration_seconds",
			Help:    "Time from issuing a challenge to accepting a solution",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	r.leader.Set(-1)
	reg.MustRegister(r.received, r.malformed, r.published, r.duplicates, r.busErrors, r.peers,
		r.votes, r.electionDur, r.phase, r.leader, r.isLeader, r.hashes, r.submitted, r.results,
		r.roundDuration)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (r *Recorder) ObserveReceived(kind string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveMalformed(kind string) {
	if r == nil {
		return
	}
	r.malformed.WithLabelValues(kind).Inc()
}

// ObservePublish records a publish attempt; err nil counts as ok.
func (r *Recorder) ObservePublish(kind string, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.published.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) ObserveDuplicate() {
	if r == nil {
		return
	}
	r.duplicates.Inc()
}

func (r *Recorder) ObserveBusError(backend, reason string) {
	if r == nil {
		return
	}
	r.busErrors.WithLabelValues(backend, reason).Inc()
}

func (r *Recorder) SetPeers(n int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(n))
}

func (r *Recorder) SetVotes(n int) {
	if r == nil {
		return
	}
	r.votes.Set(float64(n))
}

// ObserveElection records election latency; outcome is "complete", "timeout" or "no_leader".
func (r *Recorder) ObserveElection(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.electionDur.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPhase marks phase active and clears the others listed.
func (r *Recorder) SetPhase(active string, all []string) {
	if r == nil {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == active {
			v = 1
		}
		r.phase.WithLabelValues(p).Set(v)
	}
}

func (r *Recorder) SetLeader(id int64, self bool) {
	if r == nil {
		return
	}
	r.leader.Set(float64(id))
	if self {
		r.isLeader.Set(1)
	} else {
		r.isLeader.Set(0)
	}
}

func (r *Recorder) ObserveCandidates(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.hashes.Add(float64(n))
}

func (r *Recorder) ObserveSubmitted() {
	if r == nil {
		return
	}
	r.submitted.Inc()
}

// ObserveResult counts an arbitration outcome ("accepted" or "rejected").
func (r *Recorder) ObserveResult(outcome string) {
	if r == nil {
		return
	}
	r.results.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveRoundDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.roundDuration.Observe(d.Seconds())
}

// ResultsCounter exposes the round results counter (used in tests).
func (r *Recorder) ResultsCounter() *prometheus.CounterVec { return r.results }

// MalformedCounter exposes the malformed counter (used in tests).
func (r *Recorder) MalformedCounter() *prometheus.CounterVec { return r.malformed }

// PeersGauge exposes the registry size gauge (used in tests).
func (r *Recorder) PeersGauge() prometheus.Gauge { return r.peers }

// DuplicatesCounter exposes the duplicate filter counter (used in tests).
func (r *Recorder) DuplicatesCounter() prometheus.Counter { return r.duplicates }

// BusErrorsCounter exposes the transport error counter (used in tests).
func (r *Recorder) BusErrorsCounter() *prometheus.CounterVec { return r.busErrors }
