package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/config"
	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/node"
	"github.com/cybermesh/mining-peer/internal/p2p"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/tracing"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// peer is one protocol node and the bus it owns.
type peer struct {
	node *node.Node
	bus  bus.Bus
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load doesn't overwrite variables that are already set.
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	logger, err := utils.NewLogger(utils.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Shutdown() //nolint:errcheck

	cm, err := utils.NewConfigManager(&utils.ConfigManagerConfig{
		Logger:        logger,
		SensitiveKeys: config.SensitiveKeys,
	})
	if err != nil {
		logger.Fatal("failed to create config manager", utils.ZapError(err))
	}
	cfg, err := config.Load(cm, os.Args[1:])
	if err != nil {
		logger.Fatal("invalid configuration", utils.ZapError(err))
	}

	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		logger.Fatal("invalid codec", utils.ZapError(err))
	}
	topics := protocol.NewTopics(cfg.TopicPrefix)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	peers, ready, err := buildPeers(ctx, cfg, codec, topics, logger, registry)
	if err != nil {
		logger.Fatal("failed to initialize bus", utils.ZapString("backend", cfg.Backend), utils.ZapError(err))
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.ServiceName,
		NodeID:      int64(peers[0].node.Self()),
	})
	if err != nil {
		logger.Warn("tracing disabled", utils.ZapError(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	var started atomic.Bool
	server := buildHTTPServer(cfg.MetricsAddr, registry, peers, func() error {
		if !started.Load() {
			return errors.New("node not subscribed yet")
		}
		return ready()
	}, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", utils.ZapError(err))
		}
	}()

	for _, p := range peers {
		if err := p.node.Start(ctx); err != nil {
			logger.Fatal("failed to start node", utils.ZapError(err))
		}
	}
	started.Store(true)

	logger.Info("mining peer running",
		utils.ZapString("backend", cfg.Backend),
		utils.ZapString("codec", codec.Name()),
		utils.ZapInt("participants", cfg.Participants),
		utils.ZapInt("local_nodes", len(peers)))

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logCtx := utils.ContextWithNodeID(ctx, p.node.Self().String())
			if err := p.node.Run(ctx); err != nil {
				if ctx.Err() == nil {
					logger.ErrorContext(logCtx, "node stopped", utils.ZapError(err))
				}
				return
			}
			st := p.node.Status()
			logger.InfoContext(logCtx, "round finished",
				utils.ZapString("role", string(st.Role)),
				utils.ZapInt64("leader", int64(st.Leader)))
		}()
	}
	wg.Wait()

	// Keep serving status and late messages until asked to stop.
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	var errs error
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	for _, p := range peers {
		errs = multierr.Append(errs, p.node.Close())
		errs = multierr.Append(errs, p.bus.Close())
	}
	errs = multierr.Append(errs, shutdownTracing(shutdownCtx))
	if errs != nil {
		logger.Warn("shutdown completed with errors", utils.ZapError(errs))
	}
	logger.Info("peer shutdown complete")
}

// buildPeers creates the bus for the configured backend and the node(s) on it.
// The memory backend runs the whole group in this process, each node with its
// own recorder labelled by node_id.
func buildPeers(ctx context.Context, cfg config.Config, codec protocol.Codec, topics protocol.Topics, logger *utils.Logger, reg prometheus.Registerer) ([]peer, func() error, error) {
	nodeCfg := node.Config{
		Participants:      cfg.Participants,
		VoteSpace:         cfg.IDSpace,
		DiscoveryInterval: cfg.DiscoveryInterval,
		VoteStagger:       cfg.VoteStagger,
		ElectionTimeout:   cfg.ElectionTimeout,
		SubmitPause:       cfg.SubmitPause,
		ChallengeMin:      cfg.ChallengeMin,
		ChallengeMax:      cfg.ChallengeMax,
	}
	ready := func() error { return nil }

	if cfg.Backend == bus.BackendMemory {
		hub := bus.NewHub(bus.HubOptions{})
		seen := make(map[protocol.NodeID]bool, cfg.Participants)
		peers := make([]peer, 0, cfg.Participants)
		for len(peers) < cfg.Participants {
			id := node.RandomID(cfg.IDSpace)
			if seen[id] {
				continue
			}
			seen[id] = true
			rec := metrics.NewRecorder(prometheus.WrapRegistererWith(prometheus.Labels{"node_id": id.String()}, reg))
			b := bus.NewDedup(hub.Connect(), cfg.DedupCacheSize, cfg.DedupWindow, rec)
			nc := nodeCfg
			nc.Self = id
			peers = append(peers, peer{node: node.New(nc, b, codec, topics, logger, rec), bus: b})
		}
		return peers, ready, nil
	}

	rec := metrics.NewRecorder(reg)
	var (
		inner bus.Bus
		err   error
	)
	switch cfg.Backend {
	case bus.BackendP2P:
		var router *p2p.Router
		router, err = p2p.NewRouter(ctx, cfg.P2P, p2p.NewState(logger), logger, rec)
		if err == nil {
			inner = router
			ready = func() error {
				if cfg.Participants > 1 && router.State().GetConnectedPeerCount() == 0 {
					return errors.New("no connected libp2p peers")
				}
				return nil
			}
		}
	case bus.BackendMQTT:
		inner, err = bus.NewMQTT(cfg.MQTT, logger, rec)
	case bus.BackendKafka:
		inner, err = bus.NewKafka(cfg.Kafka, logger, rec)
	case bus.BackendRedis:
		inner, err = bus.NewRedis(ctx, cfg.Redis, logger, rec)
	default:
		err = fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	b := bus.NewDedup(inner, cfg.DedupCacheSize, cfg.DedupWindow, rec)
	nodeCfg.Self = node.RandomID(cfg.IDSpace)
	return []peer{{node: node.New(nodeCfg, b, codec, topics, logger, rec), bus: b}}, ready, nil
}

func buildHTTPServer(addr string, registry *prometheus.Registry, peers []peer, ready func() error, logger *utils.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := ready(); err != nil {
			logger.Debug("readiness check failed", utils.ZapError(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/loglevel", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut:
			if err := logger.SetLevel(r.URL.Query().Get("level")); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Info("log level changed", utils.ZapString("level", logger.GetLevel()))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(logger.GetLevel()))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var resp any
		if len(peers) == 1 {
			resp = peers[0].node.Status()
		} else {
			all := make([]node.Status, 0, len(peers))
			for _, p := range peers {
				all = append(all, p.node.Status())
			}
			resp = all
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
