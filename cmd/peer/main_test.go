package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/config"
	"github.com/cybermesh/mining-peer/internal/node"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/utils"
)

func TestMemoryBackendServesStatus(t *testing.T) {
	cfg := config.Config{
		Participants: 3,
		IDSpace:      1 << 31,
		Backend:      bus.BackendMemory,
		Codec:        "json",
		TopicPrefix:  protocol.DefaultTopicPrefix,
	}
	registry := prometheus.NewRegistry()
	peers, ready, err := buildPeers(context.Background(), cfg, protocol.JSONCodec{}, protocol.NewTopics(cfg.TopicPrefix), utils.NewNopLogger(), registry)
	if err != nil {
		t.Fatalf("build peers: %v", err)
	}
	defer func() {
		for _, p := range peers {
			_ = p.bus.Close()
		}
	}()
	if len(peers) != 3 {
		t.Fatalf("expected 3 in-process peers, got %d", len(peers))
	}

	notReady := errors.New("starting")
	readiness := notReady
	srv := buildHTTPServer(":0", registry, peers, func() error {
		if readiness != nil {
			return readiness
		}
		return ready()
	}, utils.NewNopLogger())

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rr.Code)
	}
	readiness = nil
	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status returned %d", rr.Code)
	}
	var statuses []node.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(statuses) != 3 || statuses[0].Phase != node.PhaseIdle || statuses[0].Leader != protocol.NoWinner {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rr.Code)
	}
}

// In-process nodes must not overwrite each other's gauges.
func TestMemoryBackendLabelsMetricsPerNode(t *testing.T) {
	cfg := config.Config{
		Participants: 3,
		IDSpace:      1 << 31,
		Backend:      bus.BackendMemory,
		Codec:        "json",
		TopicPrefix:  protocol.DefaultTopicPrefix,
	}
	registry := prometheus.NewRegistry()
	peers, _, err := buildPeers(context.Background(), cfg, protocol.JSONCodec{}, protocol.NewTopics(cfg.TopicPrefix), utils.NewNopLogger(), registry)
	if err != nil {
		t.Fatalf("build peers: %v", err)
	}
	defer func() {
		for _, p := range peers {
			_ = p.bus.Close()
		}
	}()

	srv := buildHTTPServer(":0", registry, peers, func() error { return nil }, utils.NewNopLogger())
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rr.Code)
	}
	body := rr.Body.String()
	for _, p := range peers {
		want := `peer_registry_size{node_id="` + p.node.Self().String() + `"}`
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in metrics output", want)
		}
	}
}

func TestLogLevelEndpoint(t *testing.T) {
	logger := utils.NewNopLogger()
	srv := buildHTTPServer(":0", prometheus.NewRegistry(), nil, func() error { return nil }, logger)

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/loglevel?level=debug", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "debug" {
		t.Fatalf("expected debug, got %d %q", rr.Code, rr.Body.String())
	}
	if logger.GetLevel() != "debug" {
		t.Fatalf("level not applied, got %s", logger.GetLevel())
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/loglevel?level=loud", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown level, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/loglevel", nil))
	if rr.Body.String() != "debug" {
		t.Fatalf("expected debug after rejected change, got %q", rr.Body.String())
	}
}
