package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cybermesh/mining-peer/internal/metrics"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, topic string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, topic+"|"+string(data))
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]string(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("expected %d messages, got %v", n, c.msgs)
	return nil
}

func TestMemoryDeliversToAllSubscribersIncludingSelf(t *testing.T) {
	hub := NewHub(HubOptions{})
	a, b := hub.Connect(), hub.Connect()
	defer a.Close()
	defer b.Close()

	var ca, cb collector
	ctx := context.Background()
	if err := a.Subscribe(ctx, ca.handle, "sd/init"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, cb.handle, "sd/init", "sd/voting"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Publish(ctx, "sd/init", []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := a.Publish(ctx, "sd/voting", []byte("2")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := ca.waitFor(t, 1); got[0] != "sd/init|1" {
		t.Fatalf("unexpected self delivery %v", got)
	}
	got := cb.waitFor(t, 2)
	if got[0] != "sd/init|1" || got[1] != "sd/voting|2" {
		t.Fatalf("unexpected deliveries %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if len(ca.msgs) != 1 {
		t.Fatalf("a is not subscribed to voting, got %v", ca.msgs)
	}
}

func TestMemoryClose(t *testing.T) {
	hub := NewHub(HubOptions{})
	m := hub.Connect()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := m.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Subscribe(context.Background(), func(context.Context, string, []byte) {}, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	m := NewHub(HubOptions{}).Connect()
	defer m.Close()
	if err := m.Subscribe(context.Background(), nil, "x"); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
	if err := m.Subscribe(context.Background(), func(context.Context, string, []byte) {}); !errors.Is(err, ErrNoTopics) {
		t.Fatalf("expected ErrNoTopics, got %v", err)
	}
}

func TestDedupFiltersDuplicatedAndDelayedDeliveries(t *testing.T) {
	hub := NewHub(HubOptions{DuplicateRate: 1, MaxDelay: 10 * time.Millisecond, Seed: 7})
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	pubEnd := hub.Connect()
	sub := NewDedup(hub.Connect(), 0, time.Minute, rec)
	defer pubEnd.Close()
	defer sub.Close()

	var c collector
	ctx := context.Background()
	if err := sub.Subscribe(ctx, c.handle, "t"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := pubEnd.Publish(ctx, "t", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := c.waitFor(t, 3)
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	n := len(c.msgs)
	c.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected duplicates filtered, got %d deliveries", n)
	}
	seen := map[string]bool{}
	for _, m := range got {
		seen[m] = true
	}
	if !seen["t|a"] || !seen["t|b"] || !seen["t|c"] {
		t.Fatalf("missing deliveries %v", got)
	}
	if d := testutil.ToFloat64(rec.DuplicatesCounter()); d != 3 {
		t.Fatalf("expected 3 dropped duplicates, got %v", d)
	}
}

func TestKafkaTopicName(t *testing.T) {
	if got := KafkaTopic("sd/solution"); got != "sd.solution" {
		t.Fatalf("unexpected kafka topic %s", got)
	}
}

func TestSaramaConfigSCRAM(t *testing.T) {
	sc, err := saramaConfig(KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "mining-peer",
		SASLEnabled:   true,
		SASLMechanism: "scram-sha-512",
		SASLUsername:  "peer",
		SASLPassword:  "pw",
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 {
		t.Fatalf("unexpected mechanism %s", sc.Net.SASL.Mechanism)
	}
	if _, ok := sc.Net.SASL.SCRAMClientGeneratorFunc().(*scramClient); !ok {
		t.Fatalf("expected xdg scram client")
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Fatalf("consumers must start at the newest offset")
	}
}
