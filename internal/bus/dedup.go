package bus

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cybermesh/mining-peer/internal/metrics"
)

const (
	DefaultDedupWindow = 30 * time.Second
	DefaultDedupSize   = 4096
)

// Dedup drops deliveries whose (topic, payload) was seen within the window.
// Every protocol handler is idempotent, so this only saves work.
type Dedup struct {
	Bus
	mu      sync.Mutex
	seen    *expirable.LRU[[32]byte, struct{}]
	metrics *metrics.Recorder
}

func NewDedup(inner Bus, size int, window time.Duration, rec *metrics.Recorder) *Dedup {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dedup{
		Bus:     inner,
		seen:    expirable.NewLRU[[32]byte, struct{}](size, nil, window),
		metrics: rec,
	}
}

func (d *Dedup) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	if err := validateSubscribe(handler, topics); err != nil {
		return err
	}
	return d.Bus.Subscribe(ctx, func(ctx context.Context, topic string, data []byte) {
		if d.duplicate(topic, data) {
			d.metrics.ObserveDuplicate()
			return
		}
		handler(ctx, topic, data)
	}, topics...)
}

func (d *Dedup) duplicate(topic string, data []byte) bool {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(data)
	var key [32]byte
	copy(key[:], h.Sum(nil))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(key) {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}
