package bus

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// HubOptions injects the delivery faults a real broker can produce.
type HubOptions struct {
	// DuplicateRate is the probability that a delivery is repeated.
	DuplicateRate float64
	// MaxDelay delays each delivery by a random duration up to this bound, which reorders messages.
	MaxDelay time.Duration
	// DropRate is the probability that a delivery is lost.
	DropRate float64
	Seed     uint64
}

// Hub is an in-process broker shared by Memory endpoints. Publishers receive
// their own messages like an MQTT subscriber would.
type Hub struct {
	opts HubOptions

	mu        sync.RWMutex
	endpoints map[*Memory]struct{}
	rng       *rand.Rand
	rngMu     sync.Mutex
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts:      opts,
		endpoints: make(map[*Memory]struct{}),
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Connect returns a new endpoint attached to the hub.
func (h *Hub) Connect() *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		hub:    h,
		subs:   make(map[string][]Handler),
		inbox:  make(chan delivery, 4096),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.loop()

	h.mu.Lock()
	h.endpoints[m] = struct{}{}
	h.mu.Unlock()
	return m
}

func (h *Hub) float() float64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64()
}

func (h *Hub) delay() time.Duration {
	if h.opts.MaxDelay <= 0 {
		return 0
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return time.Duration(h.rng.Int64N(int64(h.opts.MaxDelay)))
}

func (h *Hub) route(topic string, data []byte) {
	h.mu.RLock()
	targets := make([]*Memory, 0, len(h.endpoints))
	for ep := range h.endpoints {
		if ep.subscribed(topic) {
			targets = append(targets, ep)
		}
	}
	h.mu.RUnlock()

	for _, ep := range targets {
		copies := 1
		if h.opts.DropRate > 0 && h.float() < h.opts.DropRate {
			copies = 0
		}
		if copies > 0 && h.opts.DuplicateRate > 0 && h.float() < h.opts.DuplicateRate {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			d := delivery{topic: topic, data: append([]byte(nil), data...)}
			if wait := h.delay(); wait > 0 {
				time.AfterFunc(wait, func() { ep.enqueue(d) })
				continue
			}
			ep.enqueue(d)
		}
	}
}

func (h *Hub) detach(m *Memory) {
	h.mu.Lock()
	delete(h.endpoints, m)
	h.mu.Unlock()
}

type delivery struct {
	topic string
	data  []byte
}

// Memory is one node's connection to a Hub.
type Memory struct {
	hub *Hub

	mu     sync.RWMutex
	subs   map[string][]Handler
	closed bool

	inbox  chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	m.hub.route(topic, data)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, handler Handler, topics ...string) error {
	if err := validateSubscribe(handler, topics); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, t := range topics {
		m.subs[t] = append(m.subs[t], handler)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.hub.detach(m)
	m.cancel()
	<-m.done
	return nil
}

func (m *Memory) subscribed(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic]) > 0
}

func (m *Memory) enqueue(d delivery) {
	select {
	case m.inbox <- d:
	case <-m.ctx.Done():
	}
}

func (m *Memory) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case d := <-m.inbox:
			m.mu.RLock()
			handlers := append([]Handler(nil), m.subs[d.topic]...)
			m.mu.RUnlock()
			for _, h := range handlers {
				h(m.ctx, d.topic, d.data)
			}
		}
	}
}
