package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Redis runs the bus over Redis PUBLISH/SUBSCRIBE channels.
type Redis struct {
	client  redis.UniversalClient
	logger  *utils.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

func NewRedis(ctx context.Context, cfg RedisConfig, logger *utils.Logger, rec *metrics.Recorder) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis bus: address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus: ping: %w", err)
	}
	return NewRedisFromClient(client, logger, rec), nil
}

// NewRedisFromClient wraps an existing client; the bus takes ownership of it.
func NewRedisFromClient(client redis.UniversalClient, logger *utils.Logger, rec *metrics.Recorder) *Redis {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Redis{client: client, logger: logger, metrics: rec}
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		r.metrics.ObserveBusError(BackendRedis, "publish")
		return fmt.Errorf("redis bus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the SUBSCRIBE confirmation before returning.
func (r *Redis) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	if err := validateSubscribe(handler, topics); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, topics...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis bus: subscribe: %w", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// the channel closes when ps is closed
		for msg := range ps.Channel() {
			handler(context.Background(), msg.Channel, []byte(msg.Payload))
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.mu.Unlock()

	var err error
	for _, ps := range subs {
		err = multierr.Append(err, ps.Close())
	}
	r.wg.Wait()
	return multierr.Append(err, r.client.Close())
}
