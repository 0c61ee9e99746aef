package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	// GroupID must be unique per node so every node sees every message.
	// Empty means a random "peer-<uuid>" group.
	GroupID       string
	ClientID      string
	TLS           bool
	TLSCAPath     string
	SASLEnabled   bool
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
}

// Kafka maps each topic to a Kafka topic ("sd/init" becomes "sd.init"), publishes
// with a sync producer and consumes through a per-node consumer group.
type Kafka struct {
	cfg      KafkaConfig
	sarama   *sarama.Config
	producer sarama.SyncProducer
	newGroup func(brokers []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error)
	logger   *utils.Logger
	metrics  *metrics.Recorder

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	cancel []context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewKafka(cfg KafkaConfig, logger *utils.Logger, rec *metrics.Recorder) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bus: brokers required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "peer-" + uuid.NewString()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mining-peer"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka bus: create producer: %w", err)
	}

	logger.Info("kafka bus connected",
		utils.ZapInt("brokers", len(cfg.Brokers)),
		utils.ZapString("group_id", cfg.GroupID))

	return &Kafka{
		cfg:      cfg,
		sarama:   sc,
		producer: producer,
		newGroup: sarama.NewConsumerGroup,
		logger:   logger,
		metrics:  rec,
	}, nil
}

func saramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	if cfg.TLS {
		tlsConfig, err := kafkaTLSConfig(cfg.TLSCAPath)
		if err != nil {
			return nil, err
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		switch strings.ToUpper(cfg.SASLMechanism) {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: SHA256} }
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: SHA512} }
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka bus: invalid config: %w", err)
	}
	return sc, nil
}

func kafkaTLSConfig(caPath string) (*tls.Config, error) {
	var pool *x509.CertPool
	if caPath != "" {
		pool = x509.NewCertPool()
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("kafka bus: read ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("kafka bus: invalid ca cert")
		}
	} else {
		var err error
		pool, err = x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("kafka bus: load system ca: %w", err)
		}
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// KafkaTopic converts a bus topic into a legal Kafka topic name.
func KafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func (k *Kafka) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: KafkaTopic(topic),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		k.metrics.ObserveBusError(BackendKafka, "publish")
		return fmt.Errorf("kafka bus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the node's consumer group for topics and returns after the
// first partition assignment.
func (k *Kafka) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	if err := validateSubscribe(handler, topics); err != nil {
		return err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.mu.Unlock()

	group, err := k.newGroup(k.cfg.Brokers, k.cfg.GroupID, k.sarama)
	if err != nil {
		return fmt.Errorf("kafka bus: create group: %w", err)
	}

	names := make(map[string]string, len(topics))
	kafkaTopics := make([]string, 0, len(topics))
	for _, t := range topics {
		kt := KafkaTopic(t)
		names[kt] = t
		kafkaTopics = append(kafkaTopics, kt)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	gh := &groupHandler{handler: handler, names: names, ready: make(chan struct{})}

	k.mu.Lock()
	k.groups = append(k.groups, group)
	k.cancel = append(k.cancel, cancel)
	k.mu.Unlock()

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		for {
			if err := group.Consume(runCtx, kafkaTopics, gh); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				k.metrics.ObserveBusError(BackendKafka, "consume")
				k.logger.Warn("kafka consume failed", utils.ZapError(err))
				select {
				case <-runCtx.Done():
				case <-time.After(time.Second):
				}
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer k.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case err, ok := <-group.Errors():
				if !ok {
					return
				}
				k.metrics.ObserveBusError(BackendKafka, "group")
				k.logger.Warn("kafka group error", utils.ZapError(err))
			}
		}
	}()

	select {
	case <-gh.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	groups, cancels := k.groups, k.cancel
	k.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	var err error
	for _, g := range groups {
		err = multierr.Append(err, g.Close())
	}
	k.wg.Wait()
	return multierr.Append(err, k.producer.Close())
}

type groupHandler struct {
	handler Handler
	names   map[string]string
	ready   chan struct{}
	once    sync.Once
}

func (g *groupHandler) Setup(_ sarama.ConsumerGroupSession) error {
	g.once.Do(func() { close(g.ready) })
	return nil
}

func (g *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		topic, ok := g.names[message.Topic]
		if !ok {
			topic = message.Topic
		}
		g.handler(session.Context(), topic, message.Value)
		session.MarkMessage(message, "")
	}
	return nil
}
