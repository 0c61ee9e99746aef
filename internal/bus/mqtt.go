package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string // e.g. tcp://broker.emqx.io:1883
	ClientID string // empty means "node_<uuid>"
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// MQTT runs the bus over an MQTT broker, the transport legacy peers use.
type MQTT struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *utils.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	topics []string
	closed bool
}

func NewMQTT(cfg MQTTConfig, logger *utils.Logger, rec *metrics.Recorder) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt bus: broker required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "node_" + uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			rec.ObserveBusError(BackendMQTT, "connection_lost")
			logger.Warn("mqtt connection lost", utils.ZapError(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	return newMQTTFromClient(mqtt.NewClient(opts), cfg, logger, rec)
}

// newMQTTFromClient connects client and wraps it.
func newMQTTFromClient(client mqtt.Client, cfg MQTTConfig, logger *utils.Logger, rec *metrics.Recorder) (*MQTT, error) {
	m := &MQTT{client: client, qos: cfg.QoS, timeout: cfg.Timeout, logger: logger, metrics: rec}
	if err := m.wait(client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt bus: connect %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt bus connected",
		utils.ZapString("broker", cfg.Broker),
		utils.ZapString("client_id", cfg.ClientID))
	return m, nil
}

func (m *MQTT) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(m.timeout) {
		return errors.New("timed out")
	}
	return tok.Error()
}

func (m *MQTT) Publish(_ context.Context, topic string, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := m.wait(m.client.Publish(topic, m.qos, false, data)); err != nil {
		m.metrics.ObserveBusError(BackendMQTT, "publish")
		return fmt.Errorf("mqtt bus: publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	if err := validateSubscribe(handler, topics); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = m.qos
	}
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		handler(ctx, msg.Topic(), msg.Payload())
	}
	if err := m.wait(m.client.SubscribeMultiple(filters, cb)); err != nil {
		return fmt.Errorf("mqtt bus: subscribe: %w", err)
	}

	m.mu.Lock()
	m.topics = append(m.topics, topics...)
	m.mu.Unlock()
	return nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.mu.Unlock()

	var err error
	if len(topics) > 0 && m.client.IsConnected() {
		err = m.wait(m.client.Unsubscribe(topics...))
	}
	m.client.Disconnect(250)
	return err
}
