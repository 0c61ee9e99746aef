package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/election"
	"github.com/cybermesh/mining-peer/internal/miner"
	"github.com/cybermesh/mining-peer/internal/p2p"
	"github.com/cybermesh/mining-peer/internal/protocol"
	"github.com/cybermesh/mining-peer/internal/round"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// Config holds runtime configuration for a mining peer.
type Config struct {
	Participants int
	IDSpace      int64

	Backend     string
	Codec       string
	TopicPrefix string

	DiscoveryInterval time.Duration
	VoteStagger       time.Duration
	ElectionTimeout   time.Duration
	SubmitPause       time.Duration
	ChallengeMin      int64
	ChallengeMax      int64

	DedupWindow    time.Duration
	DedupCacheSize int

	MQTT  bus.MQTTConfig
	Kafka bus.KafkaConfig
	Redis bus.RedisConfig
	P2P   p2p.Options

	MetricsAddr     string
	ShutdownTimeout time.Duration

	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string
}

const (
	defaultParticipants      = 3
	defaultDiscoveryInterval = 2 * time.Second
	defaultMetricsAddr       = ":9100"
	defaultShutdownTimeout   = 10 * time.Second
	defaultMQTTBroker        = "tcp://broker.emqx.io:1883"
)

var ErrInvalidParticipants = errors.New("participant count must be a positive integer")

// SensitiveKeys are never echoed by the config manager.
var SensitiveKeys = []string{"MQTT_PASSWORD", "KAFKA_SASL_PASSWORD", "REDIS_PASSWORD", "P2P_ID_SEED"}

// Load reads configuration through cm. The participant count comes from the
// first command line argument when present, else from PARTICIPANTS.
func Load(cm *utils.ConfigManager, args []string) (Config, error) {
	var cfg Config

	participants, err := participantCount(cm, args)
	if err != nil {
		return cfg, err
	}
	cfg.Participants = participants
	cfg.IDSpace = cm.GetInt64("ID_SPACE", election.DefaultVoteSpace)
	if cfg.IDSpace <= 0 {
		return cfg, fmt.Errorf("ID_SPACE: %w", utils.ErrConfigValueOutOfRange)
	}

	cfg.Backend = strings.ToLower(cm.GetString("BUS_BACKEND", bus.BackendP2P))
	switch cfg.Backend {
	case bus.BackendMemory, bus.BackendP2P, bus.BackendMQTT, bus.BackendKafka, bus.BackendRedis:
	default:
		return cfg, fmt.Errorf("BUS_BACKEND %q: %w", cfg.Backend, utils.ErrConfigValueInvalid)
	}
	cfg.Codec = strings.ToLower(cm.GetString("CODEC", "json"))
	if _, err := protocol.NewCodec(cfg.Codec); err != nil {
		return cfg, fmt.Errorf("CODEC: %w", err)
	}
	cfg.TopicPrefix = cm.GetString("TOPIC_PREFIX", protocol.DefaultTopicPrefix)

	cfg.DiscoveryInterval = positive(cm.GetDuration("DISCOVERY_INTERVAL", defaultDiscoveryInterval), defaultDiscoveryInterval)
	cfg.VoteStagger = cm.GetDuration("VOTE_STAGGER", election.DefaultVoteStagger)
	if cfg.VoteStagger < 0 {
		cfg.VoteStagger = election.DefaultVoteStagger
	}
	cfg.ElectionTimeout = positive(cm.GetDuration("ELECTION_TIMEOUT", election.DefaultTimeout), election.DefaultTimeout)
	cfg.SubmitPause = cm.GetDuration("SUBMIT_PAUSE", miner.DefaultSubmitPause)
	if cfg.SubmitPause < 0 {
		cfg.SubmitPause = miner.DefaultSubmitPause
	}

	cmin, err := cm.GetIntRange("CHALLENGE_MIN", round.DefaultChallengeMin, 1, 160)
	if err != nil {
		return cfg, err
	}
	cmax, err := cm.GetIntRange("CHALLENGE_MAX", round.DefaultChallengeMax, 1, 160)
	if err != nil {
		return cfg, err
	}
	if cmax < cmin {
		return cfg, fmt.Errorf("CHALLENGE_MAX %d below CHALLENGE_MIN %d: %w", cmax, cmin, utils.ErrConfigValueOutOfRange)
	}
	cfg.ChallengeMin, cfg.ChallengeMax = int64(cmin), int64(cmax)

	cfg.DedupWindow = positive(cm.GetDuration("DEDUP_WINDOW", 30*time.Second), 30*time.Second)
	cfg.DedupCacheSize = cm.GetInt("DEDUP_CACHE_SIZE", 4096)
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}

	cfg.MQTT.Broker = cm.GetString("MQTT_BROKER", defaultMQTTBroker)
	cfg.MQTT.ClientID = cm.GetString("MQTT_CLIENT_ID", "")
	cfg.MQTT.Username = cm.GetString("MQTT_USERNAME", "")
	cfg.MQTT.Password = cm.GetString("MQTT_PASSWORD", "")
	qos, err := cm.GetIntRange("MQTT_QOS", 0, 0, 2)
	if err != nil {
		return cfg, err
	}
	cfg.MQTT.QoS = byte(qos)
	cfg.MQTT.Timeout = positive(cm.GetDuration("MQTT_TIMEOUT", 10*time.Second), 10*time.Second)

	cfg.Kafka.Brokers = cm.GetStringSlice("KAFKA_BROKERS", nil)
	cfg.Kafka.GroupID = cm.GetString("KAFKA_GROUP_ID", "")
	cfg.Kafka.ClientID = cm.GetString("KAFKA_CLIENT_ID", "mining-peer")
	cfg.Kafka.TLS = cm.GetBool("KAFKA_TLS_ENABLED", false)
	cfg.Kafka.TLSCAPath = cm.GetString("KAFKA_TLS_CA", "")
	cfg.Kafka.SASLEnabled = cm.GetBool("KAFKA_SASL_ENABLED", false)
	cfg.Kafka.SASLMechanism = cm.GetString("KAFKA_SASL_MECHANISM", "")
	cfg.Kafka.SASLUsername = cm.GetString("KAFKA_SASL_USERNAME", "")
	cfg.Kafka.SASLPassword = cm.GetString("KAFKA_SASL_PASSWORD", "")
	if cfg.Backend == bus.BackendKafka && len(cfg.Kafka.Brokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS: %w", utils.ErrConfigValueRequired)
	}

	cfg.Redis.Addr = cm.GetString("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Username = cm.GetString("REDIS_USERNAME", "")
	cfg.Redis.Password = cm.GetString("REDIS_PASSWORD", "")
	cfg.Redis.DB = cm.GetInt("REDIS_DB", 0)

	port, err := cm.GetIntRange("P2P_LISTEN_PORT", 4001, 0, 65535)
	if err != nil {
		return cfg, err
	}
	cfg.P2P = p2p.Options{
		ListenPort:        port,
		IDSeedHex:         cm.GetString("P2P_ID_SEED", ""),
		Rendezvous:        cm.GetString("P2P_RENDEZVOUS", "mining-peer/v1"),
		ProtocolPrefix:    cm.GetString("P2P_PROTOCOL_PREFIX", "/mining-peer"),
		EnableMDNS:        cm.GetBool("P2P_ENABLE_MDNS", true),
		ConnLow:           cm.GetInt("P2P_CONN_LOW", 4),
		ConnHigh:          cm.GetInt("P2P_CONN_HIGH", 32),
		GracePeriod:       cm.GetDuration("P2P_GRACE_PERIOD", time.Minute),
		BootstrapAddrs:    cm.GetStringSlice("P2P_BOOTSTRAP_PEERS", nil),
		AllowedCIDRs:      cm.GetStringSlice("P2P_ALLOWED_CIDRS", nil),
		DiscoveryInterval: cm.GetDuration("P2P_DISCOVERY_INTERVAL", 5*time.Second),
		MaxMessageSize:    cm.GetInt("P2P_MAX_MESSAGE_SIZE", 64*1024),
		MaxHandlers:       cm.GetInt("P2P_MAX_HANDLERS", 64),
	}

	cfg.MetricsAddr = cm.GetString("METRICS_ADDR", defaultMetricsAddr)
	cfg.ShutdownTimeout = positive(cm.GetDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout), defaultShutdownTimeout)

	cfg.OTLPEndpoint = cm.GetString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTLPInsecure = cm.GetBool("OTEL_EXPORTER_OTLP_INSECURE", true)
	cfg.ServiceName = cm.GetString("SERVICE_NAME", "mining-peer")

	return cfg, nil
}

func participantCount(cm *utils.ConfigManager, args []string) (int, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%q: %w", args[0], ErrInvalidParticipants)
		}
		return n, nil
	}
	n := cm.GetInt("PARTICIPANTS", defaultParticipants)
	if n <= 0 {
		return 0, fmt.Errorf("PARTICIPANTS=%d: %w", n, ErrInvalidParticipants)
	}
	return n, nil
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
