package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Configuration errors
var (
	ErrConfigValueInvalid    = errors.New("config: invalid value")
	ErrConfigValueRequired   = errors.New("config: required value missing")
	ErrConfigValueOutOfRange = errors.New("config: value out of range")
)

// ConfigSource defines where configuration is loaded from
type ConfigSource interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	List() map[string]string
}

// ConfigManager reads typed configuration values with defaults.
// Secrets (broker passwords) are never echoed in logs.
type ConfigManager struct {
	source ConfigSource
	logger *Logger

	sensitiveKeys map[string]bool

	accessCount map[string]uint64
	accessMu    sync.Mutex
}

// ConfigManagerConfig holds configuration for the config manager
type ConfigManagerConfig struct {
	Source        ConfigSource
	Logger        *Logger
	SensitiveKeys []string
}

// NewConfigManager creates a new configuration manager. A nil source reads the process environment.
func NewConfigManager(config *ConfigManagerConfig) (*ConfigManager, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Source == nil {
		config.Source = &envSource{}
	}

	cm := &ConfigManager{
		source:        config.Source,
		logger:        config.Logger,
		sensitiveKeys: make(map[string]bool),
		accessCount:   make(map[string]uint64),
	}
	for _, key := range config.SensitiveKeys {
		cm.sensitiveKeys[strings.ToUpper(key)] = true
	}
	return cm, nil
}

// GetString returns a string configuration value
func (cm *ConfigManager) GetString(key, defaultValue string) string {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}
	return value
}

// GetStringRequired returns a required string value or error
func (cm *ConfigManager) GetStringRequired(key string) (string, error) {
	value, exists := cm.lookup(key)
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrConfigValueRequired, key)
	}
	return value, nil
}

// GetInt returns an integer configuration value
func (cm *ConfigManager) GetInt(key string, defaultValue int) int {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		cm.logInvalid(key, err)
		return defaultValue
	}
	return parsed
}

// GetIntRange returns an integer within [min, max] or an error naming the key.
func (cm *ConfigManager) GetIntRange(key string, defaultValue, min, max int) (int, error) {
	value := cm.GetInt(key, defaultValue)
	if value < min || value > max {
		return 0, fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrConfigValueOutOfRange, key, value, min, max)
	}
	return value, nil
}

// GetInt64 returns a signed 64-bit integer
func (cm *ConfigManager) GetInt64(key string, defaultValue int64) int64 {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		cm.logInvalid(key, err)
		return defaultValue
	}
	return parsed
}

// GetBool returns a boolean configuration value
func (cm *ConfigManager) GetBool(key string, defaultValue bool) bool {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "1", "true", "t", "yes", "y", "on", "enabled":
		return true
	case "0", "false", "f", "no", "n", "off", "disabled":
		return false
	default:
		cm.logInvalid(key, fmt.Errorf("invalid boolean: %s", value))
		return defaultValue
	}
}

// GetDuration accepts Go duration syntax or an integer number of seconds.
func (cm *ConfigManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}

	cm.logInvalid(key, fmt.Errorf("invalid duration: %s", value))
	return defaultValue
}

// GetStringSlice returns a comma-separated list as a slice
func (cm *ConfigManager) GetStringSlice(key string, defaultValue []string) []string {
	value, exists := cm.lookup(key)
	if !exists {
		cm.logDefault(key, defaultValue)
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// Set updates a configuration value
func (cm *ConfigManager) Set(key, value string) error {
	if err := cm.source.Set(key, value); err != nil {
		return err
	}
	if cm.logger != nil && !cm.isSensitive(key) {
		cm.logger.Debug("config value updated", ZapString("key", key), ZapString("value", value))
	}
	return nil
}

// GetMetrics returns how often each key was read.
func (cm *ConfigManager) GetMetrics() map[string]uint64 {
	cm.accessMu.Lock()
	defer cm.accessMu.Unlock()

	result := make(map[string]uint64, len(cm.accessCount))
	for k, v := range cm.accessCount {
		result[k] = v
	}
	return result
}

func (cm *ConfigManager) lookup(key string) (string, bool) {
	cm.accessMu.Lock()
	cm.accessCount[key]++
	cm.accessMu.Unlock()

	value, exists := cm.source.Get(key)
	value = strings.TrimSpace(value)
	if !exists || value == "" {
		return "", false
	}
	return value, true
}

func (cm *ConfigManager) logDefault(key string, defaultValue interface{}) {
	if cm.logger != nil {
		cm.logger.Debug("using default config value",
			ZapString("key", key),
			ZapAny("default", defaultValue))
	}
}

func (cm *ConfigManager) logInvalid(key string, err error) {
	if cm.logger != nil {
		cm.logger.Warn("invalid config value, using default",
			ZapString("key", key),
			ZapError(err))
	}
}

func (cm *ConfigManager) isSensitive(key string) bool {
	return cm.sensitiveKeys[strings.ToUpper(key)]
}

// envSource reads from environment variables
type envSource struct{}

func (e *envSource) Get(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (e *envSource) Set(key, value string) error {
	return os.Setenv(key, value)
}

func (e *envSource) Delete(key string) error {
	return os.Unsetenv(key)
}

func (e *envSource) List() map[string]string {
	result := make(map[string]string)
	for _, env := range os.Environ() {
		if k, v, ok := strings.Cut(env, "="); ok {
			result[k] = v
		}
	}
	return result
}
