package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/pkg/messaging"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "herald.yml"

// HeraldConfig represents the top-level herald.yml configuration
type HeraldConfig struct {
	Version string        `yaml:"version"`
	Broker  *BrokerConfig `yaml:"broker,omitempty"`
	Redis   *RedisConfig  `yaml:"redis,omitempty"`
	Health  *HealthConfig `yaml:"health,omitempty"`
	Log     *LogConfig    `yaml:"log,omitempty"`
}

// BrokerConfig holds the message broker settings
type BrokerConfig struct {
	BrokerURL           string `yaml:"brokerUrl"`
	ExchangeName        string `yaml:"exchangeName,omitempty"`
	ExchangeType        string `yaml:"exchangeType,omitempty"`
	Durable             bool   `yaml:"durable,omitempty"`
	PrefetchCount       *int   `yaml:"prefetchCount,omitempty"` // default 64
	AutoAck             bool   `yaml:"autoAck,omitempty"`
	ConsumerTag         string `yaml:"consumerTag,omitempty"`
	AutoRecoveryEnabled *bool  `yaml:"autoRecoveryEnabled,omitempty"` // default true
	DeadLetterExchange  string `yaml:"deadLetterExchange,omitempty"`

	StatusExchangeName        string `yaml:"statusExchangeName,omitempty"`
	ProcessExchangeName       string `yaml:"processExchangeName,omitempty"`
	ExperimentExchangeName    string `yaml:"experimentExchangeName,omitempty"`
	ExperimentLaunchQueueName string `yaml:"experimentLaunchQueueName,omitempty"`
}

// RedisConfig holds the status store settings
type RedisConfig struct {
	URL            string `yaml:"url"`
	TimelineLength int    `yaml:"timelineLength,omitempty"` // entries kept per entity, default 100
}

// HealthConfig holds the relay health endpoint settings
type HealthConfig struct {
	Addr string `yaml:"addr,omitempty"` // default ":8080"
}

// LogConfig mirrors logging.Options
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

var exchangeTypes = map[string]bool{"topic": true, "direct": true, "fanout": true, "headers": true}

// Default returns a validated configuration with every default applied.
func Default() *HeraldConfig {
	c := &HeraldConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and fills in
// defaults for anything left unset
func (c *HeraldConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Broker == nil {
		c.Broker = &BrokerConfig{}
	}
	if err := c.Broker.Validate(); err != nil {
		return err
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if err := checkURL("redis.url", c.Redis.URL, "redis", "rediss"); err != nil {
		return err
	}
	if c.Redis.TimelineLength == 0 {
		c.Redis.TimelineLength = 100
	}
	if c.Redis.TimelineLength < 0 {
		return fmt.Errorf("redis.timelineLength must be >= 0, got %d", c.Redis.TimelineLength)
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log.format: %s (must be 'json' or 'console')", c.Log.Format)
	}

	return nil
}

// Validate checks the broker section and applies its defaults
func (b *BrokerConfig) Validate() error {
	d := messaging.DefaultConfig()

	if b.BrokerURL == "" {
		b.BrokerURL = d.BrokerURL
	}
	if err := checkURL("broker.brokerUrl", b.BrokerURL, "amqp", "amqps"); err != nil {
		return err
	}

	if b.ExchangeType == "" {
		b.ExchangeType = d.ExchangeType
	}
	if !exchangeTypes[b.ExchangeType] {
		return fmt.Errorf("invalid broker.exchangeType: %s (must be 'topic', 'direct', 'fanout', or 'headers')", b.ExchangeType)
	}

	if b.PrefetchCount == nil {
		prefetch := d.PrefetchCount
		b.PrefetchCount = &prefetch
	}
	if *b.PrefetchCount < 1 {
		return fmt.Errorf("broker.prefetchCount must be >= 1, got %d", *b.PrefetchCount)
	}

	if b.ConsumerTag == "" {
		b.ConsumerTag = d.ConsumerTag
	}
	if b.AutoRecoveryEnabled == nil {
		enabled := d.AutoRecoveryEnabled
		b.AutoRecoveryEnabled = &enabled
	}

	if b.StatusExchangeName == "" {
		b.StatusExchangeName = d.StatusExchangeName
	}
	if b.ProcessExchangeName == "" {
		b.ProcessExchangeName = d.ProcessExchangeName
	}
	if b.ExperimentExchangeName == "" {
		b.ExperimentExchangeName = d.ExperimentExchangeName
	}
	if b.ExperimentLaunchQueueName == "" {
		b.ExperimentLaunchQueueName = d.ExperimentLaunchQueueName
	}

	return nil
}

// Messaging converts a validated broker section into messaging.Config.
func (b *BrokerConfig) Messaging() messaging.Config {
	c := messaging.Config{
		BrokerURL:                 b.BrokerURL,
		ExchangeName:              b.ExchangeName,
		ExchangeType:              b.ExchangeType,
		Durable:                   b.Durable,
		AutoAck:                   b.AutoAck,
		ConsumerTag:               b.ConsumerTag,
		DeadLetterExchange:        b.DeadLetterExchange,
		StatusExchangeName:        b.StatusExchangeName,
		ProcessExchangeName:       b.ProcessExchangeName,
		ExperimentExchangeName:    b.ExperimentExchangeName,
		ExperimentLaunchQueueName: b.ExperimentLaunchQueueName,
	}
	if b.PrefetchCount != nil {
		c.PrefetchCount = *b.PrefetchCount
	}
	if b.AutoRecoveryEnabled != nil {
		c.AutoRecoveryEnabled = *b.AutoRecoveryEnabled
	}
	return c
}

// Logging converts the log section into logging.Options.
func (c *HeraldConfig) Logging() logging.Options {
	if c.Log == nil {
		return logging.Options{}
	}
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}

// ApplyEnv overrides file settings from the environment. Call it before
// Validate so overrides are validated too.
func (c *HeraldConfig) ApplyEnv() error {
	if c.Broker == nil {
		c.Broker = &BrokerConfig{}
	}
	if v, ok := os.LookupEnv("HERALD_BROKER_URL"); ok {
		c.Broker.BrokerURL = v
	}
	if v, ok := os.LookupEnv("HERALD_PREFETCH_COUNT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HERALD_PREFETCH_COUNT %q: %w", v, err)
		}
		c.Broker.PrefetchCount = &n
	}
	if v, ok := os.LookupEnv("HERALD_AUTO_RECOVERY"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HERALD_AUTO_RECOVERY %q: %w", v, err)
		}
		c.Broker.AutoRecoveryEnabled = &enabled
	}
	if v, ok := os.LookupEnv("HERALD_DEAD_LETTER_EXCHANGE"); ok {
		c.Broker.DeadLetterExchange = v
	}

	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.URL = v
	}
	if v, ok := os.LookupEnv("HERALD_HEALTH_ADDR"); ok {
		if c.Health == nil {
			c.Health = &HealthConfig{}
		}
		c.Health.Addr = v
	}

	env := logging.FromEnv()
	if env.Level != "" || env.Format != "" {
		if c.Log == nil {
			c.Log = &LogConfig{}
		}
		if env.Level != "" {
			c.Log.Level = env.Level
		}
		if env.Format != "" {
			c.Log.Format = strings.ToLower(env.Format)
		}
	}
	return nil
}

// Load reads herald.yml from the specified path, applies environment
// overrides and validates the result
func Load(path string) (*HeraldConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config HeraldConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return finish(&config)
}

// LoadOptional is Load, except that a missing file yields the defaults
// (plus environment overrides) instead of an error.
func LoadOptional(path string) (*HeraldConfig, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&HeraldConfig{Version: "1.0"})
	}
	return cfg, err
}

func finish(c *HeraldConfig) (*HeraldConfig, error) {
	if err := c.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("invalid %s: missing host", field)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid %s: scheme %q (expected %s)", field, u.Scheme, strings.Join(schemes, " or "))
}
