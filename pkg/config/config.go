package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"revita/clinic/dispatch-queue-server/pkg/priority"
)

type Config struct {
	ServerPort int `mapstructure:"SERVER_PORT"`

	RedisAddrs    []string `mapstructure:"REDIS_ADDRS"`
	RedisPassword string   `mapstructure:"REDIS_PASSWORD"`
	RedisDb       int      `mapstructure:"REDIS_DB"`

	// "redis" or "memory". Memory keeps everything inside one process.
	EventBackend      string `mapstructure:"EVENT_BACKEND"`
	EventTopic        string `mapstructure:"EVENT_TOPIC"`
	EventPartitions   int    `mapstructure:"EVENT_PARTITIONS"`
	EventStartFrom    string `mapstructure:"EVENT_START_FROM"`
	EventMaxLen       int64  `mapstructure:"EVENT_MAX_LEN"`
	ConsumerBatchSize int64  `mapstructure:"CONSUMER_BATCH_SIZE"`
	ConsumerBlockMs   int    `mapstructure:"CONSUMER_BLOCK_MS"`

	// A failed handler is retried in place, starting at this delay.
	ConsumerRetryMs int `mapstructure:"CONSUMER_RETRY_MS"`

	// Entries another group member left unacknowledged this long are
	// claimed by a live member.
	ConsumerClaimIdleMs int `mapstructure:"CONSUMER_CLAIM_IDLE_MS"`

	LivenessTtlSeconds  int `mapstructure:"LIVENESS_TTL_SECONDS"`
	HeartbeatIntervalMs int `mapstructure:"HEARTBEAT_INTERVAL_MS"`

	DatabaseDsn string `mapstructure:"DATABASE_DSN"`

	MainServerHost   string `mapstructure:"MAIN_SERVER_HOST"`
	MainServerApiKey string `mapstructure:"MAIN_SERVER_API_KEY"`

	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogEncoding string `mapstructure:"LOG_ENCODING"`

	CounterScoringPolicy string `mapstructure:"COUNTER_SCORING_POLICY"`
	BoothScoringPolicy   string `mapstructure:"BOOTH_SCORING_POLICY"`

	StoreRetryAttempts  int `mapstructure:"STORE_RETRY_ATTEMPTS"`
	StoreRetryBackoffMs int `mapstructure:"STORE_RETRY_BACKOFF_MS"`

	// A skipped patient re-enters the queue after this many calls.
	SkipReentryTurns int `mapstructure:"SKIP_REENTRY_TURNS"`

	// A patient called this many times without showing up is cancelled.
	MaxCallCount int `mapstructure:"MAX_CALL_COUNT"`

	AverageWaitWindowSize int `mapstructure:"AVERAGE_WAIT_WINDOW_SIZE"`
	DefaultServiceMinutes int `mapstructure:"DEFAULT_SERVICE_MINUTES"`

	PingIntervalSeconds int `mapstructure:"PING_INTERVAL_SECONDS"`

	ListenerService string `mapstructure:"LISTENER_SERVICE"`
}

var defaults = map[string]any{
	"SERVER_PORT":              8080,
	"REDIS_ADDRS":              "localhost:6379",
	"REDIS_PASSWORD":           "",
	"REDIS_DB":                 0,
	"EVENT_BACKEND":            "redis",
	"EVENT_TOPIC":              "counter.assignments",
	"EVENT_PARTITIONS":         1,
	"EVENT_START_FROM":         "$",
	"EVENT_MAX_LEN":            0,
	"CONSUMER_BATCH_SIZE":      10,
	"CONSUMER_BLOCK_MS":        5000,
	"CONSUMER_RETRY_MS":        200,
	"CONSUMER_CLAIM_IDLE_MS":   60000,
	"LIVENESS_TTL_SECONDS":     30,
	"HEARTBEAT_INTERVAL_MS":    10000,
	"DATABASE_DSN":             "data/dispatch.sqlite",
	"MAIN_SERVER_HOST":         "",
	"MAIN_SERVER_API_KEY":      "",
	"LOG_LEVEL":                "info",
	"LOG_ENCODING":             "console",
	"COUNTER_SCORING_POLICY":   priority.LinearName,
	"BOOTH_SCORING_POLICY":     priority.ClassSeparatedName,
	"STORE_RETRY_ATTEMPTS":     3,
	"STORE_RETRY_BACKOFF_MS":   100,
	"SKIP_REENTRY_TURNS":       3,
	"MAX_CALL_COUNT":           5,
	"AVERAGE_WAIT_WINDOW_SIZE": 50,
	"DEFAULT_SERVICE_MINUTES":  15,
	"PING_INTERVAL_SECONDS":    5,
	"LISTENER_SERVICE":         "revita-counter",
}

// Flags that may override env values, keyed by flag name.
var flagKeys = map[string]string{
	"port":      "SERVER_PORT",
	"log-level": "LOG_LEVEL",
	"redis":     "REDIS_ADDRS",
	"database":  "DATABASE_DSN",
	"events":    "EVENT_BACKEND",
}

// RegisterFlags adds the overridable flags to a command's flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("port", 0, "HTTP listen port (SERVER_PORT)")
	flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	flags.String("redis", "", "comma separated redis addresses (REDIS_ADDRS)")
	flags.String("database", "", "sqlite database file (DATABASE_DSN)")
	flags.String("events", "", "event log backend, redis or memory (EVENT_BACKEND)")
}

// Load reads defaults, an optional .env file, the environment and finally
// any flag that was explicitly set. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind env vars explicitly so Unmarshal picks them up.
		_ = v.BindEnv(key)
	}

	// Missing .env is fine.
	_ = v.ReadInConfig()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %v: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma separated string.
	cfg.RedisAddrs = splitList(v.GetString("REDIS_ADDRS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := Load(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.LivenessTtlSeconds <= 0 {
		return fmt.Errorf("LIVENESS_TTL_SECONDS must be positive, got %v", c.LivenessTtlSeconds)
	}
	if c.HeartbeatIntervalMs <= 0 || c.HeartbeatInterval() > c.LivenessTtl()/2 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS[%v] must be positive and at most half of LIVENESS_TTL_SECONDS[%v]",
			c.HeartbeatIntervalMs, c.LivenessTtlSeconds)
	}
	if c.EventPartitions <= 0 {
		return fmt.Errorf("EVENT_PARTITIONS must be positive, got %v", c.EventPartitions)
	}
	if c.ConsumerRetryMs <= 0 || c.ConsumerClaimIdleMs <= 0 {
		return fmt.Errorf("CONSUMER_RETRY_MS[%v] and CONSUMER_CLAIM_IDLE_MS[%v] must be positive", c.ConsumerRetryMs, c.ConsumerClaimIdleMs)
	}
	if c.EventBackend != "redis" && c.EventBackend != "memory" {
		return fmt.Errorf("EVENT_BACKEND must be redis or memory, got %q", c.EventBackend)
	}
	if c.EventBackend == "redis" && len(c.RedisAddrs) == 0 {
		return fmt.Errorf("REDIS_ADDRS is required for the redis event backend")
	}
	for _, name := range []string{c.CounterScoringPolicy, c.BoothScoringPolicy} {
		if _, err := priority.Lookup(name); err != nil {
			return err
		}
	}
	if c.SkipReentryTurns < 1 || c.MaxCallCount < 1 {
		return fmt.Errorf("SKIP_REENTRY_TURNS[%v] and MAX_CALL_COUNT[%v] must be at least 1", c.SkipReentryTurns, c.MaxCallCount)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %v", c.StoreRetryAttempts)
	}
	return nil
}

func (c *Config) LivenessTtl() time.Duration {
	return time.Duration(c.LivenessTtlSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) ConsumerBlock() time.Duration {
	return time.Duration(c.ConsumerBlockMs) * time.Millisecond
}

func (c *Config) ConsumerRetry() time.Duration {
	return time.Duration(c.ConsumerRetryMs) * time.Millisecond
}

func (c *Config) ConsumerClaimIdle() time.Duration {
	return time.Duration(c.ConsumerClaimIdleMs) * time.Millisecond
}

func (c *Config) StoreRetryBackoff() time.Duration {
	return time.Duration(c.StoreRetryBackoffMs) * time.Millisecond
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c *Config) DefaultServiceDuration() time.Duration {
	return time.Duration(c.DefaultServiceMinutes) * time.Minute
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
