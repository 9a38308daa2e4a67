// Package config loads streamer settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"raydium-pair-stream/internal/discovery"
	"raydium-pair-stream/internal/orchestrator"
	"raydium-pair-stream/internal/publisher"
	"raydium-pair-stream/internal/solana"
	"raydium-pair-stream/internal/stream"
	"raydium-pair-stream/internal/swaps"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config holds every setting of the streamer process.
type Config struct {
	Solana   SolanaConfig     `yaml:"solana"`
	Redis    RedisConfig      `yaml:"redis"`
	Topics   publisher.Topics `yaml:"topics"`
	Stream   StreamConfig     `yaml:"stream"`
	Fetch    FetchConfig      `yaml:"fetch"`
	Watchdog WatchdogConfig   `yaml:"watchdog"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Logging  LoggingConfig    `yaml:"logging"`
}

// SolanaConfig configures the node endpoints and on-chain addresses.
type SolanaConfig struct {
	WSEndpoint           string            `yaml:"ws_endpoint"`
	RPCEndpoint          string            `yaml:"rpc_endpoint"`
	SecondaryRPCEndpoint string            `yaml:"rpc_secondary_endpoint"` // transaction fetches
	Commitment           solana.Commitment `yaml:"commitment"`
	ProgramID            string            `yaml:"amm_program_id"`
	AMMAuthority         string            `yaml:"amm_authority"`
	NativeMint           string            `yaml:"native_mint"`
}

// RedisConfig configures the pub/sub bus.
type RedisConfig struct {
	Host     string          `yaml:"host"`
	Port     int             `yaml:"port"`
	DB       int             `yaml:"db"`
	Password string          `yaml:"password"`
	Codec    publisher.Codec `yaml:"codec"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// StreamConfig configures subscriptions.
type StreamConfig struct {
	ObservationWindow time.Duration `yaml:"observation_window"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay"`
	RateWindow        time.Duration `yaml:"rate_window"`
}

// FetchConfig bounds getTransaction retries.
type FetchConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
}

// WatchdogConfig configures the bus health check.
type WatchdogConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
}

// MetricsConfig configures the metrics server. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the default configuration. Endpoints are left empty.
func Default() Config {
	return Config{
		Solana: SolanaConfig{
			Commitment:   solana.CommitmentConfirmed,
			ProgramID:    discovery.RaydiumAMMV4,
			AMMAuthority: swaps.RaydiumAuthorityV4,
			NativeMint:   discovery.WSOL,
		},
		Redis: RedisConfig{
			Host:  "localhost",
			Port:  6379,
			Codec: publisher.CodecJSON,
		},
		Topics: publisher.DefaultTopics(),
		Stream: StreamConfig{
			ObservationWindow: orchestrator.DefaultObservationWindow,
			ReconnectAttempts: stream.DefaultReconnectAttempts,
			ReconnectDelay:    stream.DefaultReconnectDelay,
			ConnectRetryDelay: stream.DefaultConnectRetryDelay,
			RateWindow:        stream.DefaultRateWindow,
		},
		Fetch: FetchConfig{
			Attempts:  discovery.DefaultFetchAttempts,
			BaseDelay: discovery.DefaultFetchBaseDelay,
		},
		Watchdog: WatchdogConfig{
			Interval:  publisher.DefaultWatchdogInterval,
			Threshold: publisher.DefaultWatchdogThreshold,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	// Solana
	if v := os.Getenv("WSS_PROVIDER"); v != "" {
		cfg.Solana.WSEndpoint = v
	}
	if v := os.Getenv("HTTP_PROVIDER"); v != "" {
		cfg.Solana.RPCEndpoint = v
	}
	if v := os.Getenv("HTTP_PROVIDER_SECONDARY"); v != "" {
		cfg.Solana.SecondaryRPCEndpoint = v
	}
	if v := os.Getenv("COMMITMENT"); v != "" {
		cfg.Solana.Commitment = solana.Commitment(v)
	}
	if v := os.Getenv("AMM_PROGRAM_ID"); v != "" {
		cfg.Solana.ProgramID = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %w", err)
		}
		cfg.Redis.Port = port
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Stream
	if v := os.Getenv("OBSERVATION_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OBSERVATION_WINDOW: %w", err)
		}
		cfg.Stream.ObservationWindow = d
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks that the configuration can start the streamer.
func (c *Config) Validate() error {
	if c.Solana.WSEndpoint == "" {
		return fmt.Errorf("%w: ws endpoint is required", ErrInvalid)
	}
	if c.Solana.RPCEndpoint == "" {
		return fmt.Errorf("%w: rpc endpoint is required", ErrInvalid)
	}
	switch c.Solana.Commitment {
	case solana.CommitmentProcessed, solana.CommitmentConfirmed, solana.CommitmentFinalized:
	default:
		return fmt.Errorf("%w: unknown commitment %q", ErrInvalid, c.Solana.Commitment)
	}

	for name, key := range map[string]string{
		"amm_program_id": c.Solana.ProgramID,
		"amm_authority":  c.Solana.AMMAuthority,
		"native_mint":    c.Solana.NativeMint,
	} {
		if _, err := solana.DecodePubkey(key); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}

	if !c.Redis.Codec.Valid() {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalid, c.Redis.Codec)
	}
	if c.Topics.Pairs == "" || c.Topics.Swaps == "" || c.Topics.Burns == "" {
		return fmt.Errorf("%w: topic names must not be empty", ErrInvalid)
	}

	if c.Stream.ObservationWindow <= 0 {
		return fmt.Errorf("%w: observation_window must be positive", ErrInvalid)
	}
	if c.Stream.ReconnectAttempts <= 0 {
		return fmt.Errorf("%w: reconnect_attempts must be positive", ErrInvalid)
	}
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("%w: fetch attempts must be positive", ErrInvalid)
	}
	if c.Watchdog.Threshold <= 0 {
		return fmt.Errorf("%w: watchdog threshold must be positive", ErrInvalid)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Logging.Format)
	}
	return nil
}
