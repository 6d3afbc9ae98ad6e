// Package config loads agent and server configuration: struct defaults, an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"example.com/fitsync/internal/logging"
)

// Environment prefixes. A double underscore separates nesting levels:
// FITSYNC_REMOTE__BASE_URL sets remote.base_url.
const (
	AgentEnvPrefix  = "FITSYNC_"
	ServerEnvPrefix = "SYNCSERVER_"
)

// Agent configures the on-device sync agent.
type Agent struct {
	AccountID    string             `koanf:"account_id" validate:"required"`
	Store        StoreConfig        `koanf:"store"`
	Remote       RemoteConfig       `koanf:"remote"`
	Sync         SyncConfig         `koanf:"sync"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	HTTP         HTTPConfig         `koanf:"http"`
	Log          logging.Config     `koanf:"log"`
}

type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// RemoteConfig mirrors remote.Config plus the bearer token.
type RemoteConfig struct {
	BaseURL          string        `koanf:"base_url" validate:"required,url"`
	ProbeURL         string        `koanf:"probe_url" validate:"omitempty,url"`
	Token            string        `koanf:"token"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout" validate:"gt=0"`
	MaxRetries       uint64        `koanf:"max_retries" validate:"lte=10"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
	IdempotentCreate bool          `koanf:"idempotent_create"`
	RateLimit        float64       `koanf:"rate_limit" validate:"gte=0"`
	RateBurst        int           `koanf:"rate_burst" validate:"gte=0"`
	BreakerFailures  uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type SyncConfig struct {
	Interval       time.Duration `koanf:"interval" validate:"gte=1s"`
	PageSize       int           `koanf:"page_size" validate:"gte=1,lte=1000"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1"`
	HistoryHorizon time.Duration `koanf:"history_horizon" validate:"gte=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	// RequireNetwork gates the periodic job on the connectivity monitor.
	RequireNetwork bool `koanf:"require_network"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"gt=0"`
}

// HTTPConfig configures a listener; an empty address disables it.
type HTTPConfig struct {
	Address         string        `koanf:"address"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// Server configures the reference backend.
type Server struct {
	HTTP          HTTPConfig     `koanf:"http"`
	JWT           JWTConfig      `koanf:"jwt"`
	Storage       StorageConfig  `koanf:"storage"`
	Kafka         KafkaConfig    `koanf:"kafka"`
	CheckpointLag time.Duration  `koanf:"checkpoint_lag" validate:"gte=0"`
	MaxPageSize   int            `koanf:"max_page_size" validate:"gte=1"`
	Log           logging.Config `koanf:"log"`
}

type JWTConfig struct {
	Secret string `koanf:"secret" validate:"required,min=16"`
	Issuer string `koanf:"issuer" validate:"required"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver" validate:"oneof=memory postgres"`
	PostgresURL string `koanf:"postgres_url" validate:"required_if=Driver postgres"`
}

// KafkaConfig drives the change-feed dispatcher; it only runs with the
// postgres driver and at least one broker.
type KafkaConfig struct {
	Brokers      []string      `koanf:"brokers"`
	Topic        string        `koanf:"topic" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize    int           `koanf:"batch_size" validate:"gte=1"`
	MaxRetries   int           `koanf:"max_retries" validate:"gte=0"`
	BaseDelay    time.Duration `koanf:"base_delay" validate:"gt=0"`
	// ConsumerGroup, when set, also consumes the topic into the change_log
	// audit table.
	ConsumerGroup string `koanf:"consumer_group"`
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() Agent {
	return Agent{
		AccountID: "local",
		Store:     StoreConfig{Path: "fitsync.db"},
		Remote: RemoteConfig{
			BaseURL:          "http://localhost:8080/v1",
			Timeout:          15 * time.Second,
			ProbeTimeout:     5 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   200 * time.Millisecond,
			IdempotentCreate: true,
			BreakerFailures:  5,
			BreakerTimeout:   30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:       15 * time.Minute,
			PageSize:       100,
			MaxAttempts:    10,
			RetryBaseDelay: 30 * time.Second,
			RetryMaxDelay:  10 * time.Minute,
			RequireNetwork: true,
		},
		Connectivity: ConnectivityConfig{ProbeInterval: 30 * time.Second},
		HTTP:         HTTPConfig{Address: "127.0.0.1:7070", ShutdownTimeout: 5 * time.Second},
		Log:          loggingDefaults(),
	}
}

// DefaultServer returns the server defaults.
func DefaultServer() Server {
	return Server{
		HTTP: HTTPConfig{Address: ":8080", ShutdownTimeout: 10 * time.Second},
		JWT: JWTConfig{
			Secret: "dev-secret-change-me",
			Issuer: "fitsync.dev",
		},
		Storage: StorageConfig{Driver: "memory"},
		Kafka: KafkaConfig{
			Topic:        "fitsync.changes",
			PollInterval: 2 * time.Second,
			BatchSize:    25,
			MaxRetries:   5,
			BaseDelay:    time.Minute,
		},
		CheckpointLag: time.Second,
		MaxPageSize:   500,
		Log:           loggingDefaults(),
	}
}

func loggingDefaults() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Output = nil
	return cfg
}

// LoadAgent loads the agent configuration. path may be empty; otherwise
// FITSYNC_CONFIG names the YAML file.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		path = os.Getenv(AgentEnvPrefix + "CONFIG")
	}
	if err := load(&cfg, path, AgentEnvPrefix, nil); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

// LoadServer loads the server configuration. path may be empty; otherwise
// SYNCSERVER_CONFIG names the YAML file.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		path = os.Getenv(ServerEnvPrefix + "CONFIG")
	}
	if err := load(&cfg, path, ServerEnvPrefix, []string{"kafka.brokers"}); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func load[T any](cfg *T, path, prefix string, slicePaths []string) error {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(*cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(prefix, ".", envKey(prefix)), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if err := splitSlices(k, slicePaths); err != nil {
		return err
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// envKey maps FITSYNC_REMOTE__BASE_URL to remote.base_url. The config file
// variable itself is not a setting.
func envKey(prefix string) func(string) string {
	return func(key string) string {
		key = strings.TrimPrefix(key, prefix)
		if key == "CONFIG" {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}
}

func splitSlices(k *koanf.Koanf, paths []string) error {
	for _, path := range paths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
