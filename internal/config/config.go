// Package config loads the daemon's YAML configuration, grounded on the
// teacher's internal/config/config.go (LoadConfig reading + unmarshaling
// a single Config struct) and internal/config/loader.go's env-override
// layering, adapted to yaml.v3.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects and configures the repository backend.
type DatabaseConfig struct {
	Driver           string `yaml:"driver"` // "postgres" or "memory"
	ConnectionString string `yaml:"connection_string"`
}

// RedisConfig configures the best-effort cross-process lease.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// KafkaConfig configures the notification fan-out bus.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ProviderConfig configures one LLM provider's credentials and default
// model.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model,omitempty"`
}

// LLMConfig selects the active provider and holds all providers' keys.
type LLMConfig struct {
	Provider  string         `yaml:"provider"` // "anthropic", "openai", "gemini"
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// WorkerConfig tunes the conversation/task polling loops.
type WorkerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	ClaimLeaseSeconds int           `yaml:"claim_lease_seconds"`
	MaxRetries        int           `yaml:"max_retries"`
}

// Config is the top-level daemon configuration.
type Config struct {
	LogLevel      string         `yaml:"log_level"`
	LogPath       string         `yaml:"log_path,omitempty"`
	EncryptionKey string         `yaml:"encryption_key"`
	Database      DatabaseConfig `yaml:"database"`
	Redis         RedisConfig    `yaml:"redis,omitempty"`
	Kafka         KafkaConfig    `yaml:"kafka,omitempty"`
	LLM           LLMConfig      `yaml:"llm"`
	Conversations WorkerConfig   `yaml:"conversations"`
	Tasks         WorkerConfig   `yaml:"tasks"`
}

// Load reads filename, unmarshals it into a Config, applies
// AGENTLOOP_*-prefixed environment overrides, and fills in defaults.
func Load(filename string) (*Config, error) {
	_ = godotenv.Overload()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", filename, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	log.Info().Str("path", filename).Msg("config loaded")
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTLOOP_DATABASE_DSN"); v != "" {
		cfg.Database.ConnectionString = v
	}
	if v := os.Getenv("AGENTLOOP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AGENTLOOP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("AGENTLOOP_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("AGENTLOOP_ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("AGENTLOOP_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("AGENTLOOP_GEMINI_API_KEY"); v != "" {
		cfg.LLM.Gemini.APIKey = v
	}
	if v := os.Getenv("AGENTLOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTLOOP_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conversations.MaxConcurrency = n
			cfg.Tasks.MaxConcurrency = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "agentloop.notifications"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	setWorkerDefaults(&cfg.Conversations)
	setWorkerDefaults(&cfg.Tasks)
}

func setWorkerDefaults(w *WorkerConfig) {
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.MaxConcurrency <= 0 {
		w.MaxConcurrency = 4
	}
	if w.ClaimLeaseSeconds <= 0 {
		w.ClaimLeaseSeconds = 300
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
}
