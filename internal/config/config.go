// Package config собирает конфигурацию сервиса.
//
// Порядок приоритета: значения по умолчанию, затем YAML-файл из
// FLOWSTREAM_CONFIG, затем переменные окружения.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Flowstream/internal/browseruse"
	"github.com/shaiso/Flowstream/internal/mq"
	"github.com/shaiso/Flowstream/internal/orchestrator"
	"github.com/shaiso/Flowstream/internal/repo"
)

// Режимы транспорта потока.
const (
	StreamModeSSE  = "sse"
	StreamModePoll = "poll"
)

// Драйверы хранилища.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// ErrInvalidConfig: конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Config: конфигурация flowstream-orchestrator.
type Config struct {
	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`
	RabbitMQURL string `yaml:"rabbitmq_url"`

	BrowserUse BrowserUseConfig `yaml:"browser_use"`
	Stream     StreamConfig     `yaml:"stream"`

	RefreshSchedule string        `yaml:"refresh_schedule"`
	Retention       time.Duration `yaml:"retention"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	APIPort string `yaml:"api_port"`
}

// BrowserUseConfig: параметры удалённого сервиса.
type BrowserUseConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	CreateRateLimit float64 `yaml:"create_rate_limit"`
}

// StreamConfig: параметры транспорта потоков.
type StreamConfig struct {
	Mode         string        `yaml:"mode"`
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default возвращает конфигурацию для локальной разработки.
func Default() Config {
	return Config{
		StoreDriver: StoreDriverPostgres,
		DatabaseURL: repo.DefaultDSN,
		RabbitMQURL: mq.DefaultURL,
		BrowserUse: BrowserUseConfig{
			BaseURL:         browseruse.DefaultBaseURL,
			CreateRateLimit: 5,
		},
		Stream: StreamConfig{
			Mode:         StreamModePoll,
			PollInterval: browseruse.DefaultPollInterval,
		},
		RefreshSchedule: orchestrator.DefaultRefreshSchedule,
		Retention:       time.Hour,
		WriteTimeout:    5 * time.Second,
		APIPort:         "8080",
	}
}

// Load читает конфигурацию из окружения процесса.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom читает конфигурацию через getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()

	if path := getenv("FLOWSTREAM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.StoreDriver, "STORE_DRIVER")
	setString(&c.DatabaseURL, "DB_URL")
	setString(&c.RabbitMQURL, "RABBITMQ_URL")
	setString(&c.BrowserUse.APIKey, "BROWSER_USE_API_KEY")
	setString(&c.BrowserUse.BaseURL, "BROWSER_USE_API_BASE_URL")
	setString(&c.Stream.Mode, "STREAM_MODE")
	setString(&c.Stream.BaseURL, "STREAM_BASE_URL")
	setString(&c.RefreshSchedule, "REFRESH_SCHEDULE")
	setString(&c.APIPort, "API_PORT")

	if v := getenv("CREATE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: CREATE_RATE_LIMIT: %v", ErrInvalidConfig, err)
		}
		c.BrowserUse.CreateRateLimit = f
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STREAM_POLL_INTERVAL", &c.Stream.PollInterval},
		{"TASK_RETENTION", &c.Retention},
		{"STORE_WRITE_TIMEOUT", &c.WriteTimeout},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate проверяет обязательные значения.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_URL is required for postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.BrowserUse.APIKey == "" {
		errs = append(errs, errors.New("BROWSER_USE_API_KEY is required"))
	}

	switch c.Stream.Mode {
	case StreamModeSSE:
		if c.Stream.BaseURL == "" {
			errs = append(errs, errors.New("STREAM_BASE_URL is required in sse mode"))
		}
	case StreamModePoll:
		if c.Stream.PollInterval <= 0 {
			errs = append(errs, errors.New("STREAM_POLL_INTERVAL must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STREAM_MODE %q", c.Stream.Mode))
	}

	if err := orchestrator.ValidateSchedule(c.RefreshSchedule); err != nil {
		errs = append(errs, err)
	}

	if c.BrowserUse.CreateRateLimit <= 0 {
		errs = append(errs, errors.New("CREATE_RATE_LIMIT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Addr возвращает адрес HTTP-сервера.
func (c *Config) Addr() string {
	return ":" + c.APIPort
}
