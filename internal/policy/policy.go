package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPolicyPath = ".agentdash/policy.yaml"
	EnvPrefix         = "AGENTDASH"
)

type Config struct {
	Version int `json:"version" yaml:"version" mapstructure:"version"`
	API     struct {
		BaseURL           string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
		WebSocketURL      string `json:"websocket_url" yaml:"websocket_url" mapstructure:"websocket_url"`
		RequestTimeoutSec int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	} `json:"api" yaml:"api" mapstructure:"api"`
	Agents struct {
		RefreshIntervalMS int `json:"refresh_interval_ms" yaml:"refresh_interval_ms" mapstructure:"refresh_interval_ms"`
		StaleAfterMS      int `json:"stale_after_ms" yaml:"stale_after_ms" mapstructure:"stale_after_ms"`
		RetryAttempts     int `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
		RetryDelayMS      int `json:"retry_delay_ms" yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
		DetailCacheSize   int `json:"detail_cache_size" yaml:"detail_cache_size" mapstructure:"detail_cache_size"`
	} `json:"agents" yaml:"agents" mapstructure:"agents"`
	LiveUpdates struct {
		BaseDelayMS int `json:"base_delay_ms" yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
		MaxDelayMS  int `json:"max_delay_ms" yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
		MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	} `json:"live_updates" yaml:"live_updates" mapstructure:"live_updates"`
	Requirements struct {
		PollIntervalMS    int `json:"poll_interval_ms" yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
		CompletionGraceMS int `json:"completion_grace_ms" yaml:"completion_grace_ms" mapstructure:"completion_grace_ms"`
		PollTimeoutSec    int `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds" mapstructure:"poll_timeout_seconds"`
		HistoryRefreshMS  int `json:"history_refresh_ms" yaml:"history_refresh_ms" mapstructure:"history_refresh_ms"`
	} `json:"requirements" yaml:"requirements" mapstructure:"requirements"`
	Clarification struct {
		PageSize int `json:"page_size" yaml:"page_size" mapstructure:"page_size"`
	} `json:"clarification" yaml:"clarification" mapstructure:"clarification"`
	Bus struct {
		RedisURL      string `json:"redis_url" yaml:"redis_url" mapstructure:"redis_url"`
		Topic         string `json:"topic" yaml:"topic" mapstructure:"topic"`
		ConsumerGroup string `json:"consumer_group" yaml:"consumer_group" mapstructure:"consumer_group"`
	} `json:"bus" yaml:"bus" mapstructure:"bus"`
	Log struct {
		Level  string `json:"level" yaml:"level" mapstructure:"level"`
		Format string `json:"format" yaml:"format" mapstructure:"format"`
	} `json:"log" yaml:"log" mapstructure:"log"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.API.BaseURL = "http://localhost:8000/api"
	cfg.API.WebSocketURL = "ws://localhost:8000/ws"
	cfg.API.RequestTimeoutSec = 15
	cfg.Agents.RefreshIntervalMS = 5000
	cfg.Agents.StaleAfterMS = 30000
	cfg.Agents.RetryAttempts = 2
	cfg.Agents.RetryDelayMS = 1000
	cfg.Agents.DetailCacheSize = 256
	cfg.LiveUpdates.BaseDelayMS = 1000
	cfg.LiveUpdates.MaxDelayMS = 30000
	cfg.LiveUpdates.MaxAttempts = 5
	cfg.Requirements.PollIntervalMS = 2000
	cfg.Requirements.CompletionGraceMS = 3000
	cfg.Requirements.PollTimeoutSec = 600
	cfg.Requirements.HistoryRefreshMS = 10000
	cfg.Clarification.PageSize = 5
	cfg.Bus.Topic = "agent-events"
	cfg.Bus.ConsumerGroup = "agentdash"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads the policy file at path (DefaultPolicyPath when empty) and
// applies AGENTDASH_* environment overrides. A missing file yields defaults.
func Load(path string) (Config, string, error) {
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}

	v := newViper(Default())
	if _, err := os.Stat(finalPath); err == nil {
		v.SetConfigFile(finalPath)
		if err := v.ReadInConfig(); err != nil {
			return Default(), finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
		}
	} else if !os.IsNotExist(err) {
		return Default(), finalPath, fmt.Errorf("stat policy %s: %w", finalPath, err)
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func newViper(defaults Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("version", defaults.Version)
	v.SetDefault("api.base_url", defaults.API.BaseURL)
	v.SetDefault("api.websocket_url", defaults.API.WebSocketURL)
	v.SetDefault("api.request_timeout_seconds", defaults.API.RequestTimeoutSec)
	v.SetDefault("agents.refresh_interval_ms", defaults.Agents.RefreshIntervalMS)
	v.SetDefault("agents.stale_after_ms", defaults.Agents.StaleAfterMS)
	v.SetDefault("agents.retry_attempts", defaults.Agents.RetryAttempts)
	v.SetDefault("agents.retry_delay_ms", defaults.Agents.RetryDelayMS)
	v.SetDefault("agents.detail_cache_size", defaults.Agents.DetailCacheSize)
	v.SetDefault("live_updates.base_delay_ms", defaults.LiveUpdates.BaseDelayMS)
	v.SetDefault("live_updates.max_delay_ms", defaults.LiveUpdates.MaxDelayMS)
	v.SetDefault("live_updates.max_attempts", defaults.LiveUpdates.MaxAttempts)
	v.SetDefault("requirements.poll_interval_ms", defaults.Requirements.PollIntervalMS)
	v.SetDefault("requirements.completion_grace_ms", defaults.Requirements.CompletionGraceMS)
	v.SetDefault("requirements.poll_timeout_seconds", defaults.Requirements.PollTimeoutSec)
	v.SetDefault("requirements.history_refresh_ms", defaults.Requirements.HistoryRefreshMS)
	v.SetDefault("clarification.page_size", defaults.Clarification.PageSize)
	v.SetDefault("bus.redis_url", defaults.Bus.RedisURL)
	v.SetDefault("bus.topic", defaults.Bus.Topic)
	v.SetDefault("bus.consumer_group", defaults.Bus.ConsumerGroup)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	return v
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if err := validateURL(cfg.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if err := validateURL(cfg.API.WebSocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("api.websocket_url: %w", err)
	}
	if cfg.API.RequestTimeoutSec <= 0 {
		return fmt.Errorf("api.request_timeout_seconds must be > 0")
	}
	if cfg.Agents.RefreshIntervalMS <= 0 || cfg.Agents.StaleAfterMS <= 0 {
		return fmt.Errorf("agents intervals must be > 0")
	}
	if cfg.Agents.RetryAttempts < 1 || cfg.Agents.RetryAttempts > 5 {
		return fmt.Errorf("agents.retry_attempts must be between 1 and 5")
	}
	if cfg.Agents.RetryDelayMS < 0 {
		return fmt.Errorf("agents.retry_delay_ms must be >= 0")
	}
	if cfg.Agents.DetailCacheSize <= 0 {
		return fmt.Errorf("agents.detail_cache_size must be > 0")
	}
	if cfg.LiveUpdates.BaseDelayMS <= 0 || cfg.LiveUpdates.MaxDelayMS <= 0 {
		return fmt.Errorf("live_updates delays must be > 0")
	}
	if cfg.LiveUpdates.MaxDelayMS < cfg.LiveUpdates.BaseDelayMS {
		return fmt.Errorf("live_updates.max_delay_ms must be >= base_delay_ms")
	}
	if cfg.LiveUpdates.MaxAttempts < 0 {
		return fmt.Errorf("live_updates.max_attempts must be >= 0")
	}
	if cfg.Requirements.PollIntervalMS <= 0 || cfg.Requirements.CompletionGraceMS < 0 {
		return fmt.Errorf("requirements poll interval must be > 0 and grace >= 0")
	}
	if cfg.Requirements.PollTimeoutSec <= 0 || cfg.Requirements.HistoryRefreshMS <= 0 {
		return fmt.Errorf("requirements timeouts must be > 0")
	}
	if cfg.Clarification.PageSize <= 0 {
		return fmt.Errorf("clarification.page_size must be > 0")
	}
	if strings.TrimSpace(cfg.Bus.Topic) == "" {
		return fmt.Errorf("bus.topic cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text|json")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			if parsed.Host == "" {
				return fmt.Errorf("host is required")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "|"))
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSec) * time.Second
}

func (c Config) AgentRefreshInterval() time.Duration {
	return Millis(c.Agents.RefreshIntervalMS)
}

func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Requirements.PollTimeoutSec) * time.Second
}
