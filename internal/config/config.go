package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	Symbol     string           `yaml:"symbol"`
	HTTP       HTTPConfig       `yaml:"http"`
	Sources    SourcesConfig    `yaml:"sources"`
	Chart      ChartConfig      `yaml:"chart"`
	Cache      CacheConfig      `yaml:"cache"`
	KeyMetrics KeyMetricsConfig `yaml:"key_metrics"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SourcesConfig struct {
	AlphaVantage SourceConfig `yaml:"alpha_vantage"`
	Polygon      SourceConfig `yaml:"polygon"`
}

type SourceConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Enabled  *bool         `yaml:"enabled"`
	Priority int           `yaml:"priority"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Usable reports whether the source is enabled and has an API key.
func (s SourceConfig) Usable() bool {
	return s.Enabled != nil && *s.Enabled && strings.TrimSpace(s.APIKey) != ""
}

type ChartConfig struct {
	DefaultTimeframe string         `yaml:"default_timeframe"`
	MaxPoints        map[string]int `yaml:"max_points"`
}

type CacheConfig struct {
	Validity   time.Duration `yaml:"validity"`
	Persist    *bool         `yaml:"persist"`
	SQLitePath string        `yaml:"sqlite_path"`
}

func (c CacheConfig) PersistValue() bool {
	return c.Persist != nil && *c.Persist
}

type KeyMetricsConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Schedule      string  `yaml:"schedule"`
	TreasuryRatio float64 `yaml:"treasury_ratio"`
}

func (k KeyMetricsConfig) EnabledValue() bool {
	return k.Enabled != nil && *k.Enabled
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	Cooldown               time.Duration `yaml:"cooldown"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

var knownTimeframes = []string{"1D", "5D", "1M", "3M"}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "ATON"
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = "127.0.0.1:8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 5 * time.Second
	}
	sourceDefaults(&cfg.Sources.AlphaVantage, "https://www.alphavantage.co/query", 1)
	sourceDefaults(&cfg.Sources.Polygon, "https://api.polygon.io/v2", 2)
	if cfg.Chart.DefaultTimeframe == "" {
		cfg.Chart.DefaultTimeframe = "1D"
	}
	cfg.Chart.DefaultTimeframe = strings.ToUpper(cfg.Chart.DefaultTimeframe)
	if cfg.Chart.MaxPoints == nil {
		cfg.Chart.MaxPoints = make(map[string]int)
	}
	for tf, n := range map[string]int{"1D": 78, "5D": 5, "1M": 30, "3M": 90} {
		if _, ok := cfg.Chart.MaxPoints[tf]; !ok {
			cfg.Chart.MaxPoints[tf] = n
		}
	}
	if cfg.Cache.Validity == 0 {
		cfg.Cache.Validity = 30 * time.Minute
	}
	if cfg.Cache.Persist == nil {
		enabled := true
		cfg.Cache.Persist = &enabled
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = "data/ir-quote-feed.db"
	}
	if cfg.KeyMetrics.Enabled == nil {
		enabled := true
		cfg.KeyMetrics.Enabled = &enabled
	}
	if cfg.KeyMetrics.Schedule == "" {
		cfg.KeyMetrics.Schedule = "@every 5m"
	}
	if cfg.KeyMetrics.TreasuryRatio == 0 {
		cfg.KeyMetrics.TreasuryRatio = 0.15
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.Cooldown == 0 {
		cfg.Telegram.Cooldown = 15 * time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func sourceDefaults(src *SourceConfig, baseURL string, priority int) {
	if src.BaseURL == "" {
		src.BaseURL = baseURL
	}
	if src.Enabled == nil {
		enabled := true
		src.Enabled = &enabled
	}
	if src.Priority == 0 {
		src.Priority = priority
	}
	if src.Timeout == 0 {
		src.Timeout = 10 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("QUOTES_SYMBOL")); v != "" {
		cfg.Symbol = v
	}
	if v := strings.TrimSpace(os.Getenv("QUOTES_ALPHA_VANTAGE_API_KEY")); v != "" {
		cfg.Sources.AlphaVantage.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("QUOTES_POLYGON_API_KEY")); v != "" {
		cfg.Sources.Polygon.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("QUOTES_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("QUOTES_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("QUOTES_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	if !isKnownTimeframe(cfg.Chart.DefaultTimeframe) {
		return fmt.Errorf("chart.default_timeframe %q is not one of %v", cfg.Chart.DefaultTimeframe, knownTimeframes)
	}
	for tf, n := range cfg.Chart.MaxPoints {
		if !isKnownTimeframe(tf) {
			return fmt.Errorf("chart.max_points has unknown timeframe %q", tf)
		}
		if n <= 0 {
			return fmt.Errorf("chart.max_points[%s] must be > 0", tf)
		}
	}
	if cfg.Cache.Validity <= 0 {
		return errors.New("cache.validity must be > 0")
	}
	if !cfg.Sources.AlphaVantage.Usable() && !cfg.Sources.Polygon.Usable() {
		return errors.New("at least one source must be enabled with an api_key")
	}
	for name, src := range map[string]SourceConfig{"alpha_vantage": cfg.Sources.AlphaVantage, "polygon": cfg.Sources.Polygon} {
		if src.Timeout < 0 {
			return fmt.Errorf("sources.%s.timeout must be >= 0", name)
		}
	}
	if cfg.KeyMetrics.TreasuryRatio < 0 {
		return errors.New("key_metrics.treasury_ratio must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Telegram.OperatorPollInterval < 0 {
		return errors.New("telegram.operator_poll_interval must be >= 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func isKnownTimeframe(tf string) bool {
	for _, known := range knownTimeframes {
		if tf == known {
			return true
		}
	}
	return false
}
