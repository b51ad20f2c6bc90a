package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinScheduleIntervalSeconds is the smallest accepted schedule interval.
	MinScheduleIntervalSeconds = 10

	envPrefix = "GAINSCAN"
)

// Settings holds the engine-facing keys. They are top-level YAML keys and are
// the only values that may be changed while the process runs.
type Settings struct {
	MinChangePercent        float64 `yaml:"min_change_percent" json:"min_change_percent"`
	LiquidityThresholdUSDT  float64 `yaml:"liquidity_threshold_usdt" json:"liquidity_threshold_usdt"`
	MaxAnalyzeSymbols       int     `yaml:"max_analyze_symbols" json:"max_analyze_symbols"`
	CacheExpirySeconds      int     `yaml:"cache_expiry_seconds" json:"cache_expiry_seconds"`
	RequestDelaySeconds     float64 `yaml:"request_delay_seconds" json:"request_delay_seconds"`
	ScheduleEnabled         bool    `yaml:"schedule_enabled" json:"schedule_enabled"`
	ScheduleIntervalSeconds int     `yaml:"schedule_interval_seconds" json:"schedule_interval_seconds"`
	NotifyOnChange          bool    `yaml:"notify_on_change" json:"notify_on_change"`
	NotifyOnComplete        bool    `yaml:"notify_on_complete" json:"notify_on_complete"`
}

// MinFraction converts the percent threshold into a gain fraction.
func (s Settings) MinFraction() float64 {
	return s.MinChangePercent / 100
}

// CacheExpiry returns the instrument cache TTL.
func (s Settings) CacheExpiry() time.Duration {
	return time.Duration(s.CacheExpirySeconds) * time.Second
}

// RequestDelay returns the pause between per-symbol fetches.
func (s Settings) RequestDelay() time.Duration {
	return time.Duration(s.RequestDelaySeconds * float64(time.Second))
}

// ScheduleInterval returns the pause between scheduled cycles.
func (s Settings) ScheduleInterval() time.Duration {
	return time.Duration(s.ScheduleIntervalSeconds) * time.Second
}

// Validate enforces the input rules for the engine keys.
func (s Settings) Validate() error {
	if s.MinChangePercent <= 0 {
		return fmt.Errorf("min_change_percent must be greater than 0")
	}
	if s.LiquidityThresholdUSDT < 0 {
		return fmt.Errorf("liquidity_threshold_usdt must not be negative")
	}
	if s.MaxAnalyzeSymbols <= 0 {
		return fmt.Errorf("max_analyze_symbols must be greater than 0")
	}
	if s.CacheExpirySeconds <= 0 {
		return fmt.Errorf("cache_expiry_seconds must be greater than 0")
	}
	if s.RequestDelaySeconds < 0 {
		return fmt.Errorf("request_delay_seconds must not be negative")
	}
	if s.ScheduleIntervalSeconds < MinScheduleIntervalSeconds {
		return fmt.Errorf("schedule_interval_seconds must be at least %d", MinScheduleIntervalSeconds)
	}
	return nil
}

// DefaultSettings mirrors the values the scanner ships with.
func DefaultSettings() Settings {
	return Settings{
		MinChangePercent:        100,
		LiquidityThresholdUSDT:  1_000_000,
		MaxAnalyzeSymbols:       500,
		CacheExpirySeconds:      3600,
		RequestDelaySeconds:     0.15,
		ScheduleEnabled:         false,
		ScheduleIntervalSeconds: 7200,
		NotifyOnChange:          true,
		NotifyOnComplete:        true,
	}
}

type Config struct {
	Settings `yaml:",inline"`

	App       AppConfig       `yaml:"app"`
	Engine    EngineConfig    `yaml:"engine"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// EngineConfig tunes the analysis engine beyond the runtime settings.
type EngineConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	ResultOrder       string        `yaml:"result_order"`
	LiquidityOrder    string        `yaml:"liquidity_order"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	SleepSlice        time.Duration `yaml:"sleep_slice"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type StorageConfig struct {
	Cache   CacheConfig   `yaml:"cache"`
	History HistoryConfig `yaml:"history"`
	S3      S3Config      `yaml:"s3"`
}

// CacheConfig selects where the instrument universe is persisted.
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type HistoryConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	KeepCount int    `yaml:"keep_count"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type NotifyConfig struct {
	CompleteTitle string           `yaml:"complete_title"`
	CompleteBody  string           `yaml:"complete_body"`
	Log           bool             `yaml:"log"`
	ServerChan    ServerChanConfig `yaml:"serverchan"`
}

type ServerChanConfig struct {
	Enabled bool          `yaml:"enabled"`
	Key     string        `yaml:"key"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// envOverrides lists the values that may be supplied through GAINSCAN_* variables.
type envOverrides struct {
	MinChangePercent        *float64 `envconfig:"MIN_CHANGE_PERCENT"`
	LiquidityThresholdUSDT  *float64 `envconfig:"LIQUIDITY_THRESHOLD_USDT"`
	MaxAnalyzeSymbols       *int     `envconfig:"MAX_ANALYZE_SYMBOLS"`
	CacheExpirySeconds      *int     `envconfig:"CACHE_EXPIRY_SECONDS"`
	RequestDelaySeconds     *float64 `envconfig:"REQUEST_DELAY_SECONDS"`
	ScheduleEnabled         *bool    `envconfig:"SCHEDULE_ENABLED"`
	ScheduleIntervalSeconds *int     `envconfig:"SCHEDULE_INTERVAL_SECONDS"`
	NotifyOnChange          *bool    `envconfig:"NOTIFY_ON_CHANGE"`
	NotifyOnComplete        *bool    `envconfig:"NOTIFY_ON_COMPLETE"`
	ServerChanKey           string   `envconfig:"SERVERCHAN_KEY"`
	HistoryDSN              string   `envconfig:"HISTORY_DSN"`
	RedisPassword           string   `envconfig:"REDIS_PASSWORD"`
}

// Default returns a configuration populated with every default value.
func Default() Config {
	return Config{
		Settings: DefaultSettings(),
		App: AppConfig{
			Name:    "gainscan",
			Version: "dev",
		},
		Engine: EngineConfig{
			MaxConcurrency:    1,
			ResultOrder:       "none",
			LiquidityOrder:    "snapshot",
			HeartbeatInterval: 5 * time.Minute,
			StopTimeout:       5 * time.Second,
			SleepSlice:        10 * time.Second,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				BaseURL: "https://fapi.binance.com",
				Timeout: 15 * time.Second,
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    4,
					MaxConnsPerHost: 4,
					IdleConnTimeout: 90 * time.Second,
				},
			},
		},
		Storage: StorageConfig{
			Cache: CacheConfig{
				Backend: "file",
				Path:    "exchange_info_cache.json",
				Redis:   RedisConfig{Addr: "localhost:6379", Key: "gainscan:exchange_info"},
			},
			History: HistoryConfig{
				Backend:   "file",
				Path:      "analysis_history.json",
				KeepCount: 100,
			},
		},
		Notify: NotifyConfig{
			CompleteTitle: "Analysis complete",
			CompleteBody:  "Found {count} matching contracts",
			Log:           true,
			ServerChan: ServerChanConfig{
				Enabled: true,
				URL:     "https://sctapi.ftqq.com",
				Timeout: 10 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "GainScan"},
		},
		Dashboard: DashboardConfig{
			Address:        "127.0.0.1:8080",
			LogHistory:     200,
			MetricsHistory: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return err
	}

	if env.MinChangePercent != nil {
		cfg.MinChangePercent = *env.MinChangePercent
	}
	if env.LiquidityThresholdUSDT != nil {
		cfg.LiquidityThresholdUSDT = *env.LiquidityThresholdUSDT
	}
	if env.MaxAnalyzeSymbols != nil {
		cfg.MaxAnalyzeSymbols = *env.MaxAnalyzeSymbols
	}
	if env.CacheExpirySeconds != nil {
		cfg.CacheExpirySeconds = *env.CacheExpirySeconds
	}
	if env.RequestDelaySeconds != nil {
		cfg.RequestDelaySeconds = *env.RequestDelaySeconds
	}
	if env.ScheduleEnabled != nil {
		cfg.ScheduleEnabled = *env.ScheduleEnabled
	}
	if env.ScheduleIntervalSeconds != nil {
		cfg.ScheduleIntervalSeconds = *env.ScheduleIntervalSeconds
	}
	if env.NotifyOnChange != nil {
		cfg.NotifyOnChange = *env.NotifyOnChange
	}
	if env.NotifyOnComplete != nil {
		cfg.NotifyOnComplete = *env.NotifyOnComplete
	}
	if env.ServerChanKey != "" {
		cfg.Notify.ServerChan.Key = strings.TrimSpace(env.ServerChanKey)
	}
	if env.HistoryDSN != "" {
		cfg.Storage.History.DSN = strings.TrimSpace(env.HistoryDSN)
	}
	if env.RedisPassword != "" {
		cfg.Storage.Cache.Redis.Password = env.RedisPassword
	}

	// Override S3 settings from environment variables if available
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if err := cfg.Settings.Validate(); err != nil {
		return err
	}

	if cfg.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be greater than 0")
	}
	switch cfg.Engine.ResultOrder {
	case "none", "conditions":
	default:
		return fmt.Errorf("engine.result_order '%s' is invalid", cfg.Engine.ResultOrder)
	}
	switch cfg.Engine.LiquidityOrder {
	case "snapshot", "volume":
	default:
		return fmt.Errorf("engine.liquidity_order '%s' is invalid", cfg.Engine.LiquidityOrder)
	}
	if cfg.Engine.HeartbeatInterval <= 0 {
		return fmt.Errorf("engine.heartbeat_interval must be greater than 0")
	}
	if cfg.Engine.SleepSlice <= 0 || cfg.Engine.SleepSlice > 10*time.Second {
		return fmt.Errorf("engine.sleep_slice must be within (0s, 10s]")
	}

	switch cfg.Storage.Cache.Backend {
	case "file":
		if cfg.Storage.Cache.Path == "" {
			return fmt.Errorf("storage.cache.path is required for the file backend")
		}
	case "redis":
		if cfg.Storage.Cache.Redis.Addr == "" {
			return fmt.Errorf("storage.cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.cache.backend '%s' is invalid", cfg.Storage.Cache.Backend)
	}

	switch cfg.Storage.History.Backend {
	case "file", "memory":
	case "postgres":
		if cfg.Storage.History.DSN == "" {
			return fmt.Errorf("storage.history.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.history.backend '%s' is invalid", cfg.Storage.History.Backend)
	}
	if cfg.Storage.History.KeepCount <= 0 {
		return fmt.Errorf("storage.history.keep_count must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if !strings.Contains(cfg.Notify.CompleteBody, "{count}") {
		return fmt.Errorf("notify.complete_body must contain the {count} placeholder")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
