package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// Default values applied when fields are absent from every source.
const (
	DefaultAuthPath        = "/auth"
	DefaultSinglePath      = "/send"
	DefaultBulkPath        = "/send/bulk"
	DefaultTokenSkew       = 30 * time.Second
	DefaultTokenTTL        = 24 * time.Hour
	DefaultConnectTimeout  = 3 * time.Second
	DefaultSingleTimeout   = 10 * time.Second
	DefaultBulkTimeout     = 15 * time.Second
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffCap      = 8 * time.Second
	DefaultJitter          = 0.1
	DefaultBatchSize       = types.MaxBatchSize
	DefaultReloadEveryRows = 10000
	DefaultReloadInterval  = 5 * time.Second
	DefaultLogEveryRows    = 10000
	DefaultS3Prefix        = "bannerpush/"
)

// Environment variables read by Load.
const (
	EnvBaseURL    = "BASE_URL"
	EnvProjectKey = "PROJECT_KEY"
	EnvMinAge     = "MIN_AGE"
	EnvMaxAge     = "MAX_AGE"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config is the static configuration of one connector run.
// Fields map 1:1 to connector.example.yaml.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	HTTP     HTTPConfig     `yaml:"http"`
	Retry    RetryConfig    `yaml:"retry"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Bounds   BoundsConfig   `yaml:"bounds"`
	Report   ReportConfig   `yaml:"report"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig locates the remote API.
type APIConfig struct {
	// BaseURL is the scheme://host[:port] prefix of every endpoint.
	BaseURL string `yaml:"base_url"`

	// ProjectKey is exchanged for an access token at AuthPath.
	ProjectKey string `yaml:"project_key"`

	AuthPath   string `yaml:"auth_path"`
	SinglePath string `yaml:"single_path"`
	BulkPath   string `yaml:"bulk_path"`
}

// AuthConfig tunes the token cache.
type AuthConfig struct {
	// Skew is subtracted from the token expiry so a token is never used
	// in its last moments.
	Skew time.Duration `yaml:"skew"`

	// DefaultTTL applies when neither the response nor the token itself
	// carries an expiry.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// HTTPConfig holds dial and per-request timeouts.
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SingleTimeout  time.Duration `yaml:"single_timeout"`
	BulkTimeout    time.Duration `yaml:"bulk_timeout"`

	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this against test endpoints.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RetryConfig is the retry policy for 429, 5xx and transport errors.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Jitter      float64       `yaml:"jitter"`
}

// PipelineConfig controls batching and the per-row cadences.
type PipelineConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	ReloadEveryRows int           `yaml:"reload_every_rows"`
	ReloadInterval  time.Duration `yaml:"reload_interval"`
	LogEveryRows    int           `yaml:"log_every_rows"`

	// FailOnInvalid makes any invalid row turn the exit status non-zero.
	FailOnInvalid bool `yaml:"fail_on_invalid"`
}

// BoundsConfig holds the age bounds and the live-reloaded bounds file.
type BoundsConfig struct {
	File   string `yaml:"file"`
	MinAge int    `yaml:"min_age"`
	MaxAge int    `yaml:"max_age"`
	Watch  bool   `yaml:"watch"`
}

// ReportConfig enables the end-of-run artifacts.
type ReportConfig struct {
	// DeadLetterFile receives one JSON line per rejected or failed record.
	// A ".gz" suffix gzips the file.
	DeadLetterFile string `yaml:"dead_letter_file"`

	// S3Bucket, when set, receives a copy of the dead-letter file.
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`

	// MetricsFile receives run counters in Prometheus text format.
	MetricsFile string `yaml:"metrics_file"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Bounds returns the configured age bounds.
func (b BoundsConfig) Bounds() types.Bounds {
	return types.Bounds{MinAge: b.MinAge, MaxAge: b.MaxAge}
}

// Overrides carries values set explicitly on the command line. A nil field
// leaves the lower-precedence value in place.
type Overrides struct {
	BaseURL        *string
	ProjectKey     *string
	MinAge         *int
	MaxAge         *int
	BoundsFile     *string
	ConnectTimeout *time.Duration
	SingleTimeout  *time.Duration
	BulkTimeout    *time.Duration
	MaxRetries     *int
	BackoffBase    *time.Duration
	BackoffCap     *time.Duration
	BatchSize      *int
	ReloadEvery    *int
	ReloadInterval *time.Duration
	LogEvery       *int
	DeadLetterFile *string
	MetricsFile    *string
	LogLevel       *string
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load builds the run configuration: defaults, then the environment, then
// the optional YAML file at path, then ov. The result is validated.
func Load(path string, ov Overrides) (*Config, error) {
	cfg := defaults()
	applyEnv(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	ov.apply(cfg)
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.API.ProjectKey = strings.TrimSpace(cfg.API.ProjectKey)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		API: APIConfig{
			AuthPath:   DefaultAuthPath,
			SinglePath: DefaultSinglePath,
			BulkPath:   DefaultBulkPath,
		},
		Auth: AuthConfig{
			Skew:       DefaultTokenSkew,
			DefaultTTL: DefaultTokenTTL,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: DefaultConnectTimeout,
			SingleTimeout:  DefaultSingleTimeout,
			BulkTimeout:    DefaultBulkTimeout,
		},
		Retry: RetryConfig{
			MaxRetries:  DefaultMaxRetries,
			BackoffBase: DefaultBackoffBase,
			BackoffCap:  DefaultBackoffCap,
			Jitter:      DefaultJitter,
		},
		Pipeline: PipelineConfig{
			BatchSize:       DefaultBatchSize,
			ReloadEveryRows: DefaultReloadEveryRows,
			ReloadInterval:  DefaultReloadInterval,
			LogEveryRows:    DefaultLogEveryRows,
		},
		Bounds: BoundsConfig{
			MinAge: types.DefaultBounds.MinAge,
			MaxAge: types.DefaultBounds.MaxAge,
			Watch:  true,
		},
		Report: ReportConfig{
			S3Prefix: DefaultS3Prefix,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnv overlays the environment variables onto cfg. A malformed
// integer is logged and ignored.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvProjectKey)); v != "" {
		cfg.API.ProjectKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	cfg.Bounds.MinAge = envInt(EnvMinAge, cfg.Bounds.MinAge)
	cfg.Bounds.MaxAge = envInt(EnvMaxAge, cfg.Bounds.MaxAge)
}

func envInt(name string, fallback int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("config: invalid integer in environment, using default",
			"var", name, "value", raw, "default", fallback)
		return fallback
	}
	return n
}

func (ov Overrides) apply(cfg *Config) {
	setString(&cfg.API.BaseURL, ov.BaseURL)
	setString(&cfg.API.ProjectKey, ov.ProjectKey)
	setInt(&cfg.Bounds.MinAge, ov.MinAge)
	setInt(&cfg.Bounds.MaxAge, ov.MaxAge)
	setString(&cfg.Bounds.File, ov.BoundsFile)
	setDuration(&cfg.HTTP.ConnectTimeout, ov.ConnectTimeout)
	setDuration(&cfg.HTTP.SingleTimeout, ov.SingleTimeout)
	setDuration(&cfg.HTTP.BulkTimeout, ov.BulkTimeout)
	setInt(&cfg.Retry.MaxRetries, ov.MaxRetries)
	setDuration(&cfg.Retry.BackoffBase, ov.BackoffBase)
	setDuration(&cfg.Retry.BackoffCap, ov.BackoffCap)
	setInt(&cfg.Pipeline.BatchSize, ov.BatchSize)
	setInt(&cfg.Pipeline.ReloadEveryRows, ov.ReloadEvery)
	setDuration(&cfg.Pipeline.ReloadInterval, ov.ReloadInterval)
	setInt(&cfg.Pipeline.LogEveryRows, ov.LogEvery)
	setString(&cfg.Report.DeadLetterFile, ov.DeadLetterFile)
	setString(&cfg.Report.MetricsFile, ov.MetricsFile)
	setString(&cfg.Logging.Level, ov.LogLevel)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (set %s or --base-url)", EnvBaseURL)
	}
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url %q must be an absolute http(s) URL", cfg.API.BaseURL)
	}
	for name, p := range map[string]string{
		"api.auth_path":   cfg.API.AuthPath,
		"api.single_path": cfg.API.SinglePath,
		"api.bulk_path":   cfg.API.BulkPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s %q must start with /", name, p)
		}
	}
	if cfg.Auth.Skew < 0 {
		return fmt.Errorf("auth.skew must not be negative")
	}
	if cfg.Auth.DefaultTTL <= 0 {
		return fmt.Errorf("auth.default_ttl must be positive")
	}
	if cfg.HTTP.ConnectTimeout <= 0 || cfg.HTTP.SingleTimeout <= 0 || cfg.HTTP.BulkTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if cfg.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry.backoff_base must be positive")
	}
	if cfg.Retry.BackoffCap < cfg.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_cap (%s) must be >= retry.backoff_base (%s)",
			cfg.Retry.BackoffCap, cfg.Retry.BackoffBase)
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if cfg.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if cfg.Pipeline.ReloadEveryRows <= 0 {
		return fmt.Errorf("pipeline.reload_every_rows must be positive")
	}
	if cfg.Pipeline.ReloadInterval < 0 {
		return fmt.Errorf("pipeline.reload_interval must not be negative")
	}
	if cfg.Pipeline.LogEveryRows <= 0 {
		return fmt.Errorf("pipeline.log_every_rows must be positive")
	}
	if cfg.Report.S3Bucket != "" && cfg.Report.DeadLetterFile == "" {
		return fmt.Errorf("report.s3_bucket requires report.dead_letter_file")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	return nil
}
