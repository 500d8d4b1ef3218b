package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"nerd/internal/locale"
	"nerd/internal/ner"
)

// EnvPrefix prefixes every environment override, e.g. NER_REDIS_ADDR.
const EnvPrefix = "NER"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// LabelerConfig points at the token-classification server. With no URL the
// service labels with the static Phrases dictionary.
type LabelerConfig struct {
	URL     string         `yaml:"url" json:"url" split_words:"true"`
	Timeout time.Duration  `yaml:"timeout" json:"timeout" split_words:"true"`
	Phrases []PhraseConfig `yaml:"phrases,omitempty" json:"phrases,omitempty" ignored:"true"`
}

// PhraseConfig is one entry of the static labeler dictionary.
type PhraseConfig struct {
	Text       string  `yaml:"text" json:"text"`
	Type       string  `yaml:"type" json:"type"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// RedisConfig holds the backing store connection. An empty Addr disables
// the cache and the rate limiter.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr" split_words:"true"`
	Password string        `yaml:"password" json:"-" split_words:"true"`
	DB       int           `yaml:"db" json:"db" split_words:"true"`
	PoolSize int           `yaml:"pool_size" json:"pool_size" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" split_words:"true"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled" split_words:"true"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" split_words:"true"`
	Version string        `yaml:"version" json:"version" split_words:"true"`
}

type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled" split_words:"true"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute" split_words:"true"`
	BurstFactor       float64       `yaml:"burst_factor" json:"burst_factor" split_words:"true"`
	Window            time.Duration `yaml:"window" json:"window" split_words:"true"`
}

type MonitorConfig struct {
	// Schedule is a cron spec or descriptor ("@every 30s").
	Schedule string `yaml:"schedule" json:"schedule" split_words:"true"`
}

// BasicAuthConfig enables HTTP Basic Auth on every endpoint except /health
// when Username is set.
type BasicAuthConfig struct {
	Username string `yaml:"username,omitempty" json:"username,omitempty" split_words:"true"`
	Password string `yaml:"password,omitempty" json:"-" split_words:"true"`
}

func (b BasicAuthConfig) Enabled() bool { return b.Username != "" }

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen" split_words:"true"`
	// GRPCListen is the gRPC listen address; empty disables gRPC.
	GRPCListen string `yaml:"grpc_listen" json:"grpc_listen" split_words:"true"`

	// Timezone is the IANA zone every resolved instant is expressed in.
	Timezone string `yaml:"timezone" json:"timezone" split_words:"true"`
	Locale   string `yaml:"locale" json:"locale" split_words:"true"`

	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold" split_words:"true"`
	// ConfidenceMerge is "min" or "mean".
	ConfidenceMerge string `yaml:"confidence_merge" json:"confidence_merge" split_words:"true"`
	OccurrenceCount int    `yaml:"occurrence_count" json:"occurrence_count" split_words:"true"`
	BatchWorkers    int    `yaml:"batch_workers" json:"batch_workers" split_words:"true"`

	LogLevel  string `yaml:"log_level" json:"log_level" split_words:"true"`
	LogFormat string `yaml:"log_format" json:"log_format" split_words:"true"`

	Labeler   LabelerConfig   `yaml:"labeler" json:"labeler" split_words:"true"`
	Redis     RedisConfig     `yaml:"redis" json:"redis" split_words:"true"`
	Cache     CacheConfig     `yaml:"cache" json:"cache" split_words:"true"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" split_words:"true"`
	Monitor   MonitorConfig   `yaml:"monitor" json:"monitor" split_words:"true"`
	BasicAuth BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" split_words:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              ":8080",
		GRPCListen:          ":50051",
		Timezone:            "Asia/Ho_Chi_Minh",
		Locale:              string(locale.Default),
		ConfidenceThreshold: ner.DefaultThreshold,
		ConfidenceMerge:     "min",
		OccurrenceCount:     5,
		BatchWorkers:        8,
		LogLevel:            "info",
		LogFormat:           "console",
		Labeler: LabelerConfig{
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			PoolSize: 10,
			Timeout:  200 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
			Version: "v1",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 100,
			BurstFactor:       1.5,
			Window:            time.Minute,
		},
		Monitor: MonitorConfig{
			Schedule: "@every 30s",
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly. Out-of-range values are
// left for Validate to report.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Locale == "" {
		c.Locale = d.Locale
	}
	if c.ConfidenceMerge == "" {
		c.ConfidenceMerge = d.ConfidenceMerge
	}
	if c.OccurrenceCount == 0 {
		c.OccurrenceCount = d.OccurrenceCount
	}
	if c.BatchWorkers == 0 {
		c.BatchWorkers = d.BatchWorkers
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Labeler.Timeout == 0 {
		c.Labeler.Timeout = d.Labeler.Timeout
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = d.Redis.PoolSize
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = d.Redis.Timeout
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Cache.Version == "" {
		c.Cache.Version = d.Cache.Version
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = d.RateLimit.RequestsPerMinute
	}
	if c.RateLimit.BurstFactor == 0 {
		c.RateLimit.BurstFactor = d.RateLimit.BurstFactor
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Monitor.Schedule == "" {
		c.Monitor.Schedule = d.Monitor.Schedule
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(ErrInvalid, "timezone %q: %v", c.Timezone, err)
	}
	if _, err := locale.Parse(c.Locale); err != nil {
		return errors.Wrapf(ErrInvalid, "locale %q", c.Locale)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.Wrapf(ErrInvalid, "confidence_threshold %v not in [0,1]", c.ConfidenceThreshold)
	}
	if _, err := ner.ParseMergePolicy(c.ConfidenceMerge); err != nil {
		return errors.Wrapf(ErrInvalid, "confidence_merge %q", c.ConfidenceMerge)
	}
	if c.OccurrenceCount < 1 {
		return errors.Wrapf(ErrInvalid, "occurrence_count %d < 1", c.OccurrenceCount)
	}
	if c.BatchWorkers < 1 {
		return errors.Wrapf(ErrInvalid, "batch_workers %d < 1", c.BatchWorkers)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Wrapf(ErrInvalid, "log_format %q", c.LogFormat)
	}
	if c.Cache.TTL < 0 {
		return errors.Wrapf(ErrInvalid, "cache.ttl %v < 0", c.Cache.TTL)
	}
	if c.RateLimit.RequestsPerMinute < 1 {
		return errors.Wrapf(ErrInvalid, "rate_limit.requests_per_minute %d < 1", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.BurstFactor < 1 {
		return errors.Wrapf(ErrInvalid, "rate_limit.burst_factor %v < 1", c.RateLimit.BurstFactor)
	}
	if c.RateLimit.Window <= 0 {
		return errors.Wrapf(ErrInvalid, "rate_limit.window %v <= 0", c.RateLimit.Window)
	}
	if c.BasicAuth.Enabled() && c.BasicAuth.Password == "" {
		return errors.Wrap(ErrInvalid, "basic_auth.password is empty")
	}
	return nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from the given YAML path, applies NER_*
// environment overrides, normalizes and validates.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - continue with the defaults
//   - If the file exists:
//   - read YAML and unmarshal it over the defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, errors.Wrap(err, "read config")
	default:
		// Fields absent from the file keep their defaults.
		cfg = DefaultConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from NER_* environment variables. Unset
// variables leave fields untouched.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(err, "environment overrides")
	}
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".nerd-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
