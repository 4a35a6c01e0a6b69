package kitfox

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable holding a config file path.
const ConfigEnv = "KITFOX_CONFIG"

// Config is the engine configuration. It is usually loaded from YAML:
//
//	environment: production
//	log:
//	  level: info
//	  format: text
//	cache:
//	  enabled: true
//	  max_entries: 500
//	scheduler:
//	  max_concurrency: 4
//	  retry:
//	    max_retries: 2
//	    base_delay: 500ms
type Config struct {
	// Environment selects a preset section: development, production or
	// mobile. Empty means none.
	Environment string `yaml:"environment"`

	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	Pool      PoolOptions     `yaml:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Defaults are merged into requests that leave fields unset.
	Defaults CompressOptions `yaml:"defaults"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
	Mobile      *ConfigOverrides `yaml:"mobile,omitempty"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// CacheConfig enables the content cache and bounds it.
type CacheConfig struct {
	Enabled      bool `yaml:"enabled"`
	CacheOptions `yaml:",inline"`
}

// SchedulerConfig configures batch execution.
type SchedulerConfig struct {
	MaxConcurrency int         `yaml:"max_concurrency"`
	IgnorePriority bool        `yaml:"ignore_priority"`
	Retry          RetryPolicy `yaml:"retry"`
}

// ConfigOverrides is an environment section. Set fields replace the base
// configuration when the environment is active.
type ConfigOverrides struct {
	Log       *LogConfig       `yaml:"log,omitempty"`
	Cache     *CacheConfig     `yaml:"cache,omitempty"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
}

// DefaultConfig returns a configuration with the cache enabled at its
// default bounds and the default retry policy.
func DefaultConfig() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Cache: CacheConfig{Enabled: true, CacheOptions: DefaultCacheOptions()},
		Scheduler: SchedulerConfig{
			Retry: DefaultRetryPolicy(),
		},
	}
}

// LoadConfig loads the file named by KITFOX_CONFIG, or returns
// DefaultConfig when it is unset.
func LoadConfig() (Config, error) {
	path := os.Getenv(ConfigEnv)
	if path == "" {
		cfg := DefaultConfig()
		cfg.applyEnvironmentOverrides()
		return cfg, cfg.Validate()
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads YAML from path over DefaultConfig, applies the
// active environment section and validates the result.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kitfox: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("kitfox: parse config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides starts the cache from the environment's preset
// and then applies the matching section.
func (c *Config) applyEnvironmentOverrides() {
	env := strings.ToLower(c.Environment)
	if preset, ok := CachePreset(env); ok && c.Cache.CacheOptions == DefaultCacheOptions() {
		c.Cache.CacheOptions = preset
	}

	var o *ConfigOverrides
	switch env {
	case "development":
		o = c.Development
	case "production":
		o = c.Production
	case "mobile":
		o = c.Mobile
	}
	if o == nil {
		return
	}
	if o.Log != nil {
		c.Log = *o.Log
	}
	if o.Cache != nil {
		c.Cache = *o.Cache
	}
	if o.Scheduler != nil {
		c.Scheduler = *o.Scheduler
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Environment) {
	case "", "development", "production", "mobile":
	default:
		errs = append(errs, fmt.Errorf("kitfox: unknown environment %q", c.Environment))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("kitfox: unknown log format %q", c.Log.Format))
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxTotalBytes < 0 {
		errs = append(errs, errors.New("kitfox: cache bounds must not be negative"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("kitfox: cache ttl must not be negative"))
	}
	if c.Pool.Workers < 0 || c.Pool.RateLimit < 0 {
		errs = append(errs, errors.New("kitfox: pool settings must not be negative"))
	}
	if c.Scheduler.MaxConcurrency < 0 {
		errs = append(errs, errors.New("kitfox: max concurrency must not be negative"))
	}
	if err := c.Scheduler.Retry.withDefaults().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Defaults.TargetBytes < 0 {
		errs = append(errs, errors.New("kitfox: default target size must not be negative"))
	}
	return errors.Join(errs...)
}
