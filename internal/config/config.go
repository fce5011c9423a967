package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort     string        `validate:"required,numeric"`
	RequestTimeout time.Duration `validate:"gt=0"`

	CacheTTL           time.Duration `validate:"gt=0"`
	CacheCapacity      int           `validate:"gt=0"`
	CacheShards        int           `validate:"gt=0"`
	CacheSweepInterval time.Duration `validate:"gte=0"`

	GeocodingURL    string        `validate:"required,url"`
	ForecastURL     string        `validate:"required,url"`
	MarineURL       string        `validate:"required,url"`
	UpstreamTimeout time.Duration `validate:"gt=0"`
	// MarineGrace is how long a ranking waits for marine data after the forecast arrives.
	MarineGrace     time.Duration `validate:"gt=0"`

	RetryAttempts  int `validate:"gte=1,lte=10"`
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`
	RateLimitRPS   int           `validate:"gte=0"` // 0 disables rate limiting
	RateLimitBurst int           `validate:"gte=0"`

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int `validate:"gte=1"`
	CircuitBreakerSuccessThreshold int `validate:"gte=1"`
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	WarmCities   []string
	WarmInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int `validate:"gte=1,lte=100"`
	DegradedWindow       time.Duration
	DegradedErrorPct     int `validate:"gte=1,lte=100"`

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	TrackedCities []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		TTL           string `yaml:"ttl"`
		Capacity      int    `yaml:"capacity"`
		Shards        int    `yaml:"shards"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"cache"`

	Upstream struct {
		GeocodingURL string `yaml:"geocoding_url"`
		ForecastURL  string `yaml:"forecast_url"`
		MarineURL    string `yaml:"marine_url"`
		Timeout      string `yaml:"timeout"`
		MarineGrace  string `yaml:"marine_grace"`
	} `yaml:"upstream"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     *int   `yaml:"rate_limit_rps"`
		RateLimitBurst   *int   `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Warming struct {
		Cities   []string `yaml:"cities"`
		Interval string   `yaml:"interval"`
	} `yaml:"warming"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

// Load reads .env (if present), then config/{ENV_NAME}.yaml (default dev), then applies the
// PORT, CACHE_TTL_MS and LOG_LEVEL environment overrides. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(&fc)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromFile builds a Config from the YAML document, filling defaults for missing keys.
func fromFile(fc *fileConfig) *Config {
	cfg := &Config{
		ServerPort:     firstNonEmpty(fc.Server.Port, "8080"),
		RequestTimeout: parseDuration(fc.Request.Timeout, 10*time.Second),

		CacheTTL:           parseDuration(fc.Cache.TTL, 30*time.Minute),
		CacheCapacity:      positiveOr(fc.Cache.Capacity, 1000),
		CacheShards:        positiveOr(fc.Cache.Shards, 16),
		CacheSweepInterval: parseDurationOrZero(fc.Cache.SweepInterval, time.Minute),

		GeocodingURL:    firstNonEmpty(fc.Upstream.GeocodingURL, "https://geocoding-api.open-meteo.com/v1/search"),
		ForecastURL:     firstNonEmpty(fc.Upstream.ForecastURL, "https://api.open-meteo.com/v1/forecast"),
		MarineURL:       firstNonEmpty(fc.Upstream.MarineURL, "https://marine-api.open-meteo.com/v1/marine"),
		UpstreamTimeout: parseDuration(fc.Upstream.Timeout, 3*time.Second),
		MarineGrace:     parseDuration(fc.Upstream.MarineGrace, time.Second),

		RetryAttempts:  positiveOr(fc.Reliability.RetryMaxAttempts, 3),
		RetryBaseDelay: parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond),
		RetryMaxDelay:  parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second),
		RateLimitRPS:   intOr(fc.Reliability.RateLimitRPS, 100),
		RateLimitBurst: intOr(fc.Reliability.RateLimitBurst, 200),

		CircuitBreakerEnabled:          boolOr(fc.CircuitBreaker.Enabled, true),
		CircuitBreakerFailureThreshold: positiveOr(fc.CircuitBreaker.FailureThreshold, 5),
		CircuitBreakerSuccessThreshold: positiveOr(fc.CircuitBreaker.SuccessThreshold, 2),
		CircuitBreakerTimeout:          parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second),

		CoalesceEnabled: boolOr(fc.Coalesce.Enabled, true),
		CoalesceTimeout: parseDuration(fc.Coalesce.Timeout, 10*time.Second),

		WarmCities:   fc.Warming.Cities,
		WarmInterval: parseDurationOrZero(fc.Warming.Interval, 0),

		OverloadWindow:       parseDuration(fc.Lifecycle.OverloadWindow, time.Minute),
		OverloadThresholdPct: positiveOr(fc.Lifecycle.OverloadThresholdPct, 80),
		DegradedWindow:       parseDuration(fc.Lifecycle.DegradedWindow, time.Minute),
		DegradedErrorPct:     positiveOr(fc.Lifecycle.DegradedErrorPct, 50),

		ShutdownTimeout:               parseDuration(fc.Shutdown.Timeout, 30*time.Second),
		ShutdownInFlightTimeout:       parseDuration(fc.Shutdown.InFlightTimeout, 15*time.Second),
		ShutdownInFlightCheckInterval: parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond),

		TrackedCities: fc.Metrics.TrackedCities,
	}
	return cfg
}

// applyEnv applies environment overrides. LOG_LEVEL is read by the logger directly.
func applyEnv(cfg *Config) error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.ServerPort = port
	}
	if raw := strings.TrimSpace(os.Getenv("CACHE_TTL_MS")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("CACHE_TTL_MS must be a positive integer, got %q", raw)
		}
		cfg.CacheTTL = time.Duration(ms) * time.Millisecond
	}
	return nil
}

var configValidator = validator.New()

// validate checks field constraints and cross-field rules. RequestTimeout is raised above
// UpstreamTimeout when needed so at least one upstream attempt can complete.
func validate(cfg *Config) error {
	if err := configValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.UpstreamTimeout {
		cfg.RequestTimeout = cfg.UpstreamTimeout + time.Second
	}
	if cfg.CoalesceTimeout > cfg.RequestTimeout {
		cfg.CoalesceTimeout = cfg.RequestTimeout
	}
	return nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero is kept so a key can disable the feature it controls.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// intOr keeps an explicit zero, unlike positiveOr, so a key can switch its feature off.
func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
