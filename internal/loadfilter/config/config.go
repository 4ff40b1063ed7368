package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log     LogConfig     `koanf:"log"`
	Filter  FilterConfig  `koanf:"filter"`
	Source  SourceConfig  `koanf:"source"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig controls log verbosity: "debug", "info", "warn", or "error".
type LogConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// FilterConfig tunes the filter manager and its refresh loop.
type FilterConfig struct {
	// ReplicaDelay is the estimated replication lag in seconds. Zero is allowed for tests.
	ReplicaDelay int `koanf:"replica_delay" validate:"gte=0"`

	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"required,gt=0"`
	InitialDelay    time.Duration `koanf:"initial_delay" validate:"gte=0"`

	// FPRate is the target false-positive rate of each per-file Bloom filter.
	FPRate float64 `koanf:"fp_rate" validate:"gt=0,lt=1"`

	BuildConcurrency int `koanf:"build_concurrency" validate:"required,gte=1,lte=64"`

	// DecisionCacheSize is the LRU capacity for lookup decisions. Zero disables the cache.
	DecisionCacheSize int `koanf:"decision_cache_size" validate:"gte=0"`
}

// SourceConfig selects and configures the DataSource backing the refresh loop.
type SourceConfig struct {
	Kind         string        `koanf:"kind" validate:"required,oneof=postgres bolt"`
	DSN          string        `koanf:"dsn" validate:"required_if=Kind postgres"`
	BoltPath     string        `koanf:"bolt_path" validate:"required_if=Kind bolt"`
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"required,gt=0"`
	QueryRetries int           `koanf:"query_retries" validate:"gte=0,lte=10"`
}

// MetricsConfig controls the Prometheus scrape endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"listen_addr"`
}

// DEFAULT_APP_CONFIG defines the defaults applied before environment overrides.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	Filter: FilterConfig{
		ReplicaDelay:      5,
		RefreshInterval:   10 * time.Second,
		InitialDelay:      2 * time.Second,
		FPRate:            0.01,
		BuildConcurrency:  4,
		DecisionCacheSize: 0,
	},
	Source: SourceConfig{
		Kind:         "postgres",
		DSN:          "postgres://bfd@localhost:5432/fhirdb?sslmode=disable",
		BoltPath:     "/var/lib/bfd/loaded.db",
		QueryTimeout: 5 * time.Second,
		QueryRetries: 2,
	},
	Metrics: MetricsConfig{Addr: ":9090"},
}

// envKeys maps the flattened environment names (after the prefix) to koanf paths.
// Names are flattened with underscores, so the nesting cannot be recovered mechanically.
var envKeys = map[string]string{
	"ENV":                        "env",
	"LOG_LEVEL":                  "log.level",
	"FILTER_REPLICA_DELAY":       "filter.replica_delay",
	"FILTER_REFRESH_INTERVAL":    "filter.refresh_interval",
	"FILTER_INITIAL_DELAY":       "filter.initial_delay",
	"FILTER_FP_RATE":             "filter.fp_rate",
	"FILTER_BUILD_CONCURRENCY":   "filter.build_concurrency",
	"FILTER_DECISION_CACHE_SIZE": "filter.decision_cache_size",
	"SOURCE_KIND":                "source.kind",
	"SOURCE_DSN":                 "source.dsn",
	"SOURCE_BOLT_PATH":           "source.bolt_path",
	"SOURCE_QUERY_TIMEOUT":       "source.query_timeout",
	"SOURCE_QUERY_RETRIES":       "source.query_retries",
	"METRICS_ADDR":               "metrics.addr",
}

// validListenAddr accepts an empty value (disabled) or a host:port pair with a numeric port.
func validListenAddr(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	if addr == "" {
		return true
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// envLoader loads environment variables with the prefix "BFD_". Unknown keys are skipped.
// It can be replaced in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "BFD_",
		TransformFunc: func(key, value string) (string, any) {
			path, ok := envKeys[strings.TrimPrefix(key, "BFD_")]
			if !ok {
				return "", nil
			}
			return path, strings.TrimSpace(value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "listen_addr" rule.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("listen_addr", validListenAddr)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
