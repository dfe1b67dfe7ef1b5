// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/service/lifecycle"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Database settings. An empty DatabaseURL selects the SQLite registry.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Lifecycle policy and scoring.
	Policy      lifecycle.Policy
	WeightsFile string
	Weights     model.Weights

	// Scheduling.
	EvaluationInterval time.Duration
	SweepInterval      time.Duration
	AssignWorkers      int

	// Assignment.
	ClassifierMinConfidence float64
	SpecializationFallback  bool

	// Rate limiting on event-ingest endpoints.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel string
}

// Lite reports whether the process runs on the embedded SQLite registry.
func (c Config) Lite() bool { return c.DatabaseURL == "" }

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}

	def := lifecycle.DefaultPolicy()
	cfg := Config{
		Port:                intVar("DARWIN_PORT", 8080),
		ReadTimeout:         durVar("DARWIN_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("DARWIN_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(intVar("DARWIN_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		CORSAllowedOrigins:  envList("DARWIN_CORS_ALLOWED_ORIGINS"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		SQLitePath:          envStr("DARWIN_SQLITE_PATH", "darwin.db"),
		JWTPrivateKeyPath:   envStr("DARWIN_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("DARWIN_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       durVar("DARWIN_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "darwin"),
		Policy: lifecycle.Policy{
			GracePeriod:          durVar("DARWIN_GRACE_PERIOD", def.GracePeriod),
			GraceMinimum:         floatVar("DARWIN_GRACE_MINIMUM", def.GraceMinimum),
			PromotionThreshold:   floatVar("DARWIN_PROMOTION_THRESHOLD", def.PromotionThreshold),
			EliminationThreshold: floatVar("DARWIN_ELIMINATION_THRESHOLD", def.EliminationThreshold),
			MaxActive:            intVar("DARWIN_MAX_ACTIVE", def.MaxActive),
		},
		WeightsFile:             envStr("DARWIN_WEIGHTS_FILE", ""),
		Weights:                 model.DefaultWeights(),
		EvaluationInterval:      durVar("DARWIN_EVALUATION_INTERVAL", 4*time.Hour),
		SweepInterval:           durVar("DARWIN_SWEEP_INTERVAL", time.Minute),
		AssignWorkers:           intVar("DARWIN_ASSIGN_WORKERS", 10),
		ClassifierMinConfidence: floatVar("DARWIN_CLASSIFIER_MIN_CONFIDENCE", 0.5),
		SpecializationFallback:  boolVar("DARWIN_SPECIALIZATION_FALLBACK", false),
		RateLimitEnabled:        boolVar("DARWIN_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:            floatVar("DARWIN_RATE_LIMIT_RPS", 50),
		RateLimitBurst:          intVar("DARWIN_RATE_LIMIT_BURST", 100),
		LogLevel:                envStr("DARWIN_LOG_LEVEL", "info"),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if cfg.WeightsFile != "" {
		w, err := LoadWeights(cfg.WeightsFile)
		collect(err)
		if err == nil {
			cfg.Weights = w
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// weightsFile is the on-disk shape of DARWIN_WEIGHTS_FILE.
type weightsFile struct {
	Weights model.Weights `yaml:"weights"`
}

// LoadWeights reads metric weights from a YAML file:
//
//	weights:
//	  code_quality: 0.30
//	  issue_resolution: 0.20
//	  pr_success: 0.20
//	  peer_review: 0.15
//	  creativity: 0.15
//
// Omitted metrics weigh zero. The result is not validated.
func LoadWeights(path string) (model.Weights, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.Weights{}, fmt.Errorf("read weights file: %w", err)
	}
	var f weightsFile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return model.Weights{}, fmt.Errorf("parse weights file %s: %w", path, err)
	}
	return f.Weights, nil
}

// Validate checks that the configuration is usable. Invalid weights are
// fatal: no evaluation cycle may run with them.
func (c Config) Validate() error {
	var errs []error
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("DARWIN_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("DARWIN_PORT must be a valid port, got %d", c.Port))
	}
	if c.ClassifierMinConfidence < 0 || c.ClassifierMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("DARWIN_CLASSIFIER_MIN_CONFIDENCE must be within [0, 1]"))
	}
	if c.EvaluationInterval <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DARWIN_EVALUATION_INTERVAL and DARWIN_SWEEP_INTERVAL must be positive"))
	}
	if c.Lite() && c.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("DARWIN_SQLITE_PATH is required when DATABASE_URL is unset"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
