// Package gatewayconfig loads the gateway's configuration document: a YAML
// file, overlaid with GATEWAY_* environment variables, with a
// default-then-file-then-env precedence: environment variables win over
// the file, and the file wins over built-in defaults.
package gatewayconfig

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelsConfig names the model to use for each role.
type ModelsConfig struct {
	Main           string `yaml:"main" env:"GATEWAY_MODELS_MAIN" default:"gpt-4o"`
	Fusion         string `yaml:"fusion" env:"GATEWAY_MODELS_FUSION" default:"gpt-4o"`
	Summary        string `yaml:"summary" env:"GATEWAY_MODELS_SUMMARY" default:"gpt-4o-mini"`
	Counterexample string `yaml:"counterexample" env:"GATEWAY_MODELS_COUNTEREXAMPLE" default:"gpt-4o-mini"`
	Vote           string `yaml:"vote" env:"GATEWAY_MODELS_VOTE" default:"gpt-4o-mini"`
}

// ThinkingConfig controls the per-thread reasoning loop.
type ThinkingConfig struct {
	Threads          int    `yaml:"threads" env:"GATEWAY_THINKING_THREADS" default:"3"`
	MaxSteps         int    `yaml:"max_steps" env:"GATEWAY_THINKING_MAX_STEPS" default:"15"`
	TerminationMarker string `yaml:"termination_marker" env:"GATEWAY_THINKING_TERMINATION_MARKER" default:"<END>"`
}

// ValidationConfig controls the adversarial validation sub-pipeline.
type ValidationConfig struct {
	Enabled         bool `yaml:"enabled" env:"GATEWAY_VALIDATION_ENABLED" default:"true"`
	Counterexamples int  `yaml:"counterexamples" env:"GATEWAY_VALIDATION_COUNTEREXAMPLES" default:"3"`
	Votes           int  `yaml:"votes" env:"GATEWAY_VALIDATION_VOTES" default:"3"`

	// VoteJSONField is the JSON field name inspected when a vote model's
	// response is (or contains) a JSON object, per SPEC_FULL.md §4.4.1.
	VoteJSONField string `yaml:"vote_json_field" env:"GATEWAY_VALIDATION_VOTE_JSON_FIELD" default:"vote"`
	// Keyword fallbacks used when the vote response isn't JSON.
	MainKeywords    []string `yaml:"main_keywords"`
	CounterKeywords []string `yaml:"counter_keywords"`
}

// FusionConfig controls the fusion stage.
type FusionConfig struct {
	Strategy        string `yaml:"strategy" env:"GATEWAY_FUSION_STRATEGY" default:"intelligent"`
	ConcatDelimiter string `yaml:"concat_delimiter" env:"GATEWAY_FUSION_CONCAT_DELIMITER" default:"\n\n---\n\n"`
}

// ConcurrencyConfig bounds the total number of in-flight upstream calls.
type ConcurrencyConfig struct {
	MaxInFlight int `yaml:"max_in_flight" env:"GATEWAY_CONCURRENCY_MAX_IN_FLIGHT" default:"32"`
}

// RetryConfig controls the ModelClient's retry decorator.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" env:"GATEWAY_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialDelay string  `yaml:"initial_delay" env:"GATEWAY_RETRY_INITIAL_DELAY" default:"2s"`
	BackoffFactor float64 `yaml:"backoff_factor" env:"GATEWAY_RETRY_BACKOFF_FACTOR" default:"2.0"`
}

// CircuitBreakerConfig controls the ModelClient's circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" env:"GATEWAY_CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	SleepWindow      string `yaml:"sleep_window" env:"GATEWAY_CIRCUIT_SLEEP_WINDOW" default:"30s"`
	HalfOpenRequests int    `yaml:"half_open_requests" env:"GATEWAY_CIRCUIT_HALF_OPEN_REQUESTS" default:"1"`
}

// HTTPConfig controls the ingress server.
type HTTPConfig struct {
	Port            int    `yaml:"port" env:"GATEWAY_HTTP_PORT" default:"8080"`
	RequestDeadline string `yaml:"request_deadline" env:"GATEWAY_HTTP_REQUEST_DEADLINE" default:"5m"`
	ShutdownTimeout string `yaml:"shutdown_timeout" env:"GATEWAY_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	CORSEnabled     bool   `yaml:"cors_enabled" env:"GATEWAY_HTTP_CORS_ENABLED" default:"false"`
	StreamChunkSize int    `yaml:"stream_chunk_size" env:"GATEWAY_HTTP_STREAM_CHUNK_SIZE" default:"50"`
}

// ModelClientConfig controls the upstream HTTP transport.
type ModelClientConfig struct {
	BaseURL string `yaml:"base_url" env:"GATEWAY_MODEL_BASE_URL"`
	Timeout string `yaml:"timeout" env:"GATEWAY_MODEL_TIMEOUT" default:"60s"`
}

// Config is the gateway's top-level configuration document.
type Config struct {
	Models         ModelsConfig         `yaml:"models"`
	Thinking       ThinkingConfig       `yaml:"thinking"`
	Validation     ValidationConfig     `yaml:"validation"`
	Fusion         FusionConfig         `yaml:"fusion"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	HTTP           HTTPConfig           `yaml:"http"`
	ModelClient    ModelClientConfig    `yaml:"model_client"`
}

// APIKey returns the upstream provider's API key, read only from the
// process environment per SPEC_FULL.md §6.2 — never from the YAML file.
func APIKey() string {
	if key := os.Getenv("GATEWAY_MODEL_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("OPENAI_API_KEY")
}

// Load builds a Config from defaults, then the YAML file at path (if it
// exists), then environment variable overrides. Env is applied last so
// operators can override a checked-in file without editing it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG_FILE")
	}
	if path == "" {
		path = "./config.yaml"
	}

	if data, err := os.ReadFile(path); err == nil {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("gatewayconfig: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("gatewayconfig: read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values per spec.md §6's documented bounds.
func (c *Config) Validate() error {
	if c.Thinking.Threads < 1 || c.Thinking.Threads > 8 {
		return fmt.Errorf("gatewayconfig: thinking.threads must be in [1,8], got %d", c.Thinking.Threads)
	}
	if c.Thinking.MaxSteps < 1 || c.Thinking.MaxSteps > 50 {
		return fmt.Errorf("gatewayconfig: thinking.max_steps must be in [1,50], got %d", c.Thinking.MaxSteps)
	}
	if c.Fusion.Strategy != "intelligent" && c.Fusion.Strategy != "concat" {
		return fmt.Errorf("gatewayconfig: fusion.strategy must be intelligent or concat, got %q", c.Fusion.Strategy)
	}
	if c.Concurrency.MaxInFlight < 1 {
		return fmt.Errorf("gatewayconfig: concurrency.max_in_flight must be positive, got %d", c.Concurrency.MaxInFlight)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	cfg.Models = ModelsConfig{Main: "gpt-4o", Fusion: "gpt-4o", Summary: "gpt-4o-mini", Counterexample: "gpt-4o-mini", Vote: "gpt-4o-mini"}
	cfg.Thinking = ThinkingConfig{Threads: 3, MaxSteps: 15, TerminationMarker: "<END>"}
	cfg.Validation = ValidationConfig{
		Enabled: true, Counterexamples: 3, Votes: 3, VoteJSONField: "vote",
		MainKeywords:    []string{"vote: main", "supports"},
		CounterKeywords: []string{"vote: counter", "refutes"},
	}
	cfg.Fusion = FusionConfig{Strategy: "intelligent", ConcatDelimiter: "\n\n---\n\n"}
	cfg.Concurrency = ConcurrencyConfig{MaxInFlight: 32}
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: "2s", BackoffFactor: 2.0}
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 5, SleepWindow: "30s", HalfOpenRequests: 1}
	cfg.HTTP = HTTPConfig{Port: 8080, RequestDeadline: "5m", ShutdownTimeout: "10s", StreamChunkSize: 50}
	cfg.ModelClient = ModelClientConfig{Timeout: "60s"}
}

// applyEnvOverrides walks the handful of GATEWAY_* variables that matter.
// A reflection-free, explicit overlay is used (rather than the reference
// framework's struct-tag reflection walk) because this Config is shallow
// and fixed-shape; reflection would buy generality this document never
// needs.
func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Models.Main, "GATEWAY_MODELS_MAIN")
	strVar(&cfg.Models.Fusion, "GATEWAY_MODELS_FUSION")
	strVar(&cfg.Models.Summary, "GATEWAY_MODELS_SUMMARY")
	strVar(&cfg.Models.Counterexample, "GATEWAY_MODELS_COUNTEREXAMPLE")
	strVar(&cfg.Models.Vote, "GATEWAY_MODELS_VOTE")

	intVar(&cfg.Thinking.Threads, "GATEWAY_THINKING_THREADS")
	intVar(&cfg.Thinking.MaxSteps, "GATEWAY_THINKING_MAX_STEPS")
	strVar(&cfg.Thinking.TerminationMarker, "GATEWAY_THINKING_TERMINATION_MARKER")

	boolVar(&cfg.Validation.Enabled, "GATEWAY_VALIDATION_ENABLED")
	intVar(&cfg.Validation.Counterexamples, "GATEWAY_VALIDATION_COUNTEREXAMPLES")
	intVar(&cfg.Validation.Votes, "GATEWAY_VALIDATION_VOTES")
	strVar(&cfg.Validation.VoteJSONField, "GATEWAY_VALIDATION_VOTE_JSON_FIELD")

	strVar(&cfg.Fusion.Strategy, "GATEWAY_FUSION_STRATEGY")
	strVar(&cfg.Fusion.ConcatDelimiter, "GATEWAY_FUSION_CONCAT_DELIMITER")

	intVar(&cfg.Concurrency.MaxInFlight, "GATEWAY_CONCURRENCY_MAX_IN_FLIGHT")

	intVar(&cfg.Retry.MaxAttempts, "GATEWAY_RETRY_MAX_ATTEMPTS")
	strVar(&cfg.Retry.InitialDelay, "GATEWAY_RETRY_INITIAL_DELAY")
	if v := os.Getenv("GATEWAY_RETRY_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Retry.BackoffFactor = f
		}
	}

	intVar(&cfg.CircuitBreaker.FailureThreshold, "GATEWAY_CIRCUIT_FAILURE_THRESHOLD")
	strVar(&cfg.CircuitBreaker.SleepWindow, "GATEWAY_CIRCUIT_SLEEP_WINDOW")
	intVar(&cfg.CircuitBreaker.HalfOpenRequests, "GATEWAY_CIRCUIT_HALF_OPEN_REQUESTS")

	intVar(&cfg.HTTP.Port, "GATEWAY_HTTP_PORT")
	strVar(&cfg.HTTP.RequestDeadline, "GATEWAY_HTTP_REQUEST_DEADLINE")
	strVar(&cfg.HTTP.ShutdownTimeout, "GATEWAY_HTTP_SHUTDOWN_TIMEOUT")
	boolVar(&cfg.HTTP.CORSEnabled, "GATEWAY_HTTP_CORS_ENABLED")
	intVar(&cfg.HTTP.StreamChunkSize, "GATEWAY_HTTP_STREAM_CHUNK_SIZE")

	strVar(&cfg.ModelClient.BaseURL, "GATEWAY_MODEL_BASE_URL")
	strVar(&cfg.ModelClient.Timeout, "GATEWAY_MODEL_TIMEOUT")
}

func strVar(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
