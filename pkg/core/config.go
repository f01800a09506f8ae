package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the engine. It is assembled once at
// startup through NewConfig(opts...) with three-layer priority: built-in
// defaults, environment variables, then functional options (highest).
//
// The env and default struct tags name each field's variable and default
// but are not parsed: NewConfig sets the defaults itself, and applyEnv
// reads only NEURALCORE_DATABASE_URL, _CACHE_DIR, _TOOLS_DIR, _REDIS_URL,
// _LLM_PROVIDER, _LLM_MODEL, _LLM_API_KEY, _MAX_DEPTH, _PORT, _AUTH_TOKEN,
// _ENABLE_AUTO_IMPROVEMENT, _ENABLE_REAL_IMPROVEMENTS and
// _INVESTIGATION_INTERVAL. Every other field takes its value from the
// NewConfig default or from an Option; its environment variable is ignored.
type Config struct {
	// Storage
	DatabaseURL  string `env:"NEURALCORE_DATABASE_URL"`
	CacheDir     string `env:"NEURALCORE_CACHE_DIR" default:"var/cache"`
	ToolsDir     string `env:"NEURALCORE_TOOLS_DIR" default:"var/tools"`
	MaxOpenConns int    `env:"NEURALCORE_DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns int    `env:"NEURALCORE_DB_MAX_IDLE_CONNS" default:"5"`

	// Redis (optional pattern-cache mirror)
	RedisURL string `env:"NEURALCORE_REDIS_URL"`

	// LLM
	LLMProvider string `env:"NEURALCORE_LLM_PROVIDER" default:"mock"` // anthropic|openai|mock
	LLMModel    string `env:"NEURALCORE_LLM_MODEL"`
	LLMAPIKey   string `env:"NEURALCORE_LLM_API_KEY"`
	LLMMaxChars int     `env:"NEURALCORE_LLM_MAX_PROMPT_CHARS" default:"32000"`

	// Embedding
	EmbeddingDim int `env:"NEURALCORE_EMBEDDING_DIM" default:"256"`

	// Orchestrator / neurons
	MaxDepth             int     `env:"NEURALCORE_MAX_DEPTH" default:"8"`
	MaxValidationRetries int     `env:"NEURALCORE_MAX_VALIDATION_RETRIES" default:"5"`
	CacheThreshold       float64 `env:"NEURALCORE_CACHE_THRESHOLD" default:"0.80"`

	// Error recovery caps. pkg/errorrecovery does not read these fields; it
	// applies its own fixed caps of the same values (3 retry, 3 fallback,
	// 2 adaptation).
	MaxRetryAttempts      int `env:"NEURALCORE_MAX_RETRY_ATTEMPTS" default:"3"`
	MaxFallbackAttempts   int `env:"NEURALCORE_MAX_FALLBACK_ATTEMPTS" default:"3"`
	MaxAdaptationAttempts int `env:"NEURALCORE_MAX_ADAPTATION_ATTEMPTS" default:"2"`

	// Background tasks
	InvestigationInterval time.Duration `env:"NEURALCORE_INVESTIGATION_INTERVAL" default:"300s"`
	RollupInterval        time.Duration `env:"NEURALCORE_ROLLUP_INTERVAL" default:"60s"`
	AlertThreshold        float64       `env:"NEURALCORE_ALERT_THRESHOLD" default:"0.60"`

	// Feature flags
	EnableRealImprovements bool `env:"NEURALCORE_ENABLE_REAL_IMPROVEMENTS" default:"false"`
	EnableAutoImprovement  bool `env:"NEURALCORE_ENABLE_AUTO_IMPROVEMENT" default:"false"`
	ConfidenceThreshold    float64 `env:"NEURALCORE_CONFIDENCE_THRESHOLD" default:"0.80"`
	MinSampleSize          int     `env:"NEURALCORE_MIN_SAMPLE_SIZE" default:"20"`

	// HTTP
	Port      int    `env:"NEURALCORE_PORT" default:"8080"`
	AuthToken string `env:"NEURALCORE_AUTH_TOKEN"`

	logger Logger
}

// Option mutates a Config during construction, returning an error for
// invalid values so NewConfig can fail fast and explicitly.
type Option func(*Config) error

// WithLogger attaches the logger used for configuration-time diagnostics.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// WithDatabaseURL sets the Execution Store's Postgres DSN.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.DatabaseURL = url
		return nil
	}
}

// WithCacheDir sets the directory the Pattern Cache persists to.
func WithCacheDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return &EngineError{Op: "WithCacheDir", Kind: "config", Err: ErrInvalidConfig}
		}
		c.CacheDir = dir
		return nil
	}
}

// WithToolsDir sets the flat directory tool source files live in.
func WithToolsDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return &EngineError{Op: "WithToolsDir", Kind: "config", Err: ErrInvalidConfig}
		}
		c.ToolsDir = dir
		return nil
	}
}

// WithRedisURL sets the Redis connection used by the pattern-cache mirror.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

// WithLLM configures the language-model backend.
func WithLLM(provider, model, apiKey string) Option {
	return func(c *Config) error {
		c.LLMProvider = provider
		c.LLMModel = model
		c.LLMAPIKey = apiKey
		return nil
	}
}

// WithMaxDepth sets the orchestrator's hard recursion cap.
func WithMaxDepth(depth int) Option {
	return func(c *Config) error {
		if depth < 1 {
			return &EngineError{Op: "WithMaxDepth", Kind: "config", Message: fmt.Sprintf("invalid max depth: %d", depth), Err: ErrInvalidConfig}
		}
		c.MaxDepth = depth
		return nil
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &EngineError{Op: "WithPort", Kind: "config", Message: fmt.Sprintf("invalid port: %d", port), Err: ErrInvalidConfig}
		}
		c.Port = port
		return nil
	}
}

// WithAuthToken enables bearer-token auth on the HTTP surface.
func WithAuthToken(token string) Option {
	return func(c *Config) error {
		c.AuthToken = token
		return nil
	}
}

// WithAutoImprovement toggles the autonomous improvement auto-deploy gate.
func WithAutoImprovement(enabled bool, confidenceThreshold float64) Option {
	return func(c *Config) error {
		c.EnableAutoImprovement = enabled
		if confidenceThreshold > 0 {
			c.ConfidenceThreshold = confidenceThreshold
		}
		return nil
	}
}

// WithRealImprovements toggles whether Tool Forge actually rewrites source
// (false produces a shadow/placeholder improvement instead).
func WithRealImprovements(enabled bool) Option {
	return func(c *Config) error {
		c.EnableRealImprovements = enabled
		return nil
	}
}

// NewConfig builds a Config from defaults, environment variables, then
// opts, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		CacheDir:              "var/cache",
		ToolsDir:              "var/tools",
		MaxOpenConns:          10,
		MaxIdleConns:          5,
		LLMProvider:           "mock",
		LLMMaxChars:           32000,
		EmbeddingDim:          256,
		MaxDepth:              8,
		MaxValidationRetries:  5,
		CacheThreshold:        0.80,
		MaxRetryAttempts:      3,
		MaxFallbackAttempts:   3,
		MaxAdaptationAttempts: 2,
		InvestigationInterval: 300 * time.Second,
		RollupInterval:        60 * time.Second,
		AlertThreshold:        0.60,
		ConfidenceThreshold:   0.80,
		MinSampleSize:         20,
		Port:                  8080,
		logger:                NoOpLogger{},
	}

	applyEnv(c)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.MaxDepth < 1 {
		return nil, &EngineError{Op: "NewConfig", Kind: "config", Err: ErrInvalidConfig}
	}

	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("NEURALCORE_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NEURALCORE_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("NEURALCORE_TOOLS_DIR"); v != "" {
		c.ToolsDir = v
	}
	if v := os.Getenv("NEURALCORE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("NEURALCORE_LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("NEURALCORE_LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("NEURALCORE_LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("NEURALCORE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxDepth = n
		}
	}
	if v := os.Getenv("NEURALCORE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("NEURALCORE_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("NEURALCORE_ENABLE_AUTO_IMPROVEMENT"); v != "" {
		c.EnableAutoImprovement = parseBool(v)
	}
	if v := os.Getenv("NEURALCORE_ENABLE_REAL_IMPROVEMENTS"); v != "" {
		c.EnableRealImprovements = parseBool(v)
	}
	if v := os.Getenv("NEURALCORE_INVESTIGATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.InvestigationInterval = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
