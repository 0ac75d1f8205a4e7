package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Jobs        JobsConfig        `toml:"jobs"`
	Templates   TemplatesConfig   `toml:"templates"`
	Output      OutputConfig      `toml:"output"`
	LLM         LLMConfig         `toml:"llm"`
	Search      SearchConfig      `toml:"search"`
	Logging     LoggingConfig     `toml:"logging"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size in megabytes
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait before SQLITE_BUSY
}

// JobsConfig controls the orchestrator queue and the report pipeline budgets
type JobsConfig struct {
	MaxConcurrent       int    `toml:"max_concurrent"`        // Worker count / running job bound
	MaxQueued           int    `toml:"max_queued"`            // Queue capacity beyond running jobs
	SoftTimeout         string `toml:"soft_timeout"`          // Per-job deadline, e.g. "12m"
	ShutdownGracePeriod string `toml:"shutdown_grace_period"` // Drain window before force-fail, e.g. "30s"
	IdempotencyTTL      string `toml:"idempotency_ttl"`       // Dedup claim lifetime, e.g. "5m"
	RetentionDays       int    `toml:"retention_days"`        // Terminal job retention before cleanup

	SectionFirstTimeout string `toml:"section_first_timeout"` // Cap for a section's first attempt
	SectionRetryTimeout string `toml:"section_retry_timeout"` // Cap for a section's retry attempt
	SectionMinTextLen   int    `toml:"section_min_text_len"`  // Minimum visible characters per section
	EvidenceBudgetChars int    `toml:"evidence_budget_chars"` // Compressed evidence size per section

	StructureThreshold    float64 `toml:"structure_threshold"`     // Max template-text retention ratio
	SimilarityThreshold   float64 `toml:"similarity_threshold"`    // Min draft/published similarity
	InlineSourceCoverage  float64 `toml:"inline_source_coverage"`  // Min fraction of sections citing sources
	RetryRelaxedCoverage  float64 `toml:"retry_relaxed_coverage"`  // Coverage target on retry attempts
	RetryCompressionRatio float64 `toml:"retry_compression_ratio"` // Evidence budget multiplier on retry

	PublishOnQualityFail  bool `toml:"publish_on_quality_fail"`   // Write the report file even when the gate fails
	FailJobOnAllFallbacks bool `toml:"fail_job_on_all_fallbacks"` // Fail jobs where every section used fallback text
}

// TemplatesConfig contains report template loading configuration
type TemplatesConfig struct {
	Dir      string `toml:"dir"`      // Directory containing HTML templates
	Manifest string `toml:"manifest"` // Template manifest file (YAML)
}

// OutputConfig controls where rendered reports are written
type OutputConfig struct {
	Dir string `toml:"dir"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderClaude uses the Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
	// LLMProviderGemini uses the Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderOffline uses the deterministic offline generator
	LLMProviderOffline LLMProvider = "offline"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider  `toml:"default_provider"` // "claude", "gemini" or "offline"
	Claude          ClaudeConfig `toml:"claude"`
	Gemini          GeminiConfig `toml:"gemini"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (ANTHROPIC_API_KEY or config)
	Model       string  `toml:"model"`       // Model for draft generation
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string
	RateLimit   string  `toml:"rate_limit"`  // Rate limit, "10/1m" or a plain interval like "1s"
	Temperature float32 `toml:"temperature"` // Completion temperature
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key (GEMINI_API_KEY or config)
	Model       string  `toml:"model"`       // Model for draft generation
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string
	RateLimit   string  `toml:"rate_limit"`  // Rate limit, "15/1m" or a plain interval like "4s"
	Temperature float32 `toml:"temperature"` // Completion temperature
}

// SearchConfig contains web search enrichment configuration
type SearchConfig struct {
	Enabled        bool   `toml:"enabled"`         // Allow jobs to request web search
	Endpoint       string `toml:"endpoint"`        // Search endpoint URL, empty disables network search
	RequestTimeout string `toml:"request_timeout"` // Per-request timeout, e.g. "8s"
	TotalBudget    string `toml:"total_budget"`    // Time box for all searches in one job
	MaxResults     int    `toml:"max_results"`     // Results kept per query
	UserAgent      string `toml:"user_agent"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// MaintenanceConfig controls scheduled cleanup of old jobs and expired claims
type MaintenanceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
}

// DefaultConfig creates a configuration with default values.
// Only user-facing settings belong in narro.toml; pipeline internals
// keep their defaults unless deliberately overridden.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/narro.db",
				WALMode:       true,
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
			},
		},
		Jobs: JobsConfig{
			MaxConcurrent:         2,
			MaxQueued:             10,
			SoftTimeout:           "12m",
			ShutdownGracePeriod:   "30s",
			IdempotencyTTL:        "5m",
			RetentionDays:         30,
			SectionFirstTimeout:   "90s",
			SectionRetryTimeout:   "60s",
			SectionMinTextLen:     180,
			EvidenceBudgetChars:   8000,
			StructureThreshold:    0.90,
			SimilarityThreshold:   0.65,
			InlineSourceCoverage:  0.80,
			RetryRelaxedCoverage:  0.70,
			RetryCompressionRatio: 0.55,
			PublishOnQualityFail:  true,
			FailJobOnAllFallbacks: false,
		},
		Templates: TemplatesConfig{
			Dir:      "./templates",
			Manifest: "./templates/manifest.yaml",
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderOffline,
			Claude: ClaudeConfig{
				APIKey:      "",
				Model:       "claude-haiku-3-5-20241022",
				MaxTokens:   4096,
				Timeout:     "2m",
				RateLimit:   "10/1m",
				Temperature: 0.4,
			},
			Gemini: GeminiConfig{
				APIKey:      "",
				Model:       "gemini-3-flash-preview",
				Timeout:     "2m",
				RateLimit:   "15/1m",
				Temperature: 0.4,
			},
		},
		Search: SearchConfig{
			Enabled:        true,
			Endpoint:       "",
			RequestTimeout: "8s",
			TotalBudget:    "45s",
			MaxResults:     5,
			UserAgent:      "narro/1.0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "0 0 3 * * *", // Daily at 03:00
		},
	}
}

// LoadFromFiles loads configuration from multiple TOML files. Later files
// override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	ApplyEnvironmentOverrides(config)
	return config, nil
}

// ApplyEnvironmentOverrides applies environment variable overrides to config
func ApplyEnvironmentOverrides(config *Config) {
	if env := os.Getenv("NARRO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("NARRO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("NARRO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("NARRO_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}

	if maxConcurrent := os.Getenv("NARRO_JOBS_MAX_CONCURRENT"); maxConcurrent != "" {
		if mc, err := strconv.Atoi(maxConcurrent); err == nil {
			config.Jobs.MaxConcurrent = mc
		}
	}
	if maxQueued := os.Getenv("NARRO_JOBS_MAX_QUEUED"); maxQueued != "" {
		if mq, err := strconv.Atoi(maxQueued); err == nil {
			config.Jobs.MaxQueued = mq
		}
	}
	if softTimeout := os.Getenv("NARRO_JOBS_SOFT_TIMEOUT"); softTimeout != "" {
		config.Jobs.SoftTimeout = softTimeout
	}
	if grace := os.Getenv("NARRO_JOBS_SHUTDOWN_GRACE_PERIOD"); grace != "" {
		config.Jobs.ShutdownGracePeriod = grace
	}
	if ttl := os.Getenv("NARRO_JOBS_IDEMPOTENCY_TTL"); ttl != "" {
		config.Jobs.IdempotencyTTL = ttl
	}
	if retention := os.Getenv("NARRO_JOBS_RETENTION_DAYS"); retention != "" {
		if rd, err := strconv.Atoi(retention); err == nil {
			config.Jobs.RetentionDays = rd
		}
	}

	if dir := os.Getenv("NARRO_TEMPLATES_DIR"); dir != "" {
		config.Templates.Dir = dir
	}
	if dir := os.Getenv("NARRO_OUTPUT_DIR"); dir != "" {
		config.Output.Dir = dir
	}

	if provider := os.Getenv("NARRO_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.LLM.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.LLM.Gemini.APIKey = apiKey
	}

	if endpoint := os.Getenv("NARRO_SEARCH_ENDPOINT"); endpoint != "" {
		config.Search.Endpoint = endpoint
	}
	if enabled := os.Getenv("NARRO_SEARCH_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Search.Enabled = e
		}
	}

	if level := os.Getenv("NARRO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("NARRO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies CLI flag values. Flags take precedence over
// environment variables and config files.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// configRules mirrors the fields Validate checks so validation tags stay in
// one place instead of spreading across the config structs
type configRules struct {
	Environment         string  `validate:"required,oneof=development production"`
	Port                int     `validate:"required,min=1,max=65535"`
	MaxConcurrent       int     `validate:"required,min=1"`
	MaxQueued           int     `validate:"required,min=1"`
	RetentionDays       int     `validate:"min=1"`
	SectionMinTextLen   int     `validate:"min=1"`
	EvidenceBudget      int     `validate:"min=500"`
	StructureThreshold  float64 `validate:"gt=0,lte=1"`
	SimilarityThreshold float64 `validate:"gt=0,lte=1"`
	LogLevel            string  `validate:"omitempty,oneof=debug info warn error"`
	Provider            string  `validate:"oneof=claude gemini offline"`
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	rules := configRules{
		Environment:         c.Environment,
		Port:                c.Server.Port,
		MaxConcurrent:       c.Jobs.MaxConcurrent,
		MaxQueued:           c.Jobs.MaxQueued,
		RetentionDays:       c.Jobs.RetentionDays,
		SectionMinTextLen:   c.Jobs.SectionMinTextLen,
		EvidenceBudget:      c.Jobs.EvidenceBudgetChars,
		StructureThreshold:  c.Jobs.StructureThreshold,
		SimilarityThreshold: c.Jobs.SimilarityThreshold,
		LogLevel:            c.Logging.Level,
		Provider:            string(c.LLM.DefaultProvider),
	}
	if err := validator.New().Struct(rules); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, value := range map[string]string{
		"jobs.soft_timeout":          c.Jobs.SoftTimeout,
		"jobs.shutdown_grace_period": c.Jobs.ShutdownGracePeriod,
		"jobs.idempotency_ttl":       c.Jobs.IdempotencyTTL,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Duration parses a duration string, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ParseRateLimit parses a rate expression. "10/1m" means 10 requests per
// minute; a plain duration like "4s" means one request per interval.
func ParseRateLimit(value string, fallback rate.Limit) rate.Limit {
	if value == "" {
		return fallback
	}
	if count, interval, found := strings.Cut(value, "/"); found {
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n <= 0 {
			return fallback
		}
		d, err := time.ParseDuration(strings.TrimSpace(interval))
		if err != nil || d <= 0 {
			return fallback
		}
		return rate.Limit(float64(n) / d.Seconds())
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return rate.Every(d)
}
