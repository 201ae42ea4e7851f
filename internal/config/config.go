// Package config loads engine configuration from file and environment.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full engine configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Vector     VectorConfig     `yaml:"vector" mapstructure:"vector"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Crawl      CrawlConfig      `yaml:"crawl" mapstructure:"crawl"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Similarity SimilarityConfig `yaml:"similarity" mapstructure:"similarity"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Progress   ProgressConfig   `yaml:"progress" mapstructure:"progress"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run/cache database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// VectorConfig configures the vector store backend.
type VectorConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	DefaultModel string `yaml:"default_model" mapstructure:"default_model"`
	ContextModel string `yaml:"context_model" mapstructure:"context_model"`
	MaxTokens    int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Gemini embedding API settings.
type GeminiConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	EmbeddingModel    string `yaml:"embedding_model" mapstructure:"embedding_model"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FirecrawlConfig holds Firecrawl API settings (fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// LLMConfig tunes the worker pool that paces all Anthropic calls.
type LLMConfig struct {
	Workers              int `yaml:"workers" mapstructure:"workers"`
	RequestsPerMinute    int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	SearchPerMinute      int `yaml:"search_per_minute" mapstructure:"search_per_minute"`
	QueueSize            int `yaml:"queue_size" mapstructure:"queue_size"`
	SelectionTimeoutSecs int `yaml:"selection_timeout_secs" mapstructure:"selection_timeout_secs"`
	AggregateTimeoutSecs int `yaml:"aggregate_timeout_secs" mapstructure:"aggregate_timeout_secs"`
	ClassifyTimeoutSecs  int `yaml:"classify_timeout_secs" mapstructure:"classify_timeout_secs"`
	MaxRetries           int `yaml:"max_retries" mapstructure:"max_retries"`
	SchemaRetries        int `yaml:"schema_retries" mapstructure:"schema_retries"`
}

// CrawlConfig configures link discovery.
type CrawlConfig struct {
	MaxLinks           int `yaml:"max_links" mapstructure:"max_links"`
	MaxDepth           int `yaml:"max_depth" mapstructure:"max_depth"`
	DeadlineSecs       int `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	PerHostConcurrency int `yaml:"per_host_concurrency" mapstructure:"per_host_concurrency"`
	PerHostRPS         int `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	CacheTTLHours      int `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// ExtractConfig configures the content extraction phase.
type ExtractConfig struct {
	Parallelism     int `yaml:"parallelism" mapstructure:"parallelism"`
	PageTimeoutSecs int `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	MaxPageBytes    int `yaml:"max_page_bytes" mapstructure:"max_page_bytes"`
	MaxPageChars    int `yaml:"max_page_chars" mapstructure:"max_page_chars"`
}

// ResearchConfig configures the orchestrator.
type ResearchConfig struct {
	OverallTimeoutSecs int `yaml:"overall_timeout_secs" mapstructure:"overall_timeout_secs"`
	SelectTopK         int `yaml:"select_top_k" mapstructure:"select_top_k"`
	MaxSelectedPages   int `yaml:"max_selected_pages" mapstructure:"max_selected_pages"`
	AggregatePageChars int `yaml:"aggregate_page_chars" mapstructure:"aggregate_page_chars"`
	AggregateMaxPages  int `yaml:"aggregate_max_pages" mapstructure:"aggregate_max_pages"`
	ListCap            int `yaml:"list_cap" mapstructure:"list_cap"`
}

// EmbeddingConfig configures the embedder.
type EmbeddingConfig struct {
	Dim           int `yaml:"dim" mapstructure:"dim"`
	MaxInputChars int `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// SimilarityConfig configures similarity discovery.
type SimilarityConfig struct {
	Threshold float64            `yaml:"threshold" mapstructure:"threshold"`
	Weights   map[string]float64 `yaml:"weights" mapstructure:"weights"`
	MaxK      int                `yaml:"max_k" mapstructure:"max_k"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	ConcurrencyStart int `yaml:"concurrency_start" mapstructure:"concurrency_start"`
	ConcurrencyMax   int `yaml:"concurrency_max" mapstructure:"concurrency_max"`
	RampAfter        int `yaml:"ramp_after" mapstructure:"ramp_after"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	RowRetries       int `yaml:"row_retries" mapstructure:"row_retries"`
	ResumeTTLHours   int `yaml:"resume_ttl_hours" mapstructure:"resume_ttl_hours"`
}

// TaxonomyConfig points at the classification label set.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ProgressConfig tunes the progress bus.
type ProgressConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
	GCAfterMins      int `yaml:"gc_after_mins" mapstructure:"gc_after_mins"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
	Gemini     GeminiPricing           `yaml:"gemini" mapstructure:"gemini"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// JinaPricing holds Jina Reader pricing.
type JinaPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// GeminiPricing holds embedding pricing.
type GeminiPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "intel-engine.db")
	v.SetDefault("vector.driver", "sqlite")
	v.SetDefault("vector.sqlite_path", "intel-vectors.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.default_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.context_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("gemini.requests_per_minute", 60)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("llm.workers", 1)
	v.SetDefault("llm.requests_per_minute", 8)
	v.SetDefault("llm.search_per_minute", 10)
	v.SetDefault("llm.queue_size", 256)
	v.SetDefault("llm.selection_timeout_secs", 25)
	v.SetDefault("llm.aggregate_timeout_secs", 60)
	v.SetDefault("llm.classify_timeout_secs", 25)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.schema_retries", 2)
	v.SetDefault("crawl.max_links", 1000)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.deadline_secs", 20)
	v.SetDefault("crawl.per_host_concurrency", 4)
	v.SetDefault("crawl.per_host_rps", 4)
	v.SetDefault("crawl.cache_ttl_hours", 24)
	v.SetDefault("extract.parallelism", 10)
	v.SetDefault("extract.page_timeout_secs", 20)
	v.SetDefault("extract.max_page_bytes", 2*1024*1024)
	v.SetDefault("extract.max_page_chars", 10000)
	v.SetDefault("research.overall_timeout_secs", 120)
	v.SetDefault("research.select_top_k", 15)
	v.SetDefault("research.max_selected_pages", 50)
	v.SetDefault("research.aggregate_page_chars", 5000)
	v.SetDefault("research.aggregate_max_pages", 30)
	v.SetDefault("research.list_cap", 15)
	v.SetDefault("embedding.dim", 1536)
	v.SetDefault("embedding.max_input_chars", 8000)
	v.SetDefault("similarity.threshold", 0.6)
	v.SetDefault("similarity.max_k", 100)
	v.SetDefault("similarity.weights", map[string]float64{
		"business_model": 0.25,
		"industry":       0.20,
		"company_size":   0.15,
		"tech":           0.15,
		"market_focus":   0.15,
		"growth_stage":   0.10,
	})
	v.SetDefault("batch.concurrency_start", 3)
	v.SetDefault("batch.concurrency_max", 10)
	v.SetDefault("batch.ramp_after", 5)
	v.SetDefault("batch.cooldown_secs", 60)
	v.SetDefault("batch.row_retries", 3)
	v.SetDefault("batch.resume_ttl_hours", 36)
	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.gc_after_mins", 30)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.gemini.per_mtok", 0.15)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
