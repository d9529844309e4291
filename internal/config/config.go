// Package config provides the canonical configuration surface for docpipe.
// All tunables live here as a flat set of named options with typed defaults;
// environment variables (DOCPIPE_*) take precedence over the YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete docpipe configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Paths    PathsConfig    `yaml:"paths" json:"paths"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Retry    RetryConfig    `yaml:"retry" json:"retry"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Extract  ExtractConfig  `yaml:"extract" json:"extract"`
	Vision   VisionConfig   `yaml:"vision" json:"vision"`
	Embed    EmbedConfig    `yaml:"embeddings" json:"embeddings"`
	Blob     BlobConfig     `yaml:"blob" json:"blob"`
	Events   EventsConfig   `yaml:"events" json:"events"`
	Batch    BatchConfig    `yaml:"batch" json:"batch"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// DataDir is the directory holding the schema databases and indexes.
	// Defaults to ~/.docpipe.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// InboxDir, when set, is watched for new PDFs to enqueue.
	InboxDir string `yaml:"inbox_dir" json:"inbox_dir"`
}

// PipelineConfig configures the staged executor.
type PipelineConfig struct {
	// MaxConcurrentDocuments bounds documents processed simultaneously.
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" json:"max_concurrent_documents"`
	// StageTimeout is the per-stage wall-clock deadline.
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	// CancelGracePeriod bounds how long a stage may run after cancellation.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period" json:"cancel_grace_period"`
	// LeaseDuration is the stage-status visibility timeout.
	LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration"`
	// LeaseExtendMargin is how close to lease expiry the heartbeat extends.
	LeaseExtendMargin time.Duration `yaml:"lease_extend_margin" json:"lease_extend_margin"`
}

// RetryConfig configures the retry orchestrator.
type RetryConfig struct {
	// MaxAttempts is the stage attempt budget (initial attempt included).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseDelay is the default backoff base; per-stage overrides below.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// RateLimitFloor is the minimum delay for rate-limited errors.
	RateLimitFloor time.Duration `yaml:"rate_limit_floor" json:"rate_limit_floor"`
	// StageBaseDelays overrides BaseDelay per stage name.
	StageBaseDelays map[string]time.Duration `yaml:"stage_base_delays" json:"stage_base_delays"`
	// Deferral selects how retries are scheduled: "sleep" keeps a cancellable
	// in-process timer (short retries), "queue" inserts a scheduled task.
	Deferral string `yaml:"deferral" json:"deferral"`
	// SleepDeferralLimit is the largest delay served by in-process sleeping;
	// longer delays always go through the durable queue.
	SleepDeferralLimit time.Duration `yaml:"sleep_deferral_limit" json:"sleep_deferral_limit"`
}

// QueueConfig configures the durable processing queue.
type QueueConfig struct {
	// VisibilityTimeout is the dequeue lease duration.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	// MaxAttempts before a task is dead-lettered.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// ReclaimInterval is how often expired leases are swept.
	ReclaimInterval time.Duration `yaml:"reclaim_interval" json:"reclaim_interval"`
	// PollInterval is the worker idle poll interval.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// Workers is the number of concurrent task workers.
	Workers int `yaml:"workers" json:"workers"`
}

// ExtractConfig configures the PDF extraction sidecar and web scraper.
type ExtractConfig struct {
	// SidecarURL is the PDF extraction service endpoint. Empty disables
	// text/table/image extraction (upload-only ingestion still works).
	SidecarURL string `yaml:"sidecar_url" json:"sidecar_url"`
	// SidecarTimeout is the per-request timeout for sidecar calls.
	SidecarTimeout time.Duration `yaml:"sidecar_timeout" json:"sidecar_timeout"`
	// ScrapeTimeout bounds single-page scrape calls.
	ScrapeTimeout time.Duration `yaml:"scrape_timeout" json:"scrape_timeout"`
	// CrawlTimeout bounds multi-page crawl jobs.
	CrawlTimeout time.Duration `yaml:"crawl_timeout" json:"crawl_timeout"`
}

// VisionConfig configures the vision-model collaborator.
type VisionConfig struct {
	// Endpoint of the vision model server. Empty disables vision enrichment.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Model name to request.
	Model string `yaml:"model" json:"model"`
	// MaxImagesPerRun caps images embedded per document per run.
	MaxImagesPerRun int `yaml:"max_images_per_run" json:"max_images_per_run"`
	// InterCallDelay between image invocations, avoids GPU exhaustion.
	InterCallDelay time.Duration `yaml:"inter_call_delay" json:"inter_call_delay"`
	// MaxConcurrent bounds in-flight vision calls (VRAM semaphore).
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// CallTimeout is the per-call timeout.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// EmbedConfig configures the text embedding collaborator.
type EmbedConfig struct {
	// Provider selects the backend: "ollama" or "static" (offline fallback).
	// Empty auto-detects: ollama if reachable, otherwise static.
	Provider string `yaml:"provider" json:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`
	// OllamaHost is the Ollama API endpoint (default http://localhost:11434).
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// BatchSize is chunks per embedding batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// CacheSize is the LRU embedding cache entry count.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// InterBatchDelay is the cooling delay between batches.
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" json:"inter_batch_delay"`
}

// BlobConfig configures the blob store.
type BlobConfig struct {
	// Backend selects "fs" (local, default) or "s3".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the root directory for the fs backend.
	Dir string `yaml:"dir" json:"dir"`
	// Bucket, Region and Endpoint configure the s3 backend. Endpoint is for
	// S3-compatible stores (MinIO); empty uses AWS.
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// SignedURLTTL is the validity of generated signed URLs.
	SignedURLTTL time.Duration `yaml:"signed_url_ttl" json:"signed_url_ttl"`
}

// EventsConfig configures observability event sinks.
type EventsConfig struct {
	// RedisURL, when set, publishes pipeline events to Redis pub/sub.
	RedisURL string `yaml:"redis_url" json:"redis_url"`
	// Channel is the pub/sub channel name.
	Channel string `yaml:"channel" json:"channel"`
}

// BatchConfig configures the batch operations engine.
type BatchConfig struct {
	// SyncThreshold is the batch size below which mutations run in one
	// synchronous transaction. Larger batches go async through the queue.
	SyncThreshold int `yaml:"sync_threshold" json:"sync_threshold"`
	// Workers is the parallelism for async batch execution.
	Workers int `yaml:"workers" json:"workers"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentDocuments: runtime.NumCPU(),
			StageTimeout:           10 * time.Minute,
			CancelGracePeriod:      5 * time.Second,
			LeaseDuration:          10 * time.Minute,
			LeaseExtendMargin:      time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			RateLimitFloor:     30 * time.Second,
			Deferral:           "queue",
			SleepDeferralLimit: 30 * time.Second,
		},
		Queue: QueueConfig{
			VisibilityTimeout: 10 * time.Minute,
			MaxAttempts:       5,
			ReclaimInterval:   time.Minute,
			PollInterval:      2 * time.Second,
			Workers:           4,
		},
		Extract: ExtractConfig{
			SidecarTimeout: 2 * time.Minute,
			ScrapeTimeout:  30 * time.Second,
			CrawlTimeout:   300 * time.Second,
		},
		Vision: VisionConfig{
			Model:           "llava:13b",
			MaxImagesPerRun: 5, // sized for 8GB VRAM
			InterCallDelay:  2 * time.Second,
			MaxConcurrent:   1,
			CallTimeout:     60 * time.Second,
		},
		Embed: EmbedConfig{
			Provider:        "",
			Model:           "nomic-embed-text",
			OllamaHost:      "",
			BatchSize:       32,
			CacheSize:       1000,
			InterBatchDelay: 0,
		},
		Blob: BlobConfig{
			Backend:      "fs",
			SignedURLTTL: time.Hour,
		},
		Events: EventsConfig{
			Channel: "docpipe.events",
		},
		Batch: BatchConfig{
			SyncThreshold: 50,
			Workers:       4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// defaultDataDir returns ~/.docpipe, falling back to the temp directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".docpipe")
	}
	return filepath.Join(home, ".docpipe")
}

// Load loads configuration with increasing precedence:
//  1. Hardcoded defaults
//  2. YAML config file (dir/docpipe.yaml, then dir/docpipe.yml)
//  3. Environment variables (DOCPIPE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from docpipe.yaml or docpipe.yml.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{"docpipe.yaml", "docpipe.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	// No config file is fine, use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies DOCPIPE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOCPIPE_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("DOCPIPE_INBOX_DIR"); v != "" {
		c.Paths.InboxDir = v
	}
	if v := os.Getenv("DOCPIPE_MAX_CONCURRENT_DOCUMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxConcurrentDocuments = n
		}
	}
	if v := os.Getenv("DOCPIPE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("DOCPIPE_RETRY_DEFERRAL"); v != "" {
		c.Retry.Deferral = v
	}
	if v := os.Getenv("DOCPIPE_EXTRACT_SIDECAR_URL"); v != "" {
		c.Extract.SidecarURL = v
	}
	if v := os.Getenv("DOCPIPE_VISION_ENDPOINT"); v != "" {
		c.Vision.Endpoint = v
	}
	if v := os.Getenv("DOCPIPE_VISION_MAX_IMAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Vision.MaxImagesPerRun = n
		}
	}
	if v := os.Getenv("DOCPIPE_EMBED_PROVIDER"); v != "" {
		c.Embed.Provider = v
	}
	if v := os.Getenv("DOCPIPE_EMBED_MODEL"); v != "" {
		c.Embed.Model = v
	}
	if v := os.Getenv("DOCPIPE_OLLAMA_HOST"); v != "" {
		c.Embed.OllamaHost = v
	}
	if v := os.Getenv("DOCPIPE_BLOB_BACKEND"); v != "" {
		c.Blob.Backend = v
	}
	if v := os.Getenv("DOCPIPE_BLOB_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
	if v := os.Getenv("DOCPIPE_BLOB_REGION"); v != "" {
		c.Blob.Region = v
	}
	if v := os.Getenv("DOCPIPE_BLOB_ENDPOINT"); v != "" {
		c.Blob.Endpoint = v
	}
	if v := os.Getenv("DOCPIPE_REDIS_URL"); v != "" {
		c.Events.RedisURL = v
	}
	if v := os.Getenv("DOCPIPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Pipeline.MaxConcurrentDocuments < 1 {
		return fmt.Errorf("pipeline.max_concurrent_documents must be >= 1, got %d", c.Pipeline.MaxConcurrentDocuments)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	switch c.Retry.Deferral {
	case "sleep", "queue":
	default:
		return fmt.Errorf("retry.deferral must be \"sleep\" or \"queue\", got %q", c.Retry.Deferral)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive, got %s", c.Queue.VisibilityTimeout)
	}
	if c.Vision.MaxImagesPerRun < 1 {
		return fmt.Errorf("vision.max_images_per_run must be >= 1, got %d", c.Vision.MaxImagesPerRun)
	}
	if c.Vision.MaxConcurrent < 1 {
		return fmt.Errorf("vision.max_concurrent must be >= 1, got %d", c.Vision.MaxConcurrent)
	}
	switch c.Blob.Backend {
	case "fs", "s3":
	default:
		return fmt.Errorf("blob.backend must be \"fs\" or \"s3\", got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required for the s3 backend")
	}
	if c.Batch.SyncThreshold < 1 {
		return fmt.Errorf("batch.sync_threshold must be >= 1, got %d", c.Batch.SyncThreshold)
	}
	return nil
}

// StageBaseDelay returns the backoff base for a stage, falling back to the
// global base delay.
func (c *Config) StageBaseDelay(stage string) time.Duration {
	if d, ok := c.Retry.StageBaseDelays[stage]; ok && d > 0 {
		return d
	}
	return c.Retry.BaseDelay
}

// Save writes the configuration to dir/docpipe.yaml.
func (c *Config) Save(dir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, "docpipe.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
