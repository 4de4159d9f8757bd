// Package config provides centralized configuration management for the
// training engine. It defines configuration structures for every component
// and supports validation, default values, and environment-based loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ============================================================================
// Main Configuration Structure
// ============================================================================

// Config represents the complete training run configuration
type Config struct {
	// Run identity and dataset configuration
	Run RunConfig `mapstructure:"run" yaml:"run" json:"run"`

	// Optimizer and learning rate schedule configuration
	Optimization OptimizationConfig `mapstructure:"optimization" yaml:"optimization" json:"optimization"`

	// Distributed data parallel configuration
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed" json:"distributed"`

	// Checkpoint persistence configuration
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`

	// Progress logging and dashboard configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Observability configuration (metrics endpoint, tracing)
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// ============================================================================
// Run Configuration
// ============================================================================

// RunConfig defines the run identity, dataset location and loader behavior
type RunConfig struct {
	// Student number, used to resolve the registered model and dataset
	StudentNumber string `mapstructure:"student_number" yaml:"student_number" json:"student_number" validate:"required,alphanum"`

	// Path to the processed features consumed by the dataset
	DataPath string `mapstructure:"data_path" yaml:"data_path" json:"data_path" validate:"required"`

	// Percentage of samples held out for the validation subset
	ValidPercent float64 `mapstructure:"valid_percent" yaml:"valid_percent" json:"valid_percent" validate:"gte=0,lt=1"`

	// Random seed shared by every worker
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`

	// Maximum number of training epochs
	MaxEpoch int `mapstructure:"max_epoch" yaml:"max_epoch" json:"max_epoch" validate:"gte=1"`

	// Number of samples per batch
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size" validate:"gte=1"`

	// Number of prefetch workers feeding batches to the step loop
	NumWorkers int `mapstructure:"num_workers" yaml:"num_workers" json:"num_workers" validate:"gte=0"`

	// Keep prefetched batches resident in reusable buffers
	PinMemory bool `mapstructure:"pin_memory" yaml:"pin_memory" json:"pin_memory"`

	// How often to release cached batch buffers (0 to disable)
	EmptyCacheFreq int `mapstructure:"empty_cache_freq" yaml:"empty_cache_freq" json:"empty_cache_freq" validate:"gte=0"`
}

// ModelName returns the registry key of the model built for this run
func (c *RunConfig) ModelName() string {
	return c.StudentNumber + "_model"
}

// DatasetName returns the registry key of the dataset built for this run
func (c *RunConfig) DatasetName() string {
	return c.StudentNumber + "_dataset"
}

// CriterionName returns the registry key of the training criterion. Every
// run trains the multi-task objective.
func (c *RunConfig) CriterionName() string {
	return "multi_task"
}

// Validate validates the run configuration
func (c *RunConfig) Validate() error {
	if c.StudentNumber == "" {
		return fmt.Errorf("run.student_number is required")
	}
	if c.DataPath == "" {
		return fmt.Errorf("run.data_path is required")
	}
	if c.ValidPercent < 0 || c.ValidPercent >= 1 {
		return fmt.Errorf("run.valid_percent must be in [0, 1), got %v", c.ValidPercent)
	}
	if c.MaxEpoch < 1 {
		return fmt.Errorf("run.max_epoch must be at least 1, got %d", c.MaxEpoch)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("run.batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("run.num_workers must not be negative, got %d", c.NumWorkers)
	}
	return nil
}

// ============================================================================
// Optimization Configuration
// ============================================================================

// OptimizationConfig defines the Adam optimizer and the fixed lr schedule
type OptimizationConfig struct {
	// Learning rate
	LR float64 `mapstructure:"lr" yaml:"lr" json:"lr" validate:"gt=0"`

	// Betas for the Adam optimizer, formatted as "(beta1, beta2)"
	AdamBetas string `mapstructure:"adam_betas" yaml:"adam_betas" json:"adam_betas" validate:"adam_betas"`

	// Epsilon for the Adam optimizer
	AdamEps float64 `mapstructure:"adam_eps" yaml:"adam_eps" json:"adam_eps" validate:"gt=0"`

	// Weight decay coefficient
	WeightDecay float64 `mapstructure:"weight_decay" yaml:"weight_decay" json:"weight_decay" validate:"gte=0"`

	// Gradient clipping threshold (0 to disable)
	ClipNorm float64 `mapstructure:"clip_norm" yaml:"clip_norm" json:"clip_norm" validate:"gte=0"`

	// Shrink factor for annealing, lr_new = lr * lr_shrink
	LRShrink float64 `mapstructure:"lr_shrink" yaml:"lr_shrink" json:"lr_shrink" validate:"gt=0,lte=1"`

	// Warm up the learning rate linearly for the first N updates
	WarmupUpdates int `mapstructure:"warmup_updates" yaml:"warmup_updates" json:"warmup_updates" validate:"gte=0"`

	// Force annealing at the given epoch (0 to disable)
	ForceAnneal int `mapstructure:"force_anneal" yaml:"force_anneal" json:"force_anneal" validate:"gte=0"`
}

// ParseAdamBetas parses the "(beta1, beta2)" string into its two coefficients
func (c *OptimizationConfig) ParseAdamBetas() (float64, float64, error) {
	s := strings.TrimSpace(c.AdamBetas)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("optimization.adam_betas must be \"(beta1, beta2)\", got %q", c.AdamBetas)
	}
	beta1, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("optimization.adam_betas beta1: %w", err)
	}
	beta2, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("optimization.adam_betas beta2: %w", err)
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return 0, 0, fmt.Errorf("optimization.adam_betas must be in [0, 1), got (%v, %v)", beta1, beta2)
	}
	return beta1, beta2, nil
}

// Validate validates the optimization configuration
func (c *OptimizationConfig) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("optimization.lr must be positive, got %v", c.LR)
	}
	if _, _, err := c.ParseAdamBetas(); err != nil {
		return err
	}
	if c.AdamEps <= 0 {
		return fmt.Errorf("optimization.adam_eps must be positive, got %v", c.AdamEps)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("optimization.weight_decay must not be negative, got %v", c.WeightDecay)
	}
	if c.ClipNorm < 0 {
		return fmt.Errorf("optimization.clip_norm must not be negative, got %v", c.ClipNorm)
	}
	if c.LRShrink <= 0 || c.LRShrink > 1 {
		return fmt.Errorf("optimization.lr_shrink must be in (0, 1], got %v", c.LRShrink)
	}
	if c.WarmupUpdates < 0 {
		return fmt.Errorf("optimization.warmup_updates must not be negative, got %d", c.WarmupUpdates)
	}
	if c.ForceAnneal < 0 {
		return fmt.Errorf("optimization.force_anneal must not be negative, got %d", c.ForceAnneal)
	}
	return nil
}

// ============================================================================
// Distributed Configuration
// ============================================================================

// DistributedConfig defines the data parallel worker group
type DistributedConfig struct {
	// Total number of workers across all nodes
	WorldSize int `mapstructure:"world_size" yaml:"world_size" json:"world_size" validate:"gte=1"`

	// Rank of the current worker
	Rank int `mapstructure:"rank" yaml:"rank" json:"rank" validate:"gte=0"`

	// Communication backend (local, gloo, nccl)
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=local gloo nccl"`

	// Rendezvous address used to establish the initial connection,
	// typically tcp://hostname:port (empty to derive from the port)
	InitMethod string `mapstructure:"init_method" yaml:"init_method" json:"init_method"`

	// Rendezvous port number
	Port int `mapstructure:"port" yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// Which device to bind the current worker to
	DeviceID int `mapstructure:"device_id" yaml:"device_id" json:"device_id" validate:"gte=0"`

	// Gradient communication hook (none, fp16)
	DDPCommHook string `mapstructure:"ddp_comm_hook" yaml:"ddp_comm_hook" json:"ddp_comm_hook" validate:"oneof=none fp16"`

	// Bucket size in MB for gradient reduction
	BucketCapMB int `mapstructure:"bucket_cap_mb" yaml:"bucket_cap_mb" json:"bucket_cap_mb" validate:"gte=1"`

	// Detect parameters that received no gradient during the backward pass
	FindUnusedParameters bool `mapstructure:"find_unused_parameters" yaml:"find_unused_parameters" json:"find_unused_parameters"`

	// Copy non-trainable buffers from the master to all workers each step
	BroadcastBuffers bool `mapstructure:"broadcast_buffers" yaml:"broadcast_buffers" json:"broadcast_buffers"`

	// Kill the run if no update progress is made in N seconds (-1 to disable)
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// Number of bytes reserved for gathering stats from workers
	AllGatherListSize int `mapstructure:"all_gather_list_size" yaml:"all_gather_list_size" json:"all_gather_list_size" validate:"gte=1"`
}

// IsDistributed reports whether more than one worker participates in the run
func (c *DistributedConfig) IsDistributed() bool {
	return c.WorldSize > 1
}

// RendezvousAddr returns the init method, deriving tcp://localhost:port
// when none was given explicitly
func (c *DistributedConfig) RendezvousAddr() string {
	if c.InitMethod != "" {
		return c.InitMethod
	}
	return fmt.Sprintf("tcp://localhost:%d", c.Port)
}

// Validate validates the distributed configuration
func (c *DistributedConfig) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("distributed.world_size must be at least 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("distributed.rank must be in [0, %d), got %d", c.WorldSize, c.Rank)
	}
	switch c.Backend {
	case "local", "gloo", "nccl":
	default:
		return fmt.Errorf("distributed.backend must be one of local, gloo, nccl, got %q", c.Backend)
	}
	switch c.DDPCommHook {
	case "none", "fp16":
	default:
		return fmt.Errorf("distributed.ddp_comm_hook must be one of none, fp16, got %q", c.DDPCommHook)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("distributed.port must be a valid port number, got %d", c.Port)
	}
	if c.BucketCapMB < 1 {
		return fmt.Errorf("distributed.bucket_cap_mb must be at least 1, got %d", c.BucketCapMB)
	}
	if c.HeartbeatTimeout < -1 || c.HeartbeatTimeout == 0 {
		return fmt.Errorf("distributed.heartbeat_timeout must be positive seconds or -1 to disable, got %d", c.HeartbeatTimeout)
	}
	if c.AllGatherListSize < 1 {
		return fmt.Errorf("distributed.all_gather_list_size must be at least 1 byte, got %d", c.AllGatherListSize)
	}
	return nil
}

// ============================================================================
// Checkpoint Configuration
// ============================================================================

// CheckpointConfig defines checkpoint persistence and restore behavior
type CheckpointConfig struct {
	// Directory where checkpoints are written
	SaveDir string `mapstructure:"save_dir" yaml:"save_dir" json:"save_dir" validate:"required"`

	// Save a checkpoint every N epochs
	SaveInterval int `mapstructure:"save_interval" yaml:"save_interval" json:"save_interval" validate:"gte=1"`

	// Checkpoint file to restore from; empty resumes from checkpoint_last.json
	// when present and starts fresh otherwise, while an explicit file must exist
	RestoreFile string `mapstructure:"restore_file" yaml:"restore_file" json:"restore_file"`

	// Don't persist optimizer state as part of the checkpoint
	NoSaveOptimizerState bool `mapstructure:"no_save_optimizer_state" yaml:"no_save_optimizer_state" json:"no_save_optimizer_state"`

	// Load checkpoints on every data parallel rank instead of loading on
	// rank 0 and broadcasting to the other workers
	LoadCheckpointOnAllDPRanks bool `mapstructure:"load_checkpoint_on_all_dp_ranks" yaml:"load_checkpoint_on_all_dp_ranks" json:"load_checkpoint_on_all_dp_ranks"`

	// Write a per-rank checkpoint file from every worker instead of a
	// single master-written file
	WriteOnAllRanks bool `mapstructure:"write_on_all_ranks" yaml:"write_on_all_ranks" json:"write_on_all_ranks"`
}

// Validate validates the checkpoint configuration
func (c *CheckpointConfig) Validate() error {
	if c.SaveDir == "" {
		return fmt.Errorf("checkpoint.save_dir is required")
	}
	if c.SaveInterval < 1 {
		return fmt.Errorf("checkpoint.save_interval must be at least 1, got %d", c.SaveInterval)
	}
	return nil
}

// ============================================================================
// Logging Configuration
// ============================================================================

// LoggingConfig defines progress reporting cadence and sinks
type LoggingConfig struct {
	// Log verbosity (debug, info, warn, error); empty falls back to the
	// LOGLEVEL environment variable and then to info
	Level string `mapstructure:"level" yaml:"level" json:"level"`

	// Progress rendering style (simple, json, tqdm)
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format" validate:"oneof=simple json tqdm"`

	// Emit mid-epoch stats every N updates
	LogInterval int `mapstructure:"log_interval" yaml:"log_interval" json:"log_interval" validate:"gte=1"`

	// Directory for rotated log files (empty to log to stderr only)
	LogDir string `mapstructure:"log_dir" yaml:"log_dir" json:"log_dir"`

	// Dashboard project name (empty disables the dashboard sink)
	WandbProject string `mapstructure:"wandb_project" yaml:"wandb_project" json:"wandb_project"`

	// Dashboard entity name
	WandbEntity string `mapstructure:"wandb_entity" yaml:"wandb_entity" json:"wandb_entity"`
}

// Validate validates the logging configuration
func (c *LoggingConfig) Validate() error {
	switch c.LogFormat {
	case "simple", "json", "tqdm":
	default:
		return fmt.Errorf("logging.log_format must be one of simple, json, tqdm, got %q", c.LogFormat)
	}
	if c.LogInterval < 1 {
		return fmt.Errorf("logging.log_interval must be at least 1, got %d", c.LogInterval)
	}
	return nil
}

// ============================================================================
// Observability Configuration
// ============================================================================

// ObservabilityConfig defines the metrics endpoint and tracing backends
type ObservabilityConfig struct {
	// Metrics endpoint configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Distributed tracing configuration
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	// Enable the metrics endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Listen address for the metrics endpoint
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// HTTP path serving the metrics
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// Metric name namespace
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// TracingConfig defines span export for the epoch/step loop
type TracingConfig struct {
	// Tracing backend (none, jaeger, zipkin, otlp)
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=none jaeger zipkin otlp"`

	// Collector endpoint the exporter ships spans to
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Service name attached to exported spans
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`

	// Fraction of runs to sample
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
}

// Validate validates the observability configuration
func (c *ObservabilityConfig) Validate() error {
	switch c.Tracing.Backend {
	case "none", "jaeger", "zipkin", "otlp":
	default:
		return fmt.Errorf("observability.tracing.backend must be one of none, jaeger, zipkin, otlp, got %q", c.Tracing.Backend)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate must be in [0, 1], got %v", c.Tracing.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("observability.metrics.addr is required when metrics are enabled")
	}
	return nil
}

// ============================================================================
// Top-Level Validation and Helpers
// ============================================================================

// Validate validates the complete configuration
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if err := c.Optimization.Validate(); err != nil {
		return err
	}
	if err := c.Distributed.Validate(); err != nil {
		return err
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	return nil
}

// RunName returns the display name used by dashboard sinks. The WANDB_NAME
// environment variable wins; otherwise the save directory's base name is used.
func (c *Config) RunName() string {
	if name := os.Getenv("WANDB_NAME"); name != "" {
		return name
	}
	return filepath.Base(c.Checkpoint.SaveDir)
}
