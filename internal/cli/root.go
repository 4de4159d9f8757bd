// Package cli assembles the train command line surface. Flags mirror the
// training configuration one to one and are merged through viper, so a
// value can come from an explicit flag, an AI612_ environment variable, or
// a YAML config file, in that order of precedence.
package cli

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	obsmetrics "github.com/Jwoo5/ai612-project2-2023/internal/observability/metrics"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/trace"
	"github.com/Jwoo5/ai612-project2-2023/internal/orchestrator"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
)

// ============================================================================
// Version Information
// ============================================================================

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo records build metadata injected through ldflags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

// ============================================================================
// Root Command
// ============================================================================

// flagBindings maps every flag to its configuration key. Binding through
// viper keeps one precedence order for the whole surface: a flag set on
// the command line wins, then environment, then the config file, then the
// flag default.
var flagBindings = map[string]string{
	"student_number":   "run.student_number",
	"data_path":        "run.data_path",
	"valid_percent":    "run.valid_percent",
	"seed":             "run.seed",
	"max_epoch":        "run.max_epoch",
	"batch_size":       "run.batch_size",
	"num_workers":      "run.num_workers",
	"pin_memory":       "run.pin_memory",
	"empty_cache_freq": "run.empty_cache_freq",

	"lr":             "optimization.lr",
	"adam_betas":     "optimization.adam_betas",
	"adam_eps":       "optimization.adam_eps",
	"weight_decay":   "optimization.weight_decay",
	"clip_norm":      "optimization.clip_norm",
	"lr_shrink":      "optimization.lr_shrink",
	"warmup_updates": "optimization.warmup_updates",
	"force_anneal":   "optimization.force_anneal",

	"distributed_world_size":  "distributed.world_size",
	"distributed_rank":        "distributed.rank",
	"distributed_backend":     "distributed.backend",
	"distributed_init_method": "distributed.init_method",
	"distributed_port":        "distributed.port",
	"device_id":               "distributed.device_id",
	"ddp_comm_hook":           "distributed.ddp_comm_hook",
	"bucket_cap_mb":           "distributed.bucket_cap_mb",
	"find_unused_parameters":  "distributed.find_unused_parameters",
	"broadcast_buffers":       "distributed.broadcast_buffers",
	"heartbeat_timeout":       "distributed.heartbeat_timeout",
	"all_gather_list_size":    "distributed.all_gather_list_size",

	"save_dir":                        "checkpoint.save_dir",
	"save_interval":                   "checkpoint.save_interval",
	"restore_file":                    "checkpoint.restore_file",
	"no_save_optimizer_state":         "checkpoint.no_save_optimizer_state",
	"load_checkpoint_on_all_dp_ranks": "checkpoint.load_checkpoint_on_all_dp_ranks",

	"log_interval":  "logging.log_interval",
	"log_format":    "logging.log_format",
	"log_dir":       "logging.log_dir",
	"wandb_project": "logging.wandb_project",
	"wandb_entity":  "logging.wandb_entity",

	"metrics_addr":   "observability.metrics.addr",
	"trace_backend":  "observability.tracing.backend",
	"trace_endpoint": "observability.tracing.endpoint",
}

// NewRootCmd builds the train command with the full flag surface
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train multi-task EHR prediction models",
		Long: `train runs the distributed training engine for the multi-task EHR
prediction benchmark. It spawns one worker per configured rank, walks the
epoch loop of train, validate, and checkpoint in lockstep across the
group, and resumes interrupted runs from checkpoint_last.json.`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, loader)
		},
	}

	registerFlags(cmd)
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the train command against the given base context
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// registerFlags declares the flag surface. Defaults match the original
// argparse surface so published run commands keep working unchanged.
func registerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.String("config", "", "YAML config file merged under flags")

	// required arguments
	flags.String("student_number", "", "student number selecting the registered model and dataset variant")
	flags.String("data_path", "", "path to the processed features consumed by the dataset")

	// validation
	flags.Float64("valid_percent", 0.0, "fraction of samples held out for the validation subset")

	// optimizer
	flags.Float64("lr", 0.005, "learning rate")
	flags.Int("batch_size", 64, "batch size")
	flags.Int("max_epoch", 50, "max epoch")

	// adam optimizer
	flags.String("adam_betas", "(0.9, 0.999)", "betas for Adam optimizer")
	flags.Float64("adam_eps", 1e-8, "epsilon for Adam optimizer")
	flags.Float64("weight_decay", 0.0, "weight decay")

	// fixed lr scheduler
	flags.Int("force_anneal", 0, "force annealing at specified epoch (0 to disable)")
	flags.Float64("lr_shrink", 0.1, "shrink factor for annealing, lr_new = lr * lr_shrink")
	flags.Int("warmup_updates", 0, "warmup the learning rate linearly for the first N updates")

	// training
	flags.Int64("seed", 42, "random seed")
	flags.Int("num_workers", 6, "num workers for loading batch")
	flags.Bool("pin_memory", true, "keep prefetched batches resident in reusable buffers")
	flags.Float64("clip_norm", 0.0, "clip threshold of gradients")
	flags.Int("all_gather_list_size", 1048576, "number of bytes reserved for gathering stats from workers")
	flags.Int("empty_cache_freq", 0, "how often to release cached batch buffers (0 to disable)")

	// distributed training
	flags.Int("distributed_world_size", 1, "total number of workers across all nodes")
	flags.Int("distributed_rank", 0, "rank of the current worker")
	flags.String("distributed_backend", "nccl", "distributed backend (local, gloo, nccl)")
	flags.String("distributed_init_method", "", "typically tcp://hostname:port used to establish the initial connection")
	flags.Int("distributed_port", 12355, "port number")
	flags.Int("device_id", 0, "which device to use")
	flags.String("ddp_comm_hook", "none", "gradient communication hook (none, fp16)")
	flags.Int("bucket_cap_mb", 25, "bucket size for reduction")
	flags.Bool("find_unused_parameters", false, "detect parameters that received no gradient during the backward pass")
	flags.Int("heartbeat_timeout", -1, "kill the job if no progress is made in N seconds; set to -1 to disable")
	flags.Bool("broadcast_buffers", false, "copy non-trainable buffers from the master to all workers each step")

	// checkpoint
	flags.String("save_dir", "checkpoints", "path to save checkpoints")
	flags.Int("save_interval", 1, "save a checkpoint every N epochs")
	flags.String("restore_file", "", "checkpoint file to restore from (default: checkpoint_last.json when present)")
	flags.Bool("no_save_optimizer_state", false, "don't save optimizer-state as part of checkpoint")
	flags.Bool("load_checkpoint_on_all_dp_ranks", false, "load checkpoints on all data parallel ranks (default: only load on rank 0 and broadcast to other ranks)")

	// logging
	flags.Int("log_interval", 50, "log interval")
	flags.String("log_format", "tqdm", "progress rendering style (simple, json, tqdm)")
	flags.String("log_dir", "", "directory for rotated log files")
	flags.String("wandb_project", "", "wandb project name")
	flags.String("wandb_entity", "", "wandb entity name")

	// observability
	flags.String("metrics_addr", "", "listen address for the Prometheus metrics endpoint (setting it enables the endpoint)")
	flags.String("trace_backend", "none", "tracing backend (none, jaeger, zipkin, otlp)")
	flags.String("trace_endpoint", "", "collector endpoint the trace exporter ships spans to")

	cobra.CheckErr(cmd.MarkFlagRequired("student_number"))
	cobra.CheckErr(cmd.MarkFlagRequired("data_path"))
}

// ============================================================================
// Configuration Resolution
// ============================================================================

// resolveConfig merges flags, environment, and the optional config file
// into a validated configuration. The loader is returned alongside so the
// run can subscribe to config file reloads.
func resolveConfig(cmd *cobra.Command) (*config.Config, *config.Loader, error) {
	cfgFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	loader, err := config.NewLoader(config.LoaderOptions{
		ConfigFile: cfgFile,
		ConfigType: "yaml",
		EnvPrefix:  "AI612",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config loader: %w", err)
	}

	v := loader.Viper()
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	// The metrics endpoint is opt-in: naming an address turns it on.
	if cmd.Flags().Changed("metrics_addr") {
		cfg.Observability.Metrics.Enabled = true
	}

	return cfg, loader, nil
}

// logEncoding maps the progress rendering style onto the zap encoder. The
// json style carries through to the structured log; simple and tqdm render
// progress themselves and log as console lines.
func logEncoding(logFormat string) string {
	if logFormat == "json" {
		return "json"
	}
	return "console"
}

// ============================================================================
// Run Entry Point
// ============================================================================

// runTrain wires the observability stack and hands the run to the
// orchestrator
func runTrain(ctx context.Context, cfg *config.Config, loader *config.Loader) error {
	logger, err := logging.NewTrainLogger(cfg.Logging.Level, logEncoding(cfg.Logging.LogFormat), cfg.Logging.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Config file edits during a run adjust the log level only; the
	// training topology is frozen once workers start.
	if loader.Viper().ConfigFileUsed() != "" {
		loader.OnReload(func(oldCfg, newCfg *config.Config) error {
			if oldCfg.Logging.Level == newCfg.Logging.Level {
				return nil
			}
			if ls, ok := logger.(interface{ SetLevel(string) }); ok {
				ls.SetLevel(newCfg.Logging.Level)
				logger.Info("log level changed", logging.String("level", newCfg.Logging.Level))
			}
			return nil
		})
		loader.Watch()
	}

	logger.Info("starting training run",
		logging.String("version", version),
		logging.String("commit", gitCommit),
	)

	collector := obsmetrics.NewMetricsCollector(obsmetrics.CollectorConfig{
		Namespace:            cfg.Observability.Metrics.Namespace,
		EnableGoMetrics:      true,
		EnableProcessMetrics: true,
	})

	tracer, err := trace.NewTracer(cfg.Observability.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", logging.Error(err))
		}
	}()

	return orchestrator.New(cfg, logger, collector, tracer).Run(ctx)
}

// ============================================================================
// Version Command
// ============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "train %s\n", version)
			fmt.Fprintf(out, "  build time: %s\n", buildTime)
			fmt.Fprintf(out, "  git commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  go version: %s\n", runtime.Version())
		},
	}
}
