// Package orchestrator composes the training engine into the epoch loop.
// Run spawns one worker per configured rank; every worker builds its own
// model replica, trainer, and checkpoint view, then walks the same epoch
// sequence in lockstep: train, validate, fold the score into the run,
// save, barrier. Reduced stats come from logging outputs gathered across
// the whole group, so they are identical on every rank and the master
// publishes them once while the other ranks render to a discarded writer.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/Jwoo5/ai612-project2-2023/internal/checkpoint"
	"github.com/Jwoo5/ai612-project2-2023/internal/distributed"
	"github.com/Jwoo5/ai612-project2-2023/internal/domain/run"
	"github.com/Jwoo5/ai612-project2-2023/internal/metrics"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	obsmetrics "github.com/Jwoo5/ai612-project2-2023/internal/observability/metrics"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/trace"
	"github.com/Jwoo5/ai612-project2-2023/internal/progress"
	"github.com/Jwoo5/ai612-project2-2023/internal/task"
	"github.com/Jwoo5/ai612-project2-2023/internal/trainer"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator owns the process-level pieces of a training run: the
// configuration, the root logger, the Prometheus collector, and the
// tracer. Per-worker state lives on the workers it spawns.
type Orchestrator struct {
	cfg       *config.Config
	logger    logging.Logger
	collector *obsmetrics.MetricsCollector
	tracer    trace.Tracer
}

// New wires an orchestrator. A nil collector gets a private registry and
// a nil tracer is replaced with the no-op implementation, so callers only
// hand over the pieces they care about.
func New(cfg *config.Config, logger logging.Logger, collector *obsmetrics.MetricsCollector, tracer trace.Tracer) *Orchestrator {
	if collector == nil {
		collector = obsmetrics.NewMetricsCollector(obsmetrics.CollectorConfig{
			Namespace: cfg.Observability.Metrics.Namespace,
		})
	}
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		collector: collector,
		tracer:    tracer,
	}
}

// Run executes the training run and blocks until every worker has
// finished. The metrics endpoint, when enabled, serves for the lifetime
// of the run; the first worker error tears the group down and surfaces
// here.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Observability.Metrics.Enabled {
		server := obsmetrics.NewServer(o.cfg.Observability.Metrics, o.collector, o.logger)
		server.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				o.logger.Warn("metrics server shutdown", logging.Error(err))
			}
		}()
	}
	o.collector.SetWorldSize(o.cfg.Distributed.WorldSize)

	return distributed.CallMain(ctx, o.cfg, o.logger, o.workerMain)
}

// ============================================================================
// Worker Setup
// ============================================================================

// worker is one rank's view of the run: its trainer, aggregator,
// checkpoint manager, run entity, and reporting surfaces.
type worker struct {
	cfg       *config.Config
	coord     *distributed.Coordinator
	logger    logging.Logger
	collector *obsmetrics.MetricsCollector
	tracer    trace.Tracer

	agg      *metrics.Aggregator
	trainer  *trainer.Trainer
	manager  *checkpoint.Manager
	run      *run.Run
	watchdog *distributed.Watchdog
	sink     progress.Sink
	out      io.Writer
}

func (w *worker) master() bool {
	return w.coord.IsMaster()
}

// workerMain is the per-rank body handed to CallMain. It assembles the
// worker, restores or creates the run, and drives the epoch loop.
func (o *Orchestrator) workerMain(ctx context.Context, coord *distributed.Coordinator) error {
	logger := o.logger.With(logging.Int("rank", coord.Rank()))
	agg := metrics.NewAggregator()

	manager := checkpoint.NewManager(o.cfg.Checkpoint, coord, logger.Named("checkpoint"))
	if coord.IsMaster() {
		if err := manager.VerifyDirectory(); err != nil {
			return err
		}
		if err := config.WriteSnapshot(o.cfg, o.cfg.Checkpoint.SaveDir); err != nil {
			return err
		}
		logger.Info("resolved configuration", logging.Any("config", o.cfg))
	}

	registry := task.Default()
	model, err := registry.BuildModel(o.cfg.Run.ModelName(), o.cfg)
	if err != nil {
		return err
	}
	criterion, err := registry.BuildCriterion(o.cfg.Run.CriterionName(), o.cfg)
	if err != nil {
		return err
	}
	dataset, err := registry.BuildDataset(o.cfg.Run.DatasetName(), o.cfg)
	if err != nil {
		return err
	}
	if coord.IsMaster() {
		logger.Info("built task",
			logging.String("model", model.Name()),
			logging.String("criterion", criterion.Name()),
			logging.String("dataset", dataset.Name()),
			logging.Int("dataset_size", dataset.Len()),
		)
	}

	tr, err := trainer.New(o.cfg, coord, model, criterion, dataset, logger)
	if err != nil {
		return err
	}
	if coord.IsMaster() {
		logger.Info(fmt.Sprintf("training on %d devices (GPUs)", coord.WorldSize()))
	}

	state, err := manager.Load(ctx)
	if err != nil {
		return err
	}

	r := run.NewRun(o.cfg.Run.StudentNumber, o.cfg.Run.Seed, coord.WorldSize())
	if state != nil && state.RunID != "" {
		r.ID = state.RunID
	}
	// every rank stamps and logs the same run id
	sharedID, err := coord.Broadcast(ctx, []byte(r.ID), 0)
	if err != nil {
		return err
	}
	r.ID = string(sharedID)

	if err := r.Start(); err != nil {
		return err
	}
	if state != nil {
		if err := tr.LoadState(state); err != nil {
			return err
		}
		if err := r.Restore(state.Epoch, state.NumUpdates, state.BestScore); err != nil {
			return err
		}
		if coord.IsMaster() {
			o.collector.RecordCheckpointRestore()
		}
	}

	ctx = logging.WithRunID(ctx, r.ID)
	ctx = logging.WithRank(ctx, coord.Rank())
	logger = o.logger.WithContext(ctx)

	var timeout time.Duration
	if hb := o.cfg.Distributed.HeartbeatTimeout; hb > 0 {
		timeout = time.Duration(hb) * time.Second
	}
	ctx, wd := distributed.StartWatchdog(ctx, coord.Rank(), timeout, logger)
	defer wd.Stop()

	var out io.Writer = io.Discard
	var sink progress.Sink = progress.NoopSink{}
	if coord.IsMaster() {
		out = os.Stdout
		if sink, err = progress.NewDashboardSink(o.cfg.Logging, o.cfg.RunName()); err != nil {
			return err
		}
		defer sink.Close()
	}

	w := &worker{
		cfg:       o.cfg,
		coord:     coord,
		logger:    logger,
		collector: o.collector,
		tracer:    o.tracer,
		agg:       agg,
		trainer:   tr,
		manager:   manager,
		run:       r,
		watchdog:  wd,
		sink:      sink,
		out:       out,
	}

	if err := w.trainLoop(ctx); err != nil {
		if errors.GetCode(err) == errors.ErrCoordHeartbeatExpired.Code {
			o.collector.RecordHeartbeatExpiration(coord.Rank())
		}
		if stderrors.Is(err, context.Canceled) {
			_ = r.Cancel()
		} else {
			_ = r.Fail(err.Error())
		}
		return err
	}
	return r.Complete()
}

// ============================================================================
// Epoch Loop
// ============================================================================

// trainLoop walks epochs from the resume point to max_epoch. Every epoch
// ends with a checkpoint save followed by a barrier, so no worker opens
// the next epoch while the snapshot is still being written.
func (w *worker) trainLoop(ctx context.Context) error {
	trainMeter := metrics.NewStopwatchMeter(-1)
	trainMeter.Start()

	for epoch := w.run.Epoch + 1; epoch <= w.cfg.Run.MaxEpoch; epoch++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := w.run.AdvanceEpoch(epoch); err != nil {
			return err
		}
		if w.master() {
			w.collector.SetEpoch(epoch)
		}

		if err := w.trainEpoch(ctx, epoch); err != nil {
			return err
		}

		var validLoss float64
		improved := false
		if w.trainer.ValidIterator() != nil {
			var err error
			validLoss, improved, err = w.validate(ctx, epoch)
			if err != nil {
				return err
			}
		}
		if _, err := w.trainer.LRStep(epoch, validLoss); err != nil {
			return err
		}
		if err := w.run.RecordUpdates(w.trainer.NumUpdates()); err != nil {
			return err
		}

		if err := w.saveCheckpoint(ctx, epoch, improved); err != nil {
			return err
		}
		if err := w.coord.Barrier(ctx); err != nil {
			return err
		}
		if w.master() {
			w.collector.UpdateSystemMetrics()
		}
	}

	trainMeter.Stop()
	w.logger.Info(fmt.Sprintf("done training in %.1f seconds", trainMeter.Sum()))
	return nil
}

// ============================================================================
// Epoch Training
// ============================================================================

// trainEpoch runs one pass over the training shard under the epoch-level
// "train" aggregation context.
func (w *worker) trainEpoch(ctx context.Context, epoch int) error {
	return trace.TraceFunc(ctx, w.tracer, "train_epoch", func(ctx context.Context) error {
		trace.SetSpanAttributes(ctx,
			trace.RunIDAttr(w.run.ID),
			trace.RankAttr(w.coord.Rank()),
			trace.EpochAttr(epoch),
		)
		epochStart := time.Now()

		if err := w.trainer.BeginEpoch(epoch); err != nil {
			return err
		}

		batches := w.trainer.Iterator().NextEpochIterator(true)
		defer batches.Close()

		reporter := progress.NewReporter(w.cfg.Logging, epoch, batches.Len(), w.logger,
			progress.WithWriter(w.out), progress.WithSinks(w.sink))

		_, release := w.agg.Aggregate("train", false)
		defer release()

		w.logger.Info("Start iterating over samples")
		for {
			sample, err := batches.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			stepStart := time.Now()
			logs, err := w.trainStep(ctx, sample)
			if err != nil {
				return err
			}
			w.watchdog.Beat(w.trainer.NumUpdates())

			if logs == nil {
				if w.master() {
					w.collector.RecordSkippedStep(w.trainer.LastSkipReason())
				}
				continue
			}
			if w.master() {
				w.collector.RecordUpdate(w.trainer.LR(), w.trainer.GradNorm(),
					totalSampleSize(logs), time.Since(stepStart))
			}

			if w.trainer.NumUpdates()%w.cfg.Logging.LogInterval == 0 {
				stats := w.trainingStats(w.agg.GetContext("train_inner"))
				reporter.Log(stats, batches.Count())
				w.agg.ResetMeters("train_inner")
			}
		}

		w.logger.Info(fmt.Sprintf("end of epoch %d (average epoch stats below)", epoch))
		stats := w.trainingStats(w.agg.GetContext("train"))
		reporter.Print(stats, "train")
		w.agg.ResetMeters("train")

		if w.master() {
			if v, ok := stats.Get("loss"); ok {
				if loss, ok := v.(float64); ok {
					w.collector.RecordLoss("train", loss)
				}
			}
			w.collector.RecordEpochDuration("train", time.Since(epochStart))
		}
		return nil
	})
}

// trainStep runs one batch inside a fresh train_inner window so mid-epoch
// stats can be reset on the log_interval cadence without touching the
// epoch aggregate. A skipped update returns nil logs and a nil error.
func (w *worker) trainStep(ctx context.Context, sample *task.Sample) ([]*task.LogOutput, error) {
	_, release := w.agg.Aggregate("train_inner", false)
	defer release()

	logs, err := w.trainer.TrainStep(ctx, sample)
	if err != nil || logs == nil {
		return nil, err
	}
	if err := w.trainer.Criterion().ReduceMetrics(logs, w.agg); err != nil {
		return nil, err
	}
	return logs, nil
}

// ============================================================================
// Validation
// ============================================================================

// validate scores the held-out shard once and folds the macro AUROC into
// the run's monotonic best. It returns the smoothed validation loss and
// whether the score improved on everything seen before.
func (w *worker) validate(ctx context.Context, epoch int) (float64, bool, error) {
	ctx, span := w.tracer.Start(ctx, "validate")
	defer span.End()
	trace.SetSpanAttributes(ctx,
		trace.RunIDAttr(w.run.ID),
		trace.RankAttr(w.coord.Rank()),
		trace.EpochAttr(epoch),
		trace.SplitAttr("valid"),
	)
	start := time.Now()

	if err := w.trainer.BeginValidEpoch(epoch); err != nil {
		return 0, false, err
	}
	w.logger.Info(fmt.Sprintf(`begin validation on "%.1f-validation" subset`, w.cfg.Run.ValidPercent))

	batches := w.trainer.ValidIterator().NextEpochIterator(false)
	defer batches.Close()

	reporter := progress.NewReporter(w.cfg.Logging, epoch, batches.Len(), w.logger,
		progress.WithWriter(w.out), progress.WithSinks(w.sink))

	// a fresh anonymous root, so validation numbers never mix with the
	// train aggregates and nothing lingers for the next epoch
	aggCtx, release := w.agg.Aggregate("", true)
	defer release()

	for {
		sample, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, false, err
		}
		logs, err := w.trainer.ValidStep(ctx, sample)
		if err != nil {
			return 0, false, err
		}
		if len(logs) > 0 {
			if err := w.trainer.Criterion().ReduceMetrics(logs, w.agg); err != nil {
				return 0, false, err
			}
		}
	}

	values := aggCtx.GetSmoothedValues()
	auroc, scored := values[metrics.AurocKey]
	if !scored {
		w.logger.Warn("validation pass produced no scored batches", logging.Int("epoch", epoch))
		return 0, false, nil
	}
	improved := w.run.ObserveScore(auroc)

	stats := statsFromContext(aggCtx)
	stats.Add("num_updates", w.trainer.NumUpdates())
	stats.Add("best_auroc", *w.run.BestScore)
	reporter.Print(stats, "valid")

	if w.master() {
		w.collector.RecordValidation(auroc, *w.run.BestScore)
		if loss, ok := values["loss"]; ok {
			w.collector.RecordLoss("valid", loss)
		}
		w.collector.RecordEpochDuration("valid", time.Since(start))
	}
	return values["loss"], improved, nil
}

// ============================================================================
// Checkpointing
// ============================================================================

// saveCheckpoint snapshots the run after an epoch. All ranks call it;
// whether a rank writes files is the manager's decision.
func (w *worker) saveCheckpoint(ctx context.Context, epoch int, improved bool) error {
	timer, tctx := trace.StartTimer(ctx, w.tracer, "checkpoint_save")
	defer timer.Stop()
	trace.SetSpanAttributes(tctx,
		trace.RunIDAttr(w.run.ID),
		trace.EpochAttr(epoch),
		trace.NumUpdatesAttr(w.trainer.NumUpdates()),
	)

	state := &checkpoint.State{
		RunID:      w.run.ID,
		Epoch:      epoch,
		NumUpdates: w.trainer.NumUpdates(),
		BestScore:  w.run.BestScore,
		Seed:       w.cfg.Run.Seed,
		Model:      w.trainer.Model().StateDict(),
		Optimizer:  w.trainer.OptimizerState(),
	}

	start := time.Now()
	err := w.manager.Save(state, improved)
	if !w.master() {
		return err
	}
	took := time.Since(start)
	if err != nil {
		w.collector.RecordCheckpointSave("last", took, err)
		return err
	}
	if epoch%w.cfg.Checkpoint.SaveInterval == 0 {
		w.collector.RecordCheckpointSave("epoch", took, nil)
	}
	if improved {
		w.collector.RecordCheckpointSave("best", took, nil)
	}
	w.collector.RecordCheckpointSave("last", took, nil)
	return nil
}

// ============================================================================
// Stats Assembly
// ============================================================================

// statsFromContext flattens a context's smoothed values into ordered
// stats: visible meters in insertion order, then the derived AUROC.
func statsFromContext(aggCtx *metrics.Context) progress.Stats {
	stats := progress.Stats{}
	if aggCtx == nil {
		return stats
	}
	values := aggCtx.GetSmoothedValues()
	for _, key := range aggCtx.Keys() {
		if v, ok := values[key]; ok {
			stats.Add(key, v)
			delete(values, key)
		}
	}
	if v, ok := values[metrics.AurocKey]; ok {
		stats.Add(metrics.AurocKey, v)
	}
	return stats
}

// trainingStats flattens the context and appends the run's wall clock,
// rounded to whole seconds.
func (w *worker) trainingStats(aggCtx *metrics.Context) progress.Stats {
	stats := statsFromContext(aggCtx)
	if wall, ok := w.agg.GetMeter(metrics.DefaultContext, metrics.WallKey).(*metrics.StopwatchMeter); ok {
		stats.Add("wall", math.Round(wall.ElapsedSeconds()))
	}
	return stats
}

func totalSampleSize(logs []*task.LogOutput) int {
	total := 0
	for _, log := range logs {
		if log != nil {
			total += log.SampleSize
		}
	}
	return total
}
