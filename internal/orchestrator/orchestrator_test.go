package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/checkpoint"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	obsmetrics "github.com/Jwoo5/ai612-project2-2023/internal/observability/metrics"
	"github.com/Jwoo5/ai612-project2-2023/internal/orchestrator"
	"github.com/Jwoo5/ai612-project2-2023/internal/task/ehr"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

// ============================================================================
// Harness
// ============================================================================

// writeData generates a small reference dataset and returns its directory.
// missingRate is the fraction of multiclass labels dropped to -1.
func writeData(t *testing.T, missingRate float64) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, ehr.WriteSyntheticDataset(dir, 48, 8, 42, missingRate))
	return dir
}

// engineConfig builds a complete configuration for a short reference run:
// 48 items split 36/12, six-item global batches, so an epoch is six updates
// and two validation steps at any world size.
func engineConfig(t *testing.T, world int, dataDir string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Run: config.RunConfig{
			StudentNumber: ehr.ReferenceStudentNumber,
			DataPath:      dataDir,
			ValidPercent:  0.25,
			Seed:          42,
			MaxEpoch:      2,
			BatchSize:     6,
		},
		Optimization: config.OptimizationConfig{
			LR:        0.005,
			AdamBetas: "(0.9, 0.999)",
			AdamEps:   1e-8,
			LRShrink:  0.1,
		},
		Distributed: config.DistributedConfig{
			WorldSize:         world,
			Backend:           "local",
			DDPCommHook:       "none",
			BucketCapMB:       25,
			HeartbeatTimeout:  -1,
			AllGatherListSize: 1 << 20,
		},
		Checkpoint: config.CheckpointConfig{
			SaveDir:      filepath.Join(t.TempDir(), "checkpoints"),
			SaveInterval: 1,
		},
		Logging: config.LoggingConfig{
			LogFormat:   "simple",
			LogInterval: 2,
		},
		Observability: config.ObservabilityConfig{
			Tracing: config.TracingConfig{Backend: "none"},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// runEngine drives one full run recording into a private metrics registry
func runEngine(t *testing.T, cfg *config.Config) (*prometheus.Registry, error) {
	t.Helper()
	registry := prometheus.NewRegistry()
	collector := obsmetrics.NewMetricsCollector(obsmetrics.CollectorConfig{Registry: registry})
	orch := orchestrator.New(cfg, logging.NewNoopLogger(), collector, nil)
	return registry, orch.Run(context.Background())
}

func readState(t *testing.T, dir, name string) *checkpoint.State {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	var state checkpoint.State
	require.NoError(t, utils.FromJSONBytes(data, &state))
	return &state
}

// gaugeValue reads a labelless gauge that the run must have set
func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.NotEmpty(t, mf.GetMetric(), "metric %s has no samples", name)
		return mf.GetMetric()[0].GetGauge().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

// counterValue reads a counter matching the given labels; a counter that
// was never incremented reads zero
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := true
			for key, want := range labels {
				found := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					matched = false
					break
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// ============================================================================
// Full Runs
// ============================================================================

func TestRunTrainsAndCheckpoints(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))

	registry, err := runEngine(t, cfg)
	require.NoError(t, err)

	dir := cfg.Checkpoint.SaveDir
	require.FileExists(t, filepath.Join(dir, checkpoint.EpochCheckpointName(1)))
	require.FileExists(t, filepath.Join(dir, checkpoint.EpochCheckpointName(2)))
	require.FileExists(t, filepath.Join(dir, checkpoint.BestCheckpointName))
	require.FileExists(t, filepath.Join(dir, checkpoint.LastCheckpointName))
	require.FileExists(t, filepath.Join(dir, "config.yaml"))

	state := readState(t, dir, checkpoint.LastCheckpointName)
	assert.Equal(t, 2, state.Epoch)
	assert.Equal(t, 12, state.NumUpdates)
	assert.True(t, strings.HasPrefix(state.RunID, "run_"), "run id %q", state.RunID)
	assert.Equal(t, int64(42), state.Seed)
	require.NotNil(t, state.BestScore)
	assert.Greater(t, *state.BestScore, 0.0)
	assert.LessOrEqual(t, *state.BestScore, 1.0)
	assert.NotEmpty(t, state.Model)
	require.NotNil(t, state.Optimizer)
	assert.Equal(t, 12, state.Optimizer.Step)

	assert.Equal(t, float64(1), gaugeValue(t, registry, "distributed_world_size"))
	assert.Equal(t, float64(2), gaugeValue(t, registry, "train_epoch"))
	assert.Equal(t, float64(12), counterValue(t, registry, "train_updates_total", nil))
	assert.Equal(t, float64(2), counterValue(t, registry, "checkpoint_saves_total", map[string]string{"kind": "last"}))
	assert.Equal(t, float64(2), counterValue(t, registry, "checkpoint_saves_total", map[string]string{"kind": "epoch"}))
	assert.GreaterOrEqual(t, counterValue(t, registry, "checkpoint_saves_total", map[string]string{"kind": "best"}), float64(1))

	best := gaugeValue(t, registry, "valid_best_auroc")
	assert.InDelta(t, *state.BestScore, best, 1e-9)
	assert.LessOrEqual(t, gaugeValue(t, registry, "valid_auroc"), best)
}

func TestRunWithTwoWorkers(t *testing.T) {
	cfg := engineConfig(t, 2, writeData(t, 0.1))

	registry, err := runEngine(t, cfg)
	require.NoError(t, err)

	dir := cfg.Checkpoint.SaveDir
	require.FileExists(t, filepath.Join(dir, checkpoint.LastCheckpointName))

	state := readState(t, dir, checkpoint.LastCheckpointName)
	assert.Equal(t, 2, state.Epoch)
	// each step covers one global batch, so the update count matches the
	// single worker run
	assert.Equal(t, 12, state.NumUpdates)

	assert.Equal(t, float64(2), gaugeValue(t, registry, "distributed_world_size"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "-rank", "only the master writes checkpoints")
	}
}

func TestNoValidationHeldOut(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))
	cfg.Run.ValidPercent = 0

	_, err := runEngine(t, cfg)
	require.NoError(t, err)

	dir := cfg.Checkpoint.SaveDir
	require.FileExists(t, filepath.Join(dir, checkpoint.LastCheckpointName))
	assert.NoFileExists(t, filepath.Join(dir, checkpoint.BestCheckpointName))

	state := readState(t, dir, checkpoint.LastCheckpointName)
	// all 48 items train, eight six-item batches per epoch
	assert.Equal(t, 16, state.NumUpdates)
	assert.Nil(t, state.BestScore)
}

func TestSaveIntervalGatesEpochSnapshots(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))
	cfg.Run.MaxEpoch = 3
	cfg.Checkpoint.SaveInterval = 2

	_, err := runEngine(t, cfg)
	require.NoError(t, err)

	dir := cfg.Checkpoint.SaveDir
	assert.NoFileExists(t, filepath.Join(dir, checkpoint.EpochCheckpointName(1)))
	require.FileExists(t, filepath.Join(dir, checkpoint.EpochCheckpointName(2)))
	assert.NoFileExists(t, filepath.Join(dir, checkpoint.EpochCheckpointName(3)))
	require.FileExists(t, filepath.Join(dir, checkpoint.BestCheckpointName))
	require.FileExists(t, filepath.Join(dir, checkpoint.LastCheckpointName))
}

// ============================================================================
// Resume
// ============================================================================

func TestResumeContinuesTheRun(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))

	_, err := runEngine(t, cfg)
	require.NoError(t, err)
	first := readState(t, cfg.Checkpoint.SaveDir, checkpoint.LastCheckpointName)
	require.NotNil(t, first.BestScore)

	resumed := *cfg
	resumed.Run.MaxEpoch = 4
	registry, err := runEngine(t, &resumed)
	require.NoError(t, err)

	second := readState(t, cfg.Checkpoint.SaveDir, checkpoint.LastCheckpointName)
	assert.Equal(t, first.RunID, second.RunID, "a resumed run keeps its identity")
	assert.Equal(t, 4, second.Epoch)
	assert.Equal(t, 24, second.NumUpdates)
	require.NotNil(t, second.BestScore)
	assert.GreaterOrEqual(t, *second.BestScore, *first.BestScore)

	assert.Equal(t, float64(1), counterValue(t, registry, "checkpoint_restores_total", nil))
	// only the two fresh epochs trained in the second process
	assert.Equal(t, float64(12), counterValue(t, registry, "train_updates_total", nil))
}

// ============================================================================
// Determinism
// ============================================================================

// A fully labeled dataset keeps every per-column loss denominator equal
// across the shards of a batch, so the split-batch group applies the same
// update sequence a single worker would and both runs land on the same
// best score.
func TestBestScoreInvariantAcrossWorldSizes(t *testing.T) {
	dataDir := writeData(t, 0)

	solo := engineConfig(t, 1, dataDir)
	_, err := runEngine(t, solo)
	require.NoError(t, err)

	group := engineConfig(t, 2, dataDir)
	_, err = runEngine(t, group)
	require.NoError(t, err)

	soloState := readState(t, solo.Checkpoint.SaveDir, checkpoint.LastCheckpointName)
	groupState := readState(t, group.Checkpoint.SaveDir, checkpoint.LastCheckpointName)

	assert.Equal(t, soloState.Epoch, groupState.Epoch)
	assert.Equal(t, soloState.NumUpdates, groupState.NumUpdates)
	require.NotNil(t, soloState.BestScore)
	require.NotNil(t, groupState.BestScore)
	assert.Equal(t, *soloState.BestScore, *groupState.BestScore)
}

// ============================================================================
// Failure Paths
// ============================================================================

func TestUnknownStudentNumberFailsFast(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))
	cfg.Run.StudentNumber = "99999999"

	orch := orchestrator.New(cfg, logging.NewNoopLogger(), nil, nil)
	err := orch.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfUnknownVariant.Code))
	assert.NoFileExists(t, filepath.Join(cfg.Checkpoint.SaveDir, checkpoint.LastCheckpointName))
}

func TestExplicitRestoreFileMustExist(t *testing.T) {
	cfg := engineConfig(t, 1, writeData(t, 0.1))
	cfg.Checkpoint.RestoreFile = "checkpoint99.json"

	_, err := runEngine(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCkptNotFound.Code))
}
