// Package checkpoint persists and restores run state. Checkpoints are
// single JSON documents written atomically (temp file then rename) into
// the configured save directory, named by role: checkpoint{N}
// for interval epochs, checkpoint_best for the best validation score so
// far and checkpoint_last for every completed epoch.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Jwoo5/ai612-project2-2023/internal/distributed"
	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

const (
	// LastCheckpointName is written after every completed epoch and is
	// the implicit restore target.
	LastCheckpointName = "checkpoint_last.json"

	// BestCheckpointName aliases the snapshot with the best validation
	// score seen so far.
	BestCheckpointName = "checkpoint_best.json"
)

// EpochCheckpointName returns the file name of the numbered snapshot
// written on save_interval epochs.
func EpochCheckpointName(epoch int) string {
	return fmt.Sprintf("checkpoint%d.json", epoch)
}

// rankSuffixed inserts a rank marker before the extension for non-master
// writers, used when write_on_all_ranks is enabled.
func rankSuffixed(name string, rank int) string {
	if rank == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-rank" + strconv.Itoa(rank) + ext
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns one worker's view of the checkpoint directory. Whether it
// writes or reads files depends on the worker's rank and the checkpoint
// configuration; callers invoke the same methods on every rank.
type Manager struct {
	cfg    config.CheckpointConfig
	coord  *distributed.Coordinator
	logger logging.Logger
}

// NewManager creates a checkpoint manager for the given worker.
func NewManager(cfg config.CheckpointConfig, coord *distributed.Coordinator, logger logging.Logger) *Manager {
	return &Manager{cfg: cfg, coord: coord, logger: logger}
}

// VerifyDirectory creates the checkpoint directory if needed and probes
// it with a throwaway write. The orchestrator runs this on the master
// before the first epoch so a broken save_dir fails the run up front.
func (m *Manager) VerifyDirectory() error {
	if err := os.MkdirAll(m.cfg.SaveDir, 0o755); err != nil {
		return errors.WrapResourceError(err, errors.ErrCkptDirUnwritable.Code,
			fmt.Sprintf("create checkpoint directory %s", m.cfg.SaveDir))
	}
	probe := filepath.Join(m.cfg.SaveDir, ".write-probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return errors.WrapResourceError(err, errors.ErrCkptDirUnwritable.Code,
			fmt.Sprintf("checkpoint directory %s is not writable", m.cfg.SaveDir))
	}
	if err := os.Remove(probe); err != nil {
		return errors.WrapResourceError(err, errors.ErrCkptDirUnwritable.Code,
			fmt.Sprintf("remove write probe from %s", m.cfg.SaveDir))
	}
	m.logger.Info("checkpoint directory verified", logging.String("save_dir", m.cfg.SaveDir))
	return nil
}

// Save finalizes state in place (format version, timestamp, checksums)
// and writes it under every applicable name: the numbered snapshot on
// save_interval epochs, checkpoint_best when improved is set and
// checkpoint_last always. Non-master ranks return immediately unless
// write_on_all_ranks is enabled, in which case their files carry a rank
// suffix.
func (m *Manager) Save(state *State, improved bool) error {
	if !m.cfg.WriteOnAllRanks && !m.coord.IsMaster() {
		return nil
	}
	start := time.Now()
	if m.cfg.NoSaveOptimizerState {
		state.Optimizer = nil
	}
	state.FormatVersion = FormatVersion
	state.SavedAt = start
	if err := state.ComputeChecksums(); err != nil {
		return err
	}
	data, err := utils.ToJSONBytes(state)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCkptSaveFailed.Code,
			"serialize checkpoint for epoch %d", state.Epoch)
	}

	var names []string
	if state.Epoch%m.cfg.SaveInterval == 0 {
		names = append(names, EpochCheckpointName(state.Epoch))
	}
	if improved {
		names = append(names, BestCheckpointName)
	}
	names = append(names, LastCheckpointName)

	rank := m.coord.Rank()
	written := make([]string, 0, len(names))
	for _, name := range names {
		target := filepath.Join(m.cfg.SaveDir, rankSuffixed(name, rank))
		if err := m.writeAtomic(data, target); err != nil {
			return err
		}
		written = append(written, target)
	}

	fields := []logging.Field{
		logging.Int("epoch", state.Epoch),
		logging.Int("num_updates", state.NumUpdates),
		logging.Strings("files", written),
		logging.Duration("took", time.Since(start)),
	}
	if state.BestScore != nil {
		fields = append(fields, logging.Float64("best_score", *state.BestScore))
	}
	m.logger.Info("saved checkpoint", fields...)
	return nil
}

// writeAtomic stages the payload beside the target and renames it into
// place.
func (m *Manager) writeAtomic(data []byte, target string) error {
	tmp := target + ".tmp-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapResourceError(err, errors.ErrCkptSaveFailed.Code,
			fmt.Sprintf("stage checkpoint %s", target))
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.WrapResourceError(err, errors.ErrCkptSaveFailed.Code,
			fmt.Sprintf("publish checkpoint %s", target))
	}
	return nil
}

// Load restores the run state to resume from. With no restore_file
// configured it reads checkpoint_last when present and reports a fresh
// start (nil state, nil error) otherwise; an explicitly configured file
// must exist. Unless load_checkpoint_on_all_dp_ranks is set, only rank
// zero touches the disk and the bytes reach the other workers over a
// broadcast.
func (m *Manager) Load(ctx context.Context) (*State, error) {
	explicit := m.cfg.RestoreFile != ""
	name := m.cfg.RestoreFile
	if !explicit {
		name = LastCheckpointName
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.cfg.SaveDir, name)
	}

	if m.cfg.LoadCheckpointOnAllDPRanks || m.coord.WorldSize() == 1 {
		data, err := m.readFile(path, explicit)
		if err != nil || data == nil {
			return nil, err
		}
		return m.decode(data, path)
	}

	var data []byte
	if m.coord.IsMaster() {
		b, err := m.readFile(path, explicit)
		if err != nil {
			return nil, err
		}
		data = b
	}
	shared, err := m.coord.Broadcast(ctx, data, 0)
	if err != nil {
		return nil, err
	}
	if len(shared) == 0 {
		return nil, nil
	}
	return m.decode(shared, path)
}

func (m *Manager) readFile(path string, explicit bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if os.IsNotExist(err) {
		if explicit {
			return nil, errors.NewFromCodef(errors.ErrCkptNotFound,
				"restore file %s does not exist", path)
		}
		m.logger.Info("no checkpoint found, starting fresh", logging.String("path", path))
		return nil, nil
	}
	return nil, errors.WrapResourceError(err, errors.ErrCkptCorrupt.Code,
		fmt.Sprintf("read checkpoint %s", path))
}

func (m *Manager) decode(data []byte, path string) (*State, error) {
	var state State
	if err := utils.FromJSONBytes(data, &state); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCkptCorrupt.Code, "decode checkpoint %s", path)
	}
	if err := state.VerifyIntegrity(); err != nil {
		return nil, err
	}
	fields := []logging.Field{
		logging.String("file", path),
		logging.Int("epoch", state.Epoch),
		logging.Int("num_updates", state.NumUpdates),
	}
	if state.BestScore != nil {
		fields = append(fields, logging.Float64("best_score", *state.BestScore))
	}
	m.logger.Info("loaded checkpoint", fields...)
	return &state, nil
}
