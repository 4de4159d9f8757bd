package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

// Sink receives every reported progress record. Sinks are shared across
// epochs and closed once by the run owner.
type Sink interface {
	Publish(rec Record) error
	Close() error
}

// ============================================================================
// Noop Sink
// ============================================================================

// NoopSink discards records. It stands in for any sink whose backing
// configuration is absent.
type NoopSink struct{}

func (NoopSink) Publish(Record) error { return nil }
func (NoopSink) Close() error         { return nil }

// ============================================================================
// Dashboard Sink
// ============================================================================

// dashboardRecord is one appended metrics line of a dashboard run.
type dashboardRecord struct {
	Kind      string                 `json:"kind"`
	Epoch     int                    `json:"epoch,omitempty"`
	Step      int                    `json:"step,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// runHeader opens a dashboard run file.
type runHeader struct {
	Kind    string `json:"kind"`
	Project string `json:"project"`
	Entity  string `json:"entity,omitempty"`
	Run     string `json:"run"`
	Started int64  `json:"started"`
}

// runStatus is the sidecar status document, overwritten on every record
// so an external probe always sees the latest position of the run.
type runStatus struct {
	CurrentEpoch int                    `json:"current_epoch"`
	CurrentStep  int                    `json:"current_step"`
	Message      string                 `json:"message,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	Timestamp    int64                  `json:"timestamp"`
	StartTime    int64                  `json:"start_time"`
}

// DashboardSink appends run metrics to a local wandb-style line file
// under <log_dir>/dashboard/<project>/<run>.jsonl and keeps a sidecar
// <run>_status.json current. Keys of prefixed records are namespaced as
// prefix/key.
type DashboardSink struct {
	mu         sync.Mutex
	file       *os.File
	statusPath string
	started    time.Time
}

// NewDashboardSink opens the dashboard run files. An empty project name
// means the dashboard is unconfigured and a NoopSink is returned; the
// WANDB_NAME environment variable overrides the run name the way the
// original dashboard client does.
func NewDashboardSink(cfg config.LoggingConfig, runName string) (Sink, error) {
	if cfg.WandbProject == "" {
		return NoopSink{}, nil
	}
	if env := os.Getenv("WANDB_NAME"); env != "" {
		runName = env
	}
	base := cfg.LogDir
	if base == "" {
		base = "."
	}
	dir := filepath.Join(base, "dashboard", cfg.WandbProject)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapResourceError(err, errors.ErrSysInternalError.Code,
			fmt.Sprintf("create dashboard directory %s", dir))
	}
	file, err := os.OpenFile(filepath.Join(dir, runName+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapResourceError(err, errors.ErrSysInternalError.Code,
			fmt.Sprintf("open dashboard run file for %s", runName))
	}

	sink := &DashboardSink{
		file:       file,
		statusPath: filepath.Join(dir, runName+"_status.json"),
		started:    time.Now(),
	}
	header := runHeader{
		Kind:    "run",
		Project: cfg.WandbProject,
		Entity:  cfg.WandbEntity,
		Run:     runName,
		Started: sink.started.Unix(),
	}
	if err := utils.WriteJSONLine(file, header); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, errors.ErrSysInternalError.Code, "write dashboard run header")
	}
	return sink, nil
}

// Publish appends the record and refreshes the status sidecar.
func (d *DashboardSink) Publish(rec Record) error {
	metrics := make(map[string]interface{}, len(rec.Stats))
	for _, st := range rec.Stats {
		key := st.Key
		if rec.Prefix != "" {
			key = rec.Prefix + "/" + key
		}
		metrics[key] = st.Value
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	line := dashboardRecord{
		Kind:      rec.Kind,
		Epoch:     rec.Epoch,
		Step:      rec.Step,
		Metrics:   metrics,
		Timestamp: rec.Time.Unix(),
	}
	if err := utils.WriteJSONLine(d.file, line); err != nil {
		return err
	}

	status := runStatus{
		CurrentEpoch: rec.Epoch,
		CurrentStep:  rec.Step,
		Message:      rec.Kind,
		Metrics:      metrics,
		Timestamp:    rec.Time.Unix(),
		StartTime:    d.started.Unix(),
	}
	data, err := utils.ToJSONBytes(status)
	if err != nil {
		return err
	}
	return os.WriteFile(d.statusPath, data, 0o644)
}

// Close flushes and closes the run file.
func (d *DashboardSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
