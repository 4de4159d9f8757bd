package progress_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/internal/progress"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
	"github.com/Jwoo5/ai612-project2-2023/pkg/utils"
)

func loggingConfig(format string) config.LoggingConfig {
	return config.LoggingConfig{LogFormat: format, LogInterval: 1}
}

type collectSink struct {
	mu   sync.Mutex
	recs []progress.Record
}

func (c *collectSink) Publish(rec progress.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collectSink) Close() error { return nil }

type failSink struct{}

func (failSink) Publish(progress.Record) error { return errors.InternalError("sink down") }
func (failSink) Close() error                  { return nil }

func TestStats(t *testing.T) {
	t.Run("keeps insertion order in json", func(t *testing.T) {
		stats := progress.Stats{}
		stats.Add("loss", 2.164)
		stats.Add("batch_size", 8)
		stats.Add("wall", 12.0)

		data, err := stats.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `{"loss":2.164,"batch_size":8,"wall":12}`, string(data))

		v, ok := stats.Get("batch_size")
		require.True(t, ok)
		assert.Equal(t, 8, v)
		_, ok = stats.Get("missing")
		assert.False(t, ok)
	})
}

func TestSimpleStyle(t *testing.T) {
	t.Run("log renders step position and stats", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("simple"), 3, 120, logging.NewNoopLogger(), progress.WithWriter(&buf))

		r.Log(progress.Stats{{Key: "loss", Value: 2.164}, {Key: "ups", Value: 3.2}}, 45)

		out := buf.String()
		assert.Contains(t, out, "epoch 003:")
		assert.Contains(t, out, "45 / 120")
		assert.Contains(t, out, "loss=2.164, ups=3.2")
		assert.True(t, strings.HasSuffix(out, "\n"))
	})

	t.Run("print renders the prefixed summary", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("simple"), 3, 120, logging.NewNoopLogger(), progress.WithWriter(&buf))

		r.Print(progress.Stats{{Key: "loss", Value: 2.1}, {Key: "best_auroc", Value: 0.87}}, "valid")

		out := buf.String()
		assert.Contains(t, out, "epoch 003 | valid |")
		assert.Contains(t, out, "loss 2.1 | best_auroc 0.87")
	})
}

func TestJSONStyle(t *testing.T) {
	t.Run("log leads with epoch and fractional update", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("json"), 2, 120, logging.NewNoopLogger(), progress.WithWriter(&buf))

		r.Log(progress.Stats{{Key: "loss", Value: 2.164}}, 30)

		line := strings.TrimSpace(buf.String())
		assert.True(t, strings.HasPrefix(line, `{"epoch":2,"update":1.25`), line)

		var decoded map[string]interface{}
		require.NoError(t, utils.FromJSONBytes([]byte(line), &decoded))
		assert.Equal(t, 2.0, decoded["epoch"])
		assert.Equal(t, 1.25, decoded["update"])
		assert.Equal(t, 2.164, decoded["loss"])
	})

	t.Run("print carries the prefix", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("json"), 5, 10, logging.NewNoopLogger(), progress.WithWriter(&buf))

		r.Print(progress.Stats{{Key: "valid_loss", Value: 1.9}}, "valid")

		line := strings.TrimSpace(buf.String())
		assert.True(t, strings.HasPrefix(line, `{"epoch":5,"prefix":"valid"`), line)

		var decoded map[string]interface{}
		require.NoError(t, utils.FromJSONBytes([]byte(line), &decoded))
		assert.Equal(t, 1.9, decoded["valid_loss"])
	})
}

func TestTqdmStyle(t *testing.T) {
	t.Run("renders an in-place bar and a final summary", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("tqdm"), 7, 10, logging.NewNoopLogger(), progress.WithWriter(&buf))

		r.Log(progress.Stats{{Key: "loss", Value: 2.5}}, 5)
		r.Print(progress.Stats{{Key: "loss", Value: 2.4}}, "")

		out := buf.String()
		assert.Contains(t, out, "\repoch 007:")
		assert.Contains(t, out, "50%")
		assert.Contains(t, out, "█")
		assert.Contains(t, out, "5/10")
		assert.Contains(t, out, "loss=2.5")
		assert.Contains(t, out, "\nepoch 007 | loss 2.4")
	})

	t.Run("redraws are throttled below the call rate", func(t *testing.T) {
		var buf bytes.Buffer
		r := progress.NewReporter(loggingConfig("tqdm"), 1, 1000, logging.NewNoopLogger(), progress.WithWriter(&buf))

		for step := 1; step <= 200; step++ {
			r.Log(progress.Stats{{Key: "loss", Value: 1.0}}, step)
		}

		redraws := strings.Count(buf.String(), "\r")
		assert.GreaterOrEqual(t, redraws, 1)
		assert.Less(t, redraws, 20, "in-place redraws must be rate limited")
	})
}

func TestReporterSinks(t *testing.T) {
	t.Run("records fan out with kind, prefix and step", func(t *testing.T) {
		sink := &collectSink{}
		r := progress.NewReporter(loggingConfig("json"), 4, 50, logging.NewNoopLogger(),
			progress.WithWriter(io.Discard), progress.WithSinks(sink))

		r.Log(progress.Stats{{Key: "loss", Value: 3.0}}, 10)
		r.Print(progress.Stats{{Key: "auroc", Value: 0.8}}, "valid")

		require.Len(t, sink.recs, 2)
		assert.Equal(t, progress.KindLog, sink.recs[0].Kind)
		assert.Equal(t, 10, sink.recs[0].Step)
		assert.Empty(t, sink.recs[0].Prefix)
		assert.Equal(t, progress.KindPrint, sink.recs[1].Kind)
		assert.Equal(t, "valid", sink.recs[1].Prefix)
		assert.Equal(t, 50, sink.recs[1].Step)
	})

	t.Run("a failing sink never interrupts reporting", func(t *testing.T) {
		good := &collectSink{}
		r := progress.NewReporter(loggingConfig("simple"), 1, 10, logging.NewNoopLogger(),
			progress.WithWriter(io.Discard), progress.WithSinks(failSink{}, good))

		r.Log(progress.Stats{{Key: "loss", Value: 1.5}}, 1)

		require.Len(t, good.recs, 1)
	})
}

func TestDashboardSink(t *testing.T) {
	t.Run("unconfigured project publishes to a noop", func(t *testing.T) {
		sink, err := progress.NewDashboardSink(config.LoggingConfig{}, "run")
		require.NoError(t, err)
		assert.IsType(t, progress.NoopSink{}, sink)
		assert.NoError(t, sink.Publish(progress.Record{}))
		assert.NoError(t, sink.Close())
	})

	t.Run("appends run lines and keeps the status sidecar current", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.LoggingConfig{WandbProject: "icu-mortality", WandbEntity: "lab", LogDir: dir}
		sink, err := progress.NewDashboardSink(cfg, "run1")
		require.NoError(t, err)

		require.NoError(t, sink.Publish(progress.Record{
			Epoch: 1, Step: 10, Kind: progress.KindLog,
			Stats: progress.Stats{{Key: "loss", Value: 2.5}},
			Time:  time.Now(),
		}))
		require.NoError(t, sink.Publish(progress.Record{
			Epoch: 1, Step: 50, Kind: progress.KindPrint, Prefix: "valid",
			Stats: progress.Stats{{Key: "auroc", Value: 0.9}},
			Time:  time.Now(),
		}))
		require.NoError(t, sink.Close())

		data, err := os.ReadFile(filepath.Join(dir, "dashboard", "icu-mortality", "run1.jsonl"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3)

		var header map[string]interface{}
		require.NoError(t, utils.FromJSONBytes([]byte(lines[0]), &header))
		assert.Equal(t, "run", header["kind"])
		assert.Equal(t, "icu-mortality", header["project"])
		assert.Equal(t, "lab", header["entity"])
		assert.Equal(t, "run1", header["run"])

		var logged map[string]interface{}
		require.NoError(t, utils.FromJSONBytes([]byte(lines[1]), &logged))
		metrics := logged["metrics"].(map[string]interface{})
		assert.Equal(t, 2.5, metrics["loss"])

		var printed map[string]interface{}
		require.NoError(t, utils.FromJSONBytes([]byte(lines[2]), &printed))
		metrics = printed["metrics"].(map[string]interface{})
		assert.Equal(t, 0.9, metrics["valid/auroc"])

		status, err := os.ReadFile(filepath.Join(dir, "dashboard", "icu-mortality", "run1_status.json"))
		require.NoError(t, err)
		var st map[string]interface{}
		require.NoError(t, utils.FromJSONBytes(status, &st))
		assert.Equal(t, 1.0, st["current_epoch"])
		assert.Equal(t, 50.0, st["current_step"])
	})

	t.Run("the run name honors WANDB_NAME", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("WANDB_NAME", "renamed")
		sink, err := progress.NewDashboardSink(config.LoggingConfig{WandbProject: "p", LogDir: dir}, "original")
		require.NoError(t, err)
		require.NoError(t, sink.Close())

		assert.FileExists(t, filepath.Join(dir, "dashboard", "p", "renamed.jsonl"))
		assert.NoFileExists(t, filepath.Join(dir, "dashboard", "p", "original.jsonl"))
	})
}
