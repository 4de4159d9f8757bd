// Package progress renders mid-epoch and end-of-epoch training stats.
// A Reporter is created per epoch with the rendering style from the
// logging configuration (simple, json or tqdm) and fans every record out
// to the configured sinks. Stats keep their insertion order in every
// rendering, with epoch and update position leading the json lines.
package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/types"
)

// ============================================================================
// Stats
// ============================================================================

// Stat is one named value in a progress record.
type Stat struct {
	Key   string
	Value interface{}
}

// Stats is an ordered list of stats. Order is preserved in every sink
// and in the json rendering.
type Stats []Stat

// Add appends a stat.
func (s *Stats) Add(key string, value interface{}) {
	*s = append(*s, Stat{Key: key, Value: value})
}

// Get returns the value stored under key.
func (s Stats) Get(key string) (interface{}, bool) {
	for _, st := range s {
		if st.Key == key {
			return st.Value, true
		}
	}
	return nil, false
}

// MarshalJSON renders the stats as a JSON object in insertion order.
func (s Stats) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, st := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(st.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(st.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case time.Duration:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func commaJoin(stats Stats) string {
	parts := make([]string, 0, len(stats))
	for _, st := range stats {
		parts = append(parts, st.Key+"="+formatValue(st.Value))
	}
	return strings.Join(parts, ", ")
}

func pipeJoin(stats Stats) string {
	parts := make([]string, 0, len(stats))
	for _, st := range stats {
		parts = append(parts, st.Key+" "+formatValue(st.Value))
	}
	return strings.Join(parts, " | ")
}

// ============================================================================
// Record Kinds
// ============================================================================

const (
	// KindLog marks a mid-epoch stats record.
	KindLog = "log"

	// KindPrint marks an end-of-epoch summary record.
	KindPrint = "print"
)

// Record is what sinks receive for every reported stats set.
type Record struct {
	Epoch  int
	Step   int
	Kind   string
	Prefix string
	Stats  Stats
	Time   time.Time
}

// ============================================================================
// Reporter
// ============================================================================

// style renders records to the console writer.
type style interface {
	log(w io.Writer, epoch, step, total int, stats Stats)
	print(w io.Writer, epoch int, prefix string, stats Stats)
}

// Reporter emits progress for one epoch. Log reports mid-epoch stats and
// emits exactly when called; the call site owns the log_interval cadence.
// Print reports the end-of-epoch summary. Sink failures are logged and
// never interrupt training.
type Reporter struct {
	epoch  int
	total  int
	out    io.Writer
	st     style
	sinks  []Sink
	logger logging.Logger
}

// Option adjusts a Reporter.
type Option func(*Reporter)

// WithWriter redirects console rendering, used by non-master workers and
// tests.
func WithWriter(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// WithSinks attaches shared sinks to the reporter.
func WithSinks(sinks ...Sink) Option {
	return func(r *Reporter) { r.sinks = append(r.sinks, sinks...) }
}

// NewReporter creates the reporter for one epoch of total batches.
func NewReporter(cfg config.LoggingConfig, epoch, total int, logger logging.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		epoch:  epoch,
		total:  total,
		out:    os.Stdout,
		logger: logger,
	}
	switch types.LogFormat(cfg.LogFormat) {
	case types.LogFormatJSON:
		r.st = jsonStyle{}
	case types.LogFormatTqdm:
		r.st = newTqdmStyle()
	default:
		r.st = simpleStyle{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Log reports mid-epoch stats at the given step within the epoch.
func (r *Reporter) Log(stats Stats, step int) {
	r.st.log(r.out, r.epoch, step, r.total, stats)
	r.publish(Record{Epoch: r.epoch, Step: step, Kind: KindLog, Stats: stats, Time: time.Now()})
}

// Print reports the end-of-epoch summary under the given prefix.
func (r *Reporter) Print(stats Stats, prefix string) {
	r.st.print(r.out, r.epoch, prefix, stats)
	r.publish(Record{Epoch: r.epoch, Step: r.total, Kind: KindPrint, Prefix: prefix, Stats: stats, Time: time.Now()})
}

func (r *Reporter) publish(rec Record) {
	for _, sink := range r.sinks {
		if err := sink.Publish(rec); err != nil {
			r.logger.Warn("progress sink failed",
				logging.String("kind", rec.Kind),
				logging.Int("epoch", rec.Epoch),
				logging.Error(err),
			)
		}
	}
}

// ============================================================================
// Simple and JSON Styles
// ============================================================================

type simpleStyle struct{}

func (simpleStyle) log(w io.Writer, epoch, step, total int, stats Stats) {
	fmt.Fprintf(w, "epoch %03d: %6d / %d %s\n", epoch, step, total, commaJoin(stats))
}

func (simpleStyle) print(w io.Writer, epoch int, prefix string, stats Stats) {
	if prefix != "" {
		fmt.Fprintf(w, "epoch %03d | %s | %s\n", epoch, prefix, pipeJoin(stats))
		return
	}
	fmt.Fprintf(w, "epoch %03d | %s\n", epoch, pipeJoin(stats))
}

type jsonStyle struct{}

func (jsonStyle) log(w io.Writer, epoch, step, total int, stats Stats) {
	update := float64(epoch - 1)
	if total > 0 {
		update += float64(step) / float64(total)
	}
	record := Stats{
		{Key: "epoch", Value: epoch},
		{Key: "update", Value: math.Round(update*1000) / 1000},
	}
	record = append(record, stats...)
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(data))
}

func (jsonStyle) print(w io.Writer, epoch int, prefix string, stats Stats) {
	record := Stats{{Key: "epoch", Value: epoch}}
	if prefix != "" {
		record.Add("prefix", prefix)
	}
	record = append(record, stats...)
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(data))
}
