package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	barWidth = 40

	// maxRedrawRate caps in-place bar redraws per second; the data cadence
	// stays with the caller.
	maxRedrawRate = rate.Limit(10)
)

// tqdmStyle renders an in-place progress bar with elapsed time, ETA and
// throughput, then a normal summary line at the end of the epoch.
type tqdmStyle struct {
	start   time.Time
	limiter *rate.Limiter
	drew    bool
}

func newTqdmStyle() *tqdmStyle {
	return &tqdmStyle{
		start:   time.Now(),
		limiter: rate.NewLimiter(maxRedrawRate, 1),
	}
}

func (tq *tqdmStyle) log(w io.Writer, epoch, step, total int, stats Stats) {
	if !tq.limiter.Allow() {
		return
	}
	tq.render(w, epoch, step, total, stats)
}

func (tq *tqdmStyle) print(w io.Writer, epoch int, prefix string, stats Stats) {
	if tq.drew {
		fmt.Fprintln(w)
		tq.drew = false
	}
	simpleStyle{}.print(w, epoch, prefix, stats)
}

func (tq *tqdmStyle) render(w io.Writer, epoch, step, total int, stats Stats) {
	pct := 0.0
	if total > 0 {
		pct = float64(step) / float64(total)
	}
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", barWidth-filled)

	elapsed := time.Since(tq.start)
	var eta time.Duration
	var speed float64
	if step > 0 && elapsed > 0 {
		speed = float64(step) / elapsed.Seconds()
		if pct > 0 {
			eta = time.Duration(float64(elapsed)/pct) - elapsed
		}
	}

	line := fmt.Sprintf("\repoch %03d: %3.0f%%|%s| %d/%d [%s<%s",
		epoch, pct*100, bar, step, total, formatDuration(elapsed), formatDuration(eta))
	if speed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", speed)
	}
	for _, st := range stats {
		line += ", " + st.Key + "=" + formatValue(st.Value)
	}
	line += "]"

	fmt.Fprint(w, line)
	tq.drew = true
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
