package metrics

import (
	"math"
	"sync"
	"time"
)

// ============================================================================
// Meter Interface
// ============================================================================

// Meter accumulates observations of a single training statistic
type Meter interface {
	// Reset clears all accumulated state
	Reset()

	// SmoothedValue returns the value reported to logging sinks
	SmoothedValue() float64
}

// ============================================================================
// Average Meter
// ============================================================================

// AverageMeter tracks a weighted running average together with the most
// recent value. Keys that are only ever logged with zero weight read back
// as their latest value, which is how counters such as num_updates behave.
type AverageMeter struct {
	mu    sync.Mutex
	val   float64
	sum   float64
	count float64
	round int
}

// NewAverageMeter creates an average meter rounding smoothed values to the
// given number of decimals (-1 disables rounding)
func NewAverageMeter(round int) *AverageMeter {
	return &AverageMeter{round: round}
}

// Update records a new observation with the given weight
func (m *AverageMeter) Update(val, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.val = val
	m.sum += val * weight
	m.count += weight
}

// Reset clears all accumulated state
func (m *AverageMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.val = 0
	m.sum = 0
	m.count = 0
}

// Val returns the most recently observed value
func (m *AverageMeter) Val() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.val
}

// Sum returns the weighted sum of observations
func (m *AverageMeter) Sum() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sum
}

// Count returns the total weight of observations
func (m *AverageMeter) Count() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Avg returns sum/count when weighted observations were recorded and the
// last value otherwise
func (m *AverageMeter) Avg() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLocked()
}

func (m *AverageMeter) avgLocked() float64 {
	if m.count > 0 {
		return m.sum / m.count
	}
	return m.val
}

// SmoothedValue returns the rounded average
func (m *AverageMeter) SmoothedValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return safeRound(m.avgLocked(), m.round)
}

// ============================================================================
// Time Meter
// ============================================================================

// TimeMeter measures the rate of events per second since it was started
type TimeMeter struct {
	mu    sync.Mutex
	start time.Time
	n     float64
	round int
}

// NewTimeMeter creates a started time meter
func NewTimeMeter(round int) *TimeMeter {
	m := &TimeMeter{round: round}
	m.Reset()
	return m
}

// Update records n events
func (m *TimeMeter) Update(n float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n += n
}

// Reset restarts the clock and clears the event count
func (m *TimeMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = time.Now()
	m.n = 0
}

// ElapsedSeconds returns seconds since the meter was started
func (m *TimeMeter) ElapsedSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.start).Seconds()
}

// Rate returns events per second since the meter was started
func (m *TimeMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return m.n / elapsed
}

// SmoothedValue returns the rounded rate
func (m *TimeMeter) SmoothedValue() float64 {
	return safeRound(m.Rate(), m.round)
}

// ============================================================================
// Stopwatch Meter
// ============================================================================

// StopwatchMeter accumulates wall time across start/stop intervals
type StopwatchMeter struct {
	mu      sync.Mutex
	sum     float64
	n       float64
	started time.Time
	running bool
	round   int
}

// NewStopwatchMeter creates a stopped stopwatch meter
func NewStopwatchMeter(round int) *StopwatchMeter {
	return &StopwatchMeter{round: round}
}

// Start begins a new interval
func (m *StopwatchMeter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = time.Now()
	m.running = true
}

// Stop ends the current interval and adds it to the accumulated total
func (m *StopwatchMeter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.sum += time.Since(m.started).Seconds()
	m.n++
	m.running = false
}

// Reset clears accumulated time; a running interval keeps its start point
func (m *StopwatchMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sum = 0
	m.n = 0
	if m.running {
		m.started = time.Now()
	}
}

// ElapsedSeconds returns accumulated time including any running interval
func (m *StopwatchMeter) ElapsedSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.sum
	if m.running {
		elapsed += time.Since(m.started).Seconds()
	}
	return elapsed
}

// Sum returns accumulated time across stopped intervals only
func (m *StopwatchMeter) Sum() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sum
}

// SmoothedValue returns the rounded accumulated time
func (m *StopwatchMeter) SmoothedValue() float64 {
	return safeRound(m.ElapsedSeconds(), m.round)
}

// ============================================================================
// Rounding
// ============================================================================

// safeRound rounds to the given number of decimals; negative decimals
// disable rounding and NaN/Inf pass through untouched
func safeRound(v float64, decimals int) float64 {
	if decimals < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	shift := math.Pow(10, float64(decimals))
	return math.Round(v*shift) / shift
}
