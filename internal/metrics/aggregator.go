// Package metrics provides the meter types and aggregation contexts that
// collect training statistics. Statistics are logged once and fanned out to
// every active context, so an epoch-level context and a mid-epoch context
// can accumulate the same stream of values independently and be reset on
// their own schedules.
package metrics

import (
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Scalar Options
// ============================================================================

type scalarOptions struct {
	weight float64
	round  int
}

// ScalarOption customizes how a scalar observation is recorded
type ScalarOption func(*scalarOptions)

// WithWeight sets the averaging weight. A weight of zero turns the key into
// a counter that reads back as its most recent value.
func WithWeight(weight float64) ScalarOption {
	return func(o *scalarOptions) { o.weight = weight }
}

// WithRound sets the number of decimals kept in smoothed values
func WithRound(decimals int) ScalarOption {
	return func(o *scalarOptions) { o.round = decimals }
}

// ============================================================================
// Aggregation Context
// ============================================================================

// Context is a named set of meters. A context accumulates every statistic
// logged while it is active and keeps its meters until reset, so end-of-epoch
// averages survive mid-epoch resets of sibling contexts.
type Context struct {
	name string

	mu     sync.Mutex
	meters map[string]Meter
	order  []string
}

func newContext(name string) *Context {
	return &Context{
		name:   name,
		meters: make(map[string]Meter),
	}
}

// Name returns the context name
func (c *Context) Name() string {
	return c.name
}

func (c *Context) logScalar(key string, value float64, opts scalarOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meter, ok := c.meters[key].(*AverageMeter)
	if !ok {
		meter = NewAverageMeter(opts.round)
		c.addMeterLocked(key, meter)
	}
	meter.Update(value, opts.weight)
}

func (c *Context) logSpeed(key string, n float64, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meter, ok := c.meters[key].(*TimeMeter)
	if !ok {
		meter = NewTimeMeter(round)
		c.addMeterLocked(key, meter)
	}
	meter.Update(n)
}

func (c *Context) logStartTime(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meter, ok := c.meters[key].(*StopwatchMeter)
	if !ok {
		meter = NewStopwatchMeter(-1)
		c.addMeterLocked(key, meter)
	}
	meter.Start()
}

func (c *Context) logStopTime(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if meter, ok := c.meters[key].(*StopwatchMeter); ok {
		meter.Stop()
	}
}

func (c *Context) logAUC(key string, batch *AUCBatch) error {
	return c.aucMeter(key).Add(batch)
}

func (c *Context) logMulticlassAUC(key string, cls int, batch *MulticlassAUCBatch) error {
	return c.aucMeter(key).AddMulticlass(cls, batch)
}

func (c *Context) aucMeter(key string) *AUCMeter {
	c.mu.Lock()
	defer c.mu.Unlock()

	meter, ok := c.meters[key].(*AUCMeter)
	if !ok {
		meter = NewAUCMeter()
		c.addMeterLocked(key, meter)
	}
	return meter
}

func (c *Context) addMeterLocked(key string, meter Meter) {
	c.meters[key] = meter
	c.order = append(c.order, key)
}

// GetMeter returns the named meter, or nil when it does not exist
func (c *Context) GetMeter(key string) Meter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meters[key]
}

// Keys returns the meter keys in insertion order
func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// GetSmoothedValues returns the smoothed value of every visible meter.
// Keys starting with an underscore are internal and hidden, except that an
// AUC meter under "_auc" surfaces its macro average as "auroc". An empty
// context yields an empty map.
func (c *Context) GetSmoothedValues() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make(map[string]float64, len(c.order))
	for _, key := range c.order {
		if key == "" || key[0] == '_' {
			continue
		}
		values[key] = c.meters[key].SmoothedValue()
	}
	if auc, ok := c.meters[AUCKey].(*AUCMeter); ok {
		values[AurocKey] = safeRound(auc.Value(), 3)
	}
	return values
}

// ResetMeters resets every meter in this context without touching siblings
func (c *Context) ResetMeters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, meter := range c.meters {
		meter.Reset()
	}
}

// ============================================================================
// Aggregator
// ============================================================================

// Well-known meter keys
const (
	// DefaultContext is always active and carries run-wide meters
	DefaultContext = "default"

	// WallKey tracks wall time since the aggregator was reset
	WallKey = "wall"

	// AUCKey is the hidden accumulator the criterion feeds score/label
	// pairs into
	AUCKey = "_auc"

	// AurocKey is the derived macro average surfaced in smoothed values
	AurocKey = "auroc"
)

// Aggregator owns the full set of aggregation contexts for one worker and
// fans every logged statistic out to the currently active ones
type Aggregator struct {
	mu       sync.Mutex
	contexts map[string]*Context
	active   []*Context
}

// NewAggregator creates an aggregator holding a fresh default context
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.Reset()
	return a
}

// Reset drops every context and recreates the default context with a
// freshly started wall clock
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	def := newContext(DefaultContext)
	def.logStartTime(WallKey)

	a.contexts = map[string]*Context{DefaultContext: def}
	a.active = []*Context{def}
}

// Aggregate activates the named context and returns it together with a
// release function that restores the previous active set. An empty name
// creates an anonymous context that is discarded on release. When newRoot
// is true the context temporarily replaces all other active contexts.
func (a *Aggregator) Aggregate(name string, newRoot bool) (*Context, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anonymous := name == ""
	if anonymous {
		name = uuid.New().String()
	}

	ctx, ok := a.contexts[name]
	if !ok {
		ctx = newContext(name)
		a.contexts[name] = ctx
	}

	prev := make([]*Context, len(a.active))
	copy(prev, a.active)

	if newRoot {
		a.active = []*Context{ctx}
	} else {
		a.active = append(a.active, ctx)
	}

	released := false
	release := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if released {
			return
		}
		released = true
		a.active = prev
		if anonymous {
			delete(a.contexts, ctx.name)
		}
	}
	return ctx, release
}

// activeSet returns the distinct active contexts
func (a *Aggregator) activeSet() []*Context {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[*Context]bool, len(a.active))
	out := make([]*Context, 0, len(a.active))
	for _, ctx := range a.active {
		if !seen[ctx] {
			seen[ctx] = true
			out = append(out, ctx)
		}
	}
	return out
}

// LogScalar records a scalar in every active context
func (a *Aggregator) LogScalar(key string, value float64, opts ...ScalarOption) {
	options := scalarOptions{weight: 1, round: -1}
	for _, opt := range opts {
		opt(&options)
	}
	for _, ctx := range a.activeSet() {
		ctx.logScalar(key, value, options)
	}
}

// LogSpeed records n events on a rate meter in every active context
func (a *Aggregator) LogSpeed(key string, n float64) {
	for _, ctx := range a.activeSet() {
		ctx.logSpeed(key, n, 2)
	}
}

// LogStartTime starts a stopwatch in every active context
func (a *Aggregator) LogStartTime(key string) {
	for _, ctx := range a.activeSet() {
		ctx.logStartTime(key)
	}
}

// LogStopTime stops the stopwatch in every active context that has one
func (a *Aggregator) LogStopTime(key string) {
	for _, ctx := range a.activeSet() {
		ctx.logStopTime(key)
	}
}

// LogAUC feeds a batch of score/label pairs to the hidden AUC meter in
// every active context
func (a *Aggregator) LogAUC(key string, batch *AUCBatch) error {
	for _, ctx := range a.activeSet() {
		if err := ctx.logAUC(key, batch); err != nil {
			return err
		}
	}
	return nil
}

// LogMulticlassAUC feeds one multiclass column's softmax rows to the hidden
// AUC meter in every active context
func (a *Aggregator) LogMulticlassAUC(key string, cls int, batch *MulticlassAUCBatch) error {
	for _, ctx := range a.activeSet() {
		if err := ctx.logMulticlassAUC(key, cls, batch); err != nil {
			return err
		}
	}
	return nil
}

// GetContext returns the named context, or nil when it does not exist
func (a *Aggregator) GetContext(name string) *Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contexts[name]
}

// GetMeter returns a meter from a named context, or nil when missing
func (a *Aggregator) GetMeter(name, key string) Meter {
	if ctx := a.GetContext(name); ctx != nil {
		return ctx.GetMeter(key)
	}
	return nil
}

// GetSmoothedValues returns the smoothed values of a named context; a
// missing context yields an empty map
func (a *Aggregator) GetSmoothedValues(name string) map[string]float64 {
	if ctx := a.GetContext(name); ctx != nil {
		return ctx.GetSmoothedValues()
	}
	return map[string]float64{}
}

// ResetMeters resets the meters of a named context, leaving every other
// context untouched
func (a *Aggregator) ResetMeters(name string) {
	if ctx := a.GetContext(name); ctx != nil {
		ctx.ResetMeters()
	}
}
