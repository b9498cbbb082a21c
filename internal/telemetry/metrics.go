package telemetry

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

const (
	Counter MetricKind = iota
	Gauge
)

type MetricKind int

func (mk MetricKind) String() string {
	switch mk {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	}
	return "untyped"
}

// Value is a metric scalar that remembers whether it was recorded as an
// integer. Integral values render with a trailing ".0" so consumers always
// see a float-looking token.
type Value struct {
	intVal   int64
	floatVal float64
	integral bool
}

func IntValue(v int64) Value {
	return Value{intVal: v, integral: true}
}

func FloatValue(v float64) Value {
	return Value{floatVal: v}
}

func (v Value) Float() float64 {
	if v.integral {
		return float64(v.intVal)
	}
	return v.floatVal
}

func (v Value) String() string {
	if v.integral {
		return strconv.FormatInt(v.intVal, 10) + ".0"
	}
	return strconv.FormatFloat(v.floatVal, 'g', -1, 64)
}

type Tag struct {
	Key   string
	Value string
}

func NewTag(key string, value string) Tag {
	return Tag{
		Key:   key,
		Value: value,
	}
}

// TagSet is an insertion-ordered set of key/value tags. Iteration order is
// exposition order, so reporters must never re-sort it.
type TagSet struct {
	entries *orderedmap.OrderedMap[string, string]
}

func NewTagSet(tags ...Tag) TagSet {
	ts := TagSet{entries: orderedmap.NewOrderedMap[string, string]()}
	for _, tag := range tags {
		ts.entries.Set(tag.Key, tag.Value)
	}
	return ts
}

func (ts TagSet) Set(key string, value string) {
	ts.entries.Set(key, value)
}

func (ts TagSet) Get(key string) (string, bool) {
	if ts.entries == nil {
		return "", false
	}
	return ts.entries.Get(key)
}

func (ts TagSet) Len() int {
	if ts.entries == nil {
		return 0
	}
	return ts.entries.Len()
}

// Copy returns an independent TagSet with the same entries in the same
// order. Reporters that attach transient tags must work on a copy.
func (ts TagSet) Copy() TagSet {
	out := NewTagSet()
	if ts.entries == nil {
		return out
	}
	for key, value := range ts.entries.AllFromFront() {
		out.entries.Set(key, value)
	}
	return out
}

// All ranges over the tags in insertion order.
func (ts TagSet) All(yield func(key string, value string) bool) {
	if ts.entries == nil {
		return
	}
	for key, value := range ts.entries.AllFromFront() {
		if !yield(key, value) {
			return
		}
	}
}

// Metric is one point-in-time reading handed to reporters. Reporters treat
// it as read-only; the registry hands out private copies.
type Metric struct {
	Name        string
	Description string
	Kind        MetricKind
	Tags        TagSet
	Value       Value
	Windows     []WindowSnapshot
}

// Summarized reports whether the metric carries distribution windows that
// expand into derived summary series. Only gauges qualify.
func (m *Metric) Summarized() bool {
	return m.Kind == Gauge && len(m.Windows) > 0
}

// WindowSnapshot holds the aggregates of one rolling time window of a
// distribution metric.
type WindowSnapshot struct {
	Window      time.Duration
	Mean        float64
	Max         float64
	Min         float64
	StdDev      float64
	Percentiles []PercentileValue
}

type PercentileValue struct {
	Percentile float64
	Value      float64
}

// WindowText renders the window duration the way derived series label it:
// whole-second windows as "<n>s", anything else in Go's duration notation.
func (ws *WindowSnapshot) WindowText() string {
	if ws.Window%time.Second == 0 {
		return strconv.FormatInt(int64(ws.Window/time.Second), 10) + "s"
	}
	return ws.Window.String()
}

type instrument interface {
	read() Metric
}

// Registry is the in-process metrics registry. Instruments are registered
// once and updated concurrently; Snapshot produces a read-only copy of
// every metric in registration order for one reporter pass.
type Registry struct {
	mu          sync.Mutex
	instruments []instrument
	names       map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]bool),
	}
}

func (r *Registry) register(name string, in instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.names[name] {
		return fmt.Errorf("metric %q is already registered", name)
	}

	r.names[name] = true
	r.instruments = append(r.instruments, in)
	return nil
}

func (r *Registry) NewCounter(name string, description string, tags ...Tag) (*CounterInstrument, error) {
	counter := &CounterInstrument{
		name:        name,
		description: description,
		tags:        NewTagSet(tags...),
	}

	err := r.register(name, counter)
	if err != nil {
		return nil, err
	}
	return counter, nil
}

func (r *Registry) NewGauge(name string, description string, tags ...Tag) (*GaugeInstrument, error) {
	gauge := &GaugeInstrument{
		name:        name,
		description: description,
		tags:        NewTagSet(tags...),
	}

	err := r.register(name, gauge)
	if err != nil {
		return nil, err
	}
	return gauge, nil
}

func (r *Registry) NewDistribution(
	name string,
	description string,
	window time.Duration,
	percentiles []float64,
	tags ...Tag,
) (*Distribution, error) {
	dist := newDistribution(name, description, window, percentiles, NewTagSet(tags...))
	err := r.register(name, dist)
	if err != nil {
		return nil, err
	}
	return dist, nil
}

// Snapshot returns a point-in-time copy of every registered metric in
// registration order. The returned metrics (tag sets included) are private
// to the caller.
func (r *Registry) Snapshot() []Metric {
	r.mu.Lock()
	instruments := make([]instrument, len(r.instruments))
	copy(instruments, r.instruments)
	r.mu.Unlock()

	metrics := make([]Metric, 0, len(instruments))
	for _, in := range instruments {
		metrics = append(metrics, in.read())
	}
	return metrics
}

type CounterInstrument struct {
	name        string
	description string
	tags        TagSet

	mu    sync.Mutex
	count int64
}

func (c *CounterInstrument) Inc() {
	c.Add(1)
}

func (c *CounterInstrument) Add(delta int64) {
	c.mu.Lock()
	c.count += delta
	c.mu.Unlock()
}

func (c *CounterInstrument) read() Metric {
	c.mu.Lock()
	count := c.count
	c.mu.Unlock()

	return Metric{
		Name:        c.name,
		Description: c.description,
		Kind:        Counter,
		Tags:        c.tags.Copy(),
		Value:       IntValue(count),
	}
}

type GaugeInstrument struct {
	name        string
	description string
	tags        TagSet

	mu    sync.Mutex
	value Value
}

func (g *GaugeInstrument) Set(v float64) {
	g.mu.Lock()
	g.value = FloatValue(v)
	g.mu.Unlock()
}

func (g *GaugeInstrument) SetInt(v int64) {
	g.mu.Lock()
	g.value = IntValue(v)
	g.mu.Unlock()
}

func (g *GaugeInstrument) read() Metric {
	g.mu.Lock()
	value := g.value
	g.mu.Unlock()

	return Metric{
		Name:        g.name,
		Description: g.description,
		Kind:        Gauge,
		Tags:        g.tags.Copy(),
		Value:       value,
	}
}
