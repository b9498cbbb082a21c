package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

const maxDistributionSamples = 4096

type distributionSample struct {
	at    time.Time
	value float64
}

// Distribution accumulates observations over a rolling time window and
// reports them as a gauge carrying window snapshots. With no observations
// inside the window, the reading carries an empty (but present) window
// list, which reporters render as a blank separator.
type Distribution struct {
	name        string
	description string
	tags        TagSet
	window      time.Duration
	percentiles []float64

	mu      sync.Mutex
	samples []distributionSample
	now     func() time.Time
}

func newDistribution(
	name string,
	description string,
	window time.Duration,
	percentiles []float64,
	tags TagSet,
) *Distribution {
	return &Distribution{
		name:        name,
		description: description,
		tags:        tags,
		window:      window,
		percentiles: percentiles,
		now:         time.Now,
	}
}

func (d *Distribution) Observe(value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune()
	if len(d.samples) >= maxDistributionSamples {
		d.samples = d.samples[1:]
	}
	d.samples = append(d.samples, distributionSample{at: d.now(), value: value})
}

// Callers must hold d.mu.
func (d *Distribution) prune() {
	cutoff := d.now().Add(-d.window)
	firstLive := len(d.samples)
	for i, sample := range d.samples {
		if sample.at.After(cutoff) {
			firstLive = i
			break
		}
	}
	d.samples = d.samples[firstLive:]
}

func (d *Distribution) read() Metric {
	d.mu.Lock()
	d.prune()
	values := make([]float64, len(d.samples))
	for i, sample := range d.samples {
		values[i] = sample.value
	}
	d.mu.Unlock()

	metric := Metric{
		Name:        d.name,
		Description: d.description,
		Kind:        Gauge,
		Tags:        d.tags.Copy(),
		Value:       IntValue(int64(len(values))),
		Windows:     []WindowSnapshot{},
	}

	if len(values) == 0 {
		return metric
	}

	metric.Windows = append(metric.Windows, d.summarize(values))
	return metric
}

func (d *Distribution) summarize(values []float64) WindowSnapshot {
	min := values[0]
	max := values[0]
	sum := 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	percentileValues := make([]PercentileValue, 0, len(d.percentiles))
	for _, p := range d.percentiles {
		percentileValues = append(percentileValues, PercentileValue{
			Percentile: p,
			Value:      percentileOf(sorted, p),
		})
	}

	return WindowSnapshot{
		Window:      d.window,
		Mean:        mean,
		Max:         max,
		Min:         min,
		StdDev:      math.Sqrt(variance),
		Percentiles: percentileValues,
	}
}

// percentileOf reads the p-th percentile (p in [0, 1]) from an ascending
// sample slice using nearest-rank selection.
func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}

	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
