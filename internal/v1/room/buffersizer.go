package room

import (
	"sort"
	"sync"
	"time"
)

// Buffer sizer defaults. The hold-back delay absorbs network jitter so
// concurrent mutations land in the same turn.
const (
	defaultBufferMinMs     = 0
	defaultBufferMaxMs     = 500
	defaultBufferInitialMs = 200

	bufferAdjustInterval = 10 * time.Second
	bufferGrowthFactor   = 1.5
)

// BufferSizerOptions configures a bufferSizer. Zero values take the defaults.
type BufferSizerOptions struct {
	MinMs     int64
	MaxMs     int64
	InitialMs int64
}

// bufferSizer adapts the mutation hold-back delay to observed lateness. Every
// adjust interval it looks at the p95 of how long mutations sat past their
// window: sitting longer than the current delay grows it, sitting well inside
// shrinks it.
type bufferSizer struct {
	mu         sync.Mutex
	minMs      int64
	maxMs      int64
	currentMs  int64
	samples    []int64
	lastAdjust time.Time
}

func newBufferSizer(opts BufferSizerOptions, now time.Time) *bufferSizer {
	if opts.MaxMs <= 0 {
		opts.MaxMs = defaultBufferMaxMs
	}
	if opts.InitialMs <= 0 {
		opts.InitialMs = defaultBufferInitialMs
	}
	if opts.MinMs < defaultBufferMinMs {
		opts.MinMs = defaultBufferMinMs
	}
	return &bufferSizer{
		minMs:      opts.MinMs,
		maxMs:      opts.MaxMs,
		currentMs:  clampInt64(opts.InitialMs, opts.MinMs, opts.MaxMs),
		lastAdjust: now,
	}
}

// CurrentMs returns the hold-back delay to apply this turn.
func (b *bufferSizer) CurrentMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentMs
}

// Record feeds one observed buffer latency (processing time minus arrival
// time) and adjusts the delay if the interval elapsed.
func (b *bufferSizer) Record(latencyMs int64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, latencyMs)
	if now.Sub(b.lastAdjust) < bufferAdjustInterval || len(b.samples) == 0 {
		return
	}

	p95 := percentile(b.samples, 0.95)
	switch {
	case p95 > b.currentMs:
		b.currentMs = clampInt64(scaleMs(b.currentMs, bufferGrowthFactor), b.minMs, b.maxMs)
	case p95 < b.currentMs/4:
		b.currentMs = clampInt64(int64(float64(b.currentMs)/bufferGrowthFactor), b.minMs, b.maxMs)
	}

	b.samples = b.samples[:0]
	b.lastAdjust = now
}

func scaleMs(v int64, factor float64) int64 {
	scaled := int64(float64(v) * factor)
	if scaled <= v {
		// Keep growth monotone when v is tiny.
		scaled = v + 1
	}
	return scaled
}

func percentile(samples []int64, p float64) int64 {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
