package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/rs/zerolog"
)

// DefaultHistoryCapacity is the number of executions kept by default.
const DefaultHistoryCapacity = 1000

// histogram bounds in microseconds: 1µs to 10 minutes.
const (
	histMin = 1
	histMax = int64(10 * time.Minute / time.Microsecond)
)

// ExecutionHistory is a fixed-capacity ring of approach executions plus
// cumulative per-approach statistics.
type ExecutionHistory struct {
	mu sync.RWMutex

	// ring holds the most recent executions; next is the write position.
	ring []ExecutionRecord
	next int
	size int

	// stats accumulates per-approach counters across the history lifetime.
	stats map[string]*approachAccumulator

	// recorder optionally persists every record.
	recorder ExecutionRecorder
	logger   zerolog.Logger
}

type approachAccumulator struct {
	total     int
	success   int
	totalTime time.Duration
	last      time.Time
	latency   *hdrhistogram.Histogram
}

// NewExecutionHistory creates a history holding at most capacity records.
func NewExecutionHistory(capacity int) *ExecutionHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ExecutionHistory{
		ring:   make([]ExecutionRecord, capacity),
		stats:  make(map[string]*approachAccumulator),
		logger: zerolog.Nop(),
	}
}

// SetRecorder attaches a persistent sink for execution records.
func (h *ExecutionHistory) SetRecorder(r ExecutionRecorder, logger zerolog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = r
	h.logger = logger.With().Str("component", "history").Logger()
}

// Record appends rec, overwriting the oldest record when full.
func (h *ExecutionHistory) Record(rec ExecutionRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	h.mu.Lock()
	h.ring[h.next] = rec
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}

	acc, ok := h.stats[rec.Approach]
	if !ok {
		acc = &approachAccumulator{latency: hdrhistogram.New(histMin, histMax, 3)}
		h.stats[rec.Approach] = acc
	}
	acc.total++
	if rec.Success {
		acc.success++
	}
	acc.totalTime += rec.Elapsed
	acc.last = rec.At
	us := rec.Elapsed.Microseconds()
	if us < histMin {
		us = histMin
	}
	if us > histMax {
		us = histMax
	}
	_ = acc.latency.RecordValue(us)
	recorder := h.recorder
	h.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordExecution(context.Background(), rec); err != nil {
			h.logger.Warn().Err(err).Str("approach", rec.Approach).Msg("Failed to persist execution record")
		}
	}
}

// Recent returns up to n records, oldest first. n <= 0 returns all.
func (h *ExecutionHistory) Recent(n int) []ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]ExecutionRecord, 0, n)
	start := (h.next - n + len(h.ring)) % len(h.ring)
	for i := 0; i < n; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

// Len returns the number of records currently held.
func (h *ExecutionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of records held.
func (h *ExecutionHistory) Capacity() int {
	return len(h.ring)
}

// Stats returns per-approach statistics sorted by name.
func (h *ExecutionHistory) Stats() []ApproachStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ApproachStats, 0, len(h.stats))
	for name, acc := range h.stats {
		out = append(out, acc.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatsFor returns the statistics of a single approach.
func (h *ExecutionHistory) StatsFor(name string) (ApproachStats, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	acc, ok := h.stats[name]
	if !ok {
		return ApproachStats{Name: name}, false
	}
	return acc.snapshot(name), true
}

// Clear drops every record and statistic.
func (h *ExecutionHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = make([]ExecutionRecord, len(h.ring))
	h.next = 0
	h.size = 0
	h.stats = make(map[string]*approachAccumulator)
}

func (a *approachAccumulator) snapshot(name string) ApproachStats {
	s := ApproachStats{
		Name:            name,
		TotalExecutions: a.total,
		SuccessCount:    a.success,
		LastExecution:   a.last,
	}
	if a.total > 0 {
		s.SuccessRate = float64(a.success) / float64(a.total)
		s.AverageTime = a.totalTime / time.Duration(a.total)
		s.P50 = time.Duration(a.latency.ValueAtQuantile(50)) * time.Microsecond
		s.P95 = time.Duration(a.latency.ValueAtQuantile(95)) * time.Microsecond
	}
	return s
}
