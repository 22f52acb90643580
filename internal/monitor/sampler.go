// Package monitor samples system health for the degradation assessment loop.
// Request outcomes are fed in by the HTTP layer; runtime readings come from
// the Go runtime itself.
package monitor

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/fleetguard/fleetguard/internal/degradation"
)

type requestSample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Sampler aggregates request outcomes over a rolling window and combines
// them with runtime readings into one health sample.
type Sampler struct {
	window time.Duration

	mu      sync.Mutex
	samples []requestSample
}

// NewSampler creates a sampler with the given rolling window
func NewSampler(window time.Duration) *Sampler {
	if window <= 0 {
		window = time.Minute
	}
	return &Sampler{window: window}
}

// RecordRequest feeds one request outcome into the rolling window
func (s *Sampler) RecordRequest(duration time.Duration, failed bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, requestSample{at: now, duration: duration, failed: failed})
	s.trimLocked(now)
}

func (s *Sampler) trimLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append([]requestSample(nil), s.samples[i:]...)
	}
}

// Collect returns the current health sample. With no recent requests the
// error rate and response time read as zero.
func (s *Sampler) Collect(ctx context.Context) (degradation.SystemMetrics, error) {
	s.mu.Lock()
	s.trimLocked(time.Now())
	var failed int
	durations := make([]time.Duration, 0, len(s.samples))
	for _, sample := range s.samples {
		if sample.failed {
			failed++
		}
		durations = append(durations, sample.duration)
	}
	total := len(s.samples)
	s.mu.Unlock()

	m := degradation.SystemMetrics{
		CPUUsage:    estimateCPUUsage(),
		MemoryUsage: memoryUsage(),
	}
	if total > 0 {
		m.ErrorRate = float64(failed) / float64(total)
		m.ResponseTime = percentileDuration(durations, 0.95)
	}
	return m, nil
}

func percentileDuration(durations []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func memoryUsage() float64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	if memStats.Sys == 0 {
		return 0
	}
	return float64(memStats.Alloc) / float64(memStats.Sys) * 100
}

// estimateCPUUsage approximates load from scheduler pressure. Goroutine
// count per core stands in for a real CPU reading.
func estimateCPUUsage() float64 {
	perCore := float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	usage := perCore / 10.0 * 100
	if usage > 100 {
		usage = 100
	}
	return usage
}
