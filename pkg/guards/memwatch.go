package guards

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/finscope/finscope/pkg/observability"
)

// RSSFunc reports the process resident set in MB.
type RSSFunc func() (float64, error)

// ReadRSSMB reads the resident set from /proc/self/statm.
func ReadRSSMB() (float64, error) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, fmt.Errorf("read statm: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", raw)
	}
	pages, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed statm rss: %w", err)
	}
	return pages * float64(os.Getpagesize()) / (1 << 20), nil
}

// Stats is the watcher's observable state, served by the memory-stats
// endpoint.
type Stats struct {
	Samples        int     `json:"samples"`
	LastRSSMB      float64 `json:"last_rss_mb"`
	SlopeMBPerReq  float64 `json:"slope_mb_per_req"`
	SlopeValid     bool    `json:"slope_valid"`
	Warnings       int     `json:"warnings"`
	SoftLimitFired bool    `json:"soft_limit_fired"`
}

// MemWatcher watches per-request resident-set samples for a sustained
// upward trend and for the soft limit. State is per worker; there is no
// cross-worker coordination.
type MemWatcher struct {
	mu sync.Mutex

	windowSize    int
	checkInterval int
	slopeMB       float64
	softLimitMB   float64

	rss    RSSFunc
	notify func() // graceful-restart signal, fired at most once

	ring      []float64
	total     int
	lastRSS   float64
	lastSlope float64
	slopeOK   bool
	warned    bool // suppressed until the window rolls over
	warnings  int
	fired     bool
}

func NewMemWatcher(windowSize, checkInterval int, slopeMB float64, softLimitMB int, rss RSSFunc, notify func()) *MemWatcher {
	if windowSize < 2 {
		windowSize = 2
	}
	if checkInterval < 1 {
		checkInterval = 1
	}
	if rss == nil {
		rss = ReadRSSMB
	}
	if notify == nil {
		notify = func() {}
	}
	return &MemWatcher{
		windowSize:    windowSize,
		checkInterval: checkInterval,
		slopeMB:       slopeMB,
		softLimitMB:   float64(softLimitMB),
		rss:           rss,
		notify:        notify,
	}
}

// RecordRequest samples the resident set and feeds it to the detector.
// Call once per completed request.
func (w *MemWatcher) RecordRequest() {
	mb, err := w.rss()
	if err != nil {
		slog.Debug("RSS sampling failed", "error", err)
		return
	}
	w.Record(mb)
}

// Record feeds one resident-set measurement in MB.
func (w *MemWatcher) Record(mb float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastRSS = mb
	if len(w.ring) < w.windowSize {
		w.ring = append(w.ring, mb)
	} else {
		w.ring[w.total%w.windowSize] = mb
	}
	w.total++

	if w.total%w.checkInterval == 0 {
		w.checkSlope()
	}
	if w.total%w.windowSize == 0 {
		w.warned = false
	}

	if mb > w.softLimitMB && !w.fired {
		w.fired = true
		slog.Warn("SOFT_LIMIT_EXCEEDED",
			"rss_mb", mb,
			"limit_mb", w.softLimitMB)
		w.notify()
	}
}

// checkSlope is called under the lock. Fewer samples than one check
// interval means no slope at all.
func (w *MemWatcher) checkSlope() {
	if len(w.ring) < w.checkInterval {
		w.slopeOK = false
		return
	}

	slope := leastSquaresSlope(w.orderedSamples())
	w.lastSlope = slope
	w.slopeOK = true

	if slope > w.slopeMB && !w.warned {
		w.warned = true
		w.warnings++
		slog.Warn("LEAK_TREND_DETECTED",
			"slope_mb_per_req", slope,
			"threshold_mb_per_req", w.slopeMB,
			"window", len(w.ring))
		observability.MemoryLeakWarnings.Inc()
	}
}

// orderedSamples returns the ring contents oldest first.
func (w *MemWatcher) orderedSamples() []float64 {
	if len(w.ring) < w.windowSize {
		return w.ring
	}
	out := make([]float64, 0, w.windowSize)
	start := w.total % w.windowSize
	out = append(out, w.ring[start:]...)
	out = append(out, w.ring[:start]...)
	return out
}

// leastSquaresSlope fits y = a + b*x over x = 0..n-1 and returns b.
func leastSquaresSlope(samples []float64) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Stats snapshots the watcher state.
func (w *MemWatcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Samples:        w.total,
		LastRSSMB:      w.lastRSS,
		SlopeMBPerReq:  w.lastSlope,
		SlopeValid:     w.slopeOK,
		Warnings:       w.warnings,
		SoftLimitFired: w.fired,
	}
}
