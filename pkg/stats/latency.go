// Package stats summarizes per-operation service time over IoLog samples.
package stats

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/runningwild/qpbench/pkg/engine"
)

// Values are recorded in microseconds, up to an hour, with 3 significant
// digits.
const (
	minMicros = 1
	maxMicros = 3600000000
	sigFigs   = 3
)

// Summary describes the distribution of mean service time per operation. Each
// IoLog contributes its Duration/Actions once per action.
type Summary struct {
	Ops  int64
	Min  time.Duration
	Mean time.Duration
	P50  time.Duration
	P90  time.Duration
	P99  time.Duration
	Max  time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("ops=%d min=%v mean=%v p50=%v p90=%v p99=%v max=%v",
		s.Ops, s.Min, s.Mean, s.P50, s.P90, s.P99, s.Max)
}

// Histogram accumulates service times.
type Histogram struct {
	h *hdrhistogram.Histogram
}

func NewHistogram() *Histogram {
	return &Histogram{h: hdrhistogram.New(minMicros, maxMicros, sigFigs)}
}

// Record adds n operations that each took d. Zero-duration samples are
// clamped to the resolution floor.
func (h *Histogram) Record(d time.Duration, n int64) {
	if n <= 0 {
		return
	}
	us := max(d.Microseconds(), minMicros)
	_ = h.h.RecordValues(min(us, maxMicros), n)
}

// RecordLogs adds every sample of every worker.
func (h *Histogram) RecordLogs(logs [][]engine.IoLog) {
	for _, worker := range logs {
		for _, l := range worker {
			if l.Actions <= 0 {
				continue
			}
			h.Record(l.Duration()/time.Duration(l.Actions), int64(l.Actions))
		}
	}
}

// Merge folds other into h.
func (h *Histogram) Merge(other *Histogram) {
	h.h.Merge(other.h)
}

func (h *Histogram) Summary() Summary {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	if h.h.TotalCount() == 0 {
		return Summary{}
	}
	return Summary{
		Ops:  h.h.TotalCount(),
		Min:  us(h.h.Min()),
		Mean: time.Duration(h.h.Mean() * float64(time.Microsecond)),
		P50:  us(h.h.ValueAtQuantile(50)),
		P90:  us(h.h.ValueAtQuantile(90)),
		P99:  us(h.h.ValueAtQuantile(99)),
		Max:  us(h.h.Max()),
	}
}

// Summarize is NewHistogram + RecordLogs + Summary.
func Summarize(logs [][]engine.IoLog) Summary {
	h := NewHistogram()
	h.RecordLogs(logs)
	return h.Summary()
}
