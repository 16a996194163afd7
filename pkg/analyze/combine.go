// Package analyze merges per-worker timing samples into a common time axis
// and locates transitions in the resulting curves.
package analyze

import (
	"time"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/engine"
)

// ErrDegenerateSample marks a measurement with zero elapsed time. It is a clock
// resolution artifact and is skipped rather than treated as a failure.
var ErrDegenerateSample = errors.New("sample has zero duration")

// Bucket is the activity apportioned to one fixed-width time window.
type Bucket struct {
	Actions float64 `json:"actions"`
	Bytes   float64 `json:"bytes"`
}

// Combine lays every IoLog onto buckets of the given width starting at the
// earliest sample start. A sample that spans several buckets contributes to
// each in proportion to the share of its duration that falls inside it.
// Zero-duration samples are skipped. Offsets are kept in integer nanoseconds
// so that long runs do not accumulate drift.
func Combine(logs [][]engine.IoLog, width time.Duration) []Bucket {
	if width <= 0 {
		return nil
	}
	var minStart, maxEnd time.Time
	found := false
	for _, worker := range logs {
		for _, l := range worker {
			if !found || l.Start.Before(minStart) {
				minStart = l.Start
			}
			if !found || l.End.After(maxEnd) {
				maxEnd = l.End
			}
			found = true
		}
	}
	if !found {
		return nil
	}
	span := int64(maxEnd.Sub(minStart))
	w := int64(width)
	n := (span + w - 1) / w
	if n <= 0 {
		return nil
	}
	out := make([]Bucket, n)

	for _, worker := range logs {
		for _, l := range worker {
			dur := int64(l.Duration())
			if dur <= 0 {
				continue
			}
			cur := int64(l.Start.Sub(minStart))
			end := cur + dur
			for cur < end {
				idx := cur / w
				if idx >= n {
					break
				}
				overlapEnd := min(end, (idx+1)*w)
				share := float64(overlapEnd-cur) / float64(dur)
				out[idx].Actions += share * float64(l.Actions)
				out[idx].Bytes += share * float64(l.Bytes)
				cur = overlapEnd
			}
		}
	}
	return out
}

// Degenerate counts samples Combine skips.
func Degenerate(logs [][]engine.IoLog) int {
	n := 0
	for _, worker := range logs {
		for _, l := range worker {
			if l.Duration() <= 0 {
				n++
			}
		}
	}
	return n
}

// Throughput converts buckets to bytes per second.
func Throughput(buckets []Bucket, width time.Duration) []float64 {
	out := make([]float64, len(buckets))
	for i, b := range buckets {
		out[i] = b.Bytes / width.Seconds()
	}
	return out
}

// MeanThroughput is the average bytes per second over every bucket.
func MeanThroughput(buckets []Bucket, width time.Duration) float64 {
	if len(buckets) == 0 || width <= 0 {
		return 0
	}
	var total float64
	for _, b := range buckets {
		total += b.Bytes
	}
	return total / (float64(len(buckets)) * width.Seconds())
}
