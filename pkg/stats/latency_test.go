package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runningwild/qpbench/pkg/engine"
)

func sample(start time.Time, d time.Duration, actions int) engine.IoLog {
	return engine.IoLog{Start: start, End: start.Add(d), Actions: actions}
}

func TestSummarize(t *testing.T) {
	t0 := time.Unix(0, 0)
	logs := [][]engine.IoLog{
		// 90 ops at 100us each
		{sample(t0, 9*time.Millisecond, 90)},
		// 10 ops at 1ms each
		{sample(t0, 10*time.Millisecond, 10)},
	}
	s := Summarize(logs)
	require.Equal(t, int64(100), s.Ops)
	require.InDelta(t, float64(100*time.Microsecond), float64(s.P50), float64(time.Microsecond))
	require.InDelta(t, float64(time.Millisecond), float64(s.P99), float64(2*time.Microsecond))
	require.InDelta(t, float64(190*time.Microsecond), float64(s.Mean), float64(time.Microsecond))
	require.Equal(t, s.Min, s.P50)
}

func TestSummarizeSkipsEmpty(t *testing.T) {
	require.Equal(t, Summary{}, Summarize(nil))
	t0 := time.Unix(0, 0)
	s := Summarize([][]engine.IoLog{{sample(t0, time.Second, 0)}, {sample(t0, 0, 3)}})
	require.Equal(t, int64(3), s.Ops)
	require.Equal(t, time.Microsecond, s.Max)
}

func TestMerge(t *testing.T) {
	a, b := NewHistogram(), NewHistogram()
	a.Record(50*time.Microsecond, 4)
	b.Record(500*time.Microsecond, 4)
	a.Merge(b)
	s := a.Summary()
	require.Equal(t, int64(8), s.Ops)
	require.Equal(t, 50*time.Microsecond, s.Min)
	require.InDelta(t, float64(500*time.Microsecond), float64(s.Max), float64(time.Microsecond))
}
