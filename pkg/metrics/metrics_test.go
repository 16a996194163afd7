package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Submit(3)
	m.Complete(2)
	m.Complete(0)
	m.Reject()
	m.Sample(4096)
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerDone()

	require.Equal(t, 3.0, testutil.ToFloat64(m.Submitted))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Completed))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rejected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Samples))
	require.Equal(t, 4096.0, testutil.ToFloat64(m.Bytes))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Workers))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestNilIsNoop(t *testing.T) {
	var m *IO
	m.Submit(1)
	m.Complete(1)
	m.Reject()
	m.Sample(1)
	m.WorkerStarted()
	m.WorkerDone()
}
