package sweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/runningwild/qpbench/pkg/config"
	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/device/sim"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/workload"
)

func newRunner(t *testing.T, dev *sim.Device, edit func(*config.Config)) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Matrix.TotalBytes = 4 << 20
	cfg.Matrix.IOSizes = []config.Size{4096}
	cfg.Matrix.QueueDepths = []int{1, 8}
	cfg.Matrix.Concurrency = []int{1, 2, 4}
	cfg.Matrix.BucketWidth = 100 * time.Microsecond
	cfg.Experiments.BufferSize = 64 << 10
	cfg.Experiments.SingleLBA.Loops = 2
	cfg.Experiments.Zipf.Ranks = []uint64{64, 1024, 1 << 21}
	if edit != nil {
		edit(cfg)
	}
	require.NoError(t, cfg.Validate())
	ns, err := dev.Namespace(device.DefaultNamespace)
	require.NoError(t, err)
	return &Runner{Device: dev, Namespace: ns, Config: cfg, Clock: dev.Now, Log: zaptest.NewLogger(t)}
}

func TestMatrix(t *testing.T) {
	dev := sim.New(sim.Config{Blocks: 1 << 16})
	paused := 0
	r := newRunner(t, dev, func(c *config.Config) { c.Matrix.Pause = time.Second })
	r.Sleep = func(time.Duration) { paused++ }

	cells := r.Config.Matrix.Cells()
	rep, err := r.Matrix(cells)
	require.NoError(t, err)
	require.Len(t, rep.Cells, 6)
	require.Equal(t, 5, paused)
	for _, cr := range rep.Cells {
		require.Empty(t, cr.Skipped)
		require.Zero(t, cr.Failed)
		require.NotEmpty(t, cr.Buckets)
		require.Greater(t, cr.MiBps, 0.0)
		require.Equal(t, int64(1024), cr.Latency.Ops)

		var actions float64
		for _, b := range cr.Buckets {
			actions += b.Actions
		}
		require.InDelta(t, 1024, actions, 1e-6)
	}
	require.Len(t, rep.Knees, 2)
	require.Equal(t, "sequential/write bs=4096 qd=1", rep.Knees[0].Group)
	require.Zero(t, dev.Live())
	require.Zero(t, dev.LiveBuffers())
	require.Equal(t, uint64(6*(4<<20)), dev.Written())
}

func TestMatrixSkipsOversizedCells(t *testing.T) {
	dev := sim.New(sim.Config{Blocks: 1 << 16})
	r := newRunner(t, dev, nil)
	cells := []engine.Cell{
		{Pattern: workload.Sequential, IOSize: 2 << 20, QueueDepth: 4, Concurrency: 4, Write: true},
		{Pattern: workload.Zipfian, IOSize: 4096, QueueDepth: 4, Concurrency: 2, Write: true},
	}
	rep, err := r.Matrix(cells)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Cells[0].Skipped)
	require.Empty(t, rep.Cells[1].Skipped)
	require.Len(t, rep.Knees, 1)
}

func TestRandomCombinations(t *testing.T) {
	dev := sim.New(sim.Config{Blocks: 1 << 16, Reorder: true})
	r := newRunner(t, dev, nil)
	got, err := r.RandomCombinations()
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, c := range got {
		require.Equal(t, i&2 != 0, c.RandomSource)
		require.Equal(t, i&1 != 0, c.RandomDest)
		require.Equal(t, 10, c.Succeeded)
		require.Greater(t, c.MiBps, 0.0)
	}
	require.Equal(t, uint64(4*10*(64<<10)), dev.Written())
	require.Zero(t, dev.Live())
}

func TestRandomCombinationsCountsFailures(t *testing.T) {
	// Each pass submits 128 single-block commands; fifteen passes are
	// accepted and everything after is rejected.
	dev := sim.New(sim.Config{Blocks: 1 << 16, RejectAfter: 128 * 15})
	r := newRunner(t, dev, nil)
	got, err := r.RandomCombinations()
	require.NoError(t, err)
	require.Equal(t, 10, got[0].Succeeded)
	require.Equal(t, 5, got[1].Succeeded)
	require.Equal(t, 0, got[2].Succeeded)
	require.Equal(t, 0, got[3].Succeeded)
	require.Zero(t, got[3].MiBps)
	require.Zero(t, dev.Live())
}

func TestZipfSweep(t *testing.T) {
	dev := sim.New(sim.Config{Blocks: 1 << 16})
	r := newRunner(t, dev, nil)
	got, err := r.ZipfSweep(true)
	require.NoError(t, err)
	// The largest population does not fit on the namespace.
	require.Len(t, got, 4)
	for _, z := range got {
		require.Empty(t, z.Err)
		require.Greater(t, z.MiBps, 0.0)
		require.NotEqual(t, uint64(1<<21), z.N)
	}
	require.Equal(t, uint64(2*(64+1024)*512), dev.Written())
}

func TestSingleLBA(t *testing.T) {
	for _, write := range []bool{true, false} {
		dev := sim.New(sim.Config{Blocks: 1 << 16})
		r := newRunner(t, dev, nil)
		rate, err := r.SingleLBA(write)
		require.NoError(t, err)
		require.Greater(t, rate, 0.0)
		ops := uint64(2 * (64 << 10) / 512)
		if write {
			require.Equal(t, ops*512, dev.Written())
		} else {
			require.Equal(t, uint64(512), dev.Written())
		}
		require.Zero(t, dev.Live())
	}
}

func TestFrozenClockIsDegenerate(t *testing.T) {
	dev := sim.New(sim.Config{Blocks: 1 << 16})
	r := newRunner(t, dev, nil)
	frozen := time.Unix(0, 0)
	r.Clock = func() time.Time { return frozen }

	rate, err := r.SingleLBA(true)
	require.NoError(t, err)
	require.Zero(t, rate)

	got, err := r.ZipfSweep(false)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, dev.Live())
}
