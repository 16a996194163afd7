package probe

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/device/sim"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/workload"
)

const mib = 1 << 20

// cacheModel writes at 1 byte/ns until capacity bytes have been written and
// at a quarter of that afterwards.
func cacheModel(capacity uint64) ChunkFunc {
	return func(offset, size uint64) (time.Duration, error) {
		fast := uint64(0)
		if offset < capacity {
			fast = min(size, capacity-offset)
		}
		return time.Duration(fast + 4*(size-fast)), nil
	}
}

func TestDetectorWarmup(t *testing.T) {
	d := &Detector{Warmup: 3, Ratio: 4.0 / 3.0}
	require.False(t, d.Observe(10))
	require.False(t, d.Observe(100), "still warming up")
	require.False(t, d.Observe(10))
	require.False(t, d.Observe(13))
	require.True(t, d.Observe(18))
}

func TestDetectorRatio(t *testing.T) {
	d := &Detector{Ratio: 2}
	require.False(t, d.Observe(100))
	require.False(t, d.Observe(199))
	require.True(t, d.Observe(398))
}

func TestDetectorSkipsZeroBuckets(t *testing.T) {
	d := &Detector{Warmup: 2, Ratio: 2}
	require.False(t, d.Observe(0))
	require.False(t, d.Observe(10))
	require.False(t, d.Observe(0), "not counted toward warm-up")
	require.False(t, d.Observe(10))
	require.False(t, d.Observe(0))
	require.True(t, d.Observe(100), "compared against the last real bucket")
}

func TestSearchCollapseAfterZeroBucket(t *testing.T) {
	det := &Detector{Warmup: DefaultWarmupBuckets, Ratio: DefaultCollapseRatio}
	durations := func(offset, size uint64) (time.Duration, error) {
		switch i := offset / size; {
		case i < 12:
			return 10, nil
		case i == 12:
			return 0, nil
		default:
			return 100, nil
		}
	}
	res, err := Search(det, 4, 64*4, durations)
	require.NoError(t, err)
	require.True(t, res.Detected)
	require.Equal(t, uint64(13*4), res.Bytes)
	require.Equal(t, 14, res.Buckets)
}

func TestSearchFindsCapacity(t *testing.T) {
	step := uint64(mib)
	for _, capacity := range []uint64{9 * mib, 10 * mib, 10*mib + 300<<10, 31*mib + 1} {
		det := &Detector{Warmup: DefaultWarmupBuckets, Ratio: DefaultCollapseRatio}
		res, err := Search(det, step, 256*mib, cacheModel(capacity))
		require.NoError(t, err)
		require.True(t, res.Detected, "capacity %d", capacity)
		require.LessOrEqual(t, res.Bytes, capacity)
		require.Less(t, capacity-res.Bytes, step, "capacity %d reported %d", capacity, res.Bytes)
	}
}

func TestSearchConstantThroughput(t *testing.T) {
	det := &Detector{Warmup: DefaultWarmupBuckets, Ratio: DefaultCollapseRatio}
	constant := func(offset, size uint64) (time.Duration, error) { return time.Duration(size), nil }
	res, err := Search(det, mib, 64*mib, constant)
	require.NoError(t, err)
	require.False(t, res.Detected)
	require.Equal(t, uint64(64*mib), res.Bytes)
	require.Equal(t, 64, res.Buckets)
	require.Contains(t, res.String(), "undetermined")
}

func TestSearchEarlyCollapseIsIgnored(t *testing.T) {
	det := &Detector{Warmup: DefaultWarmupBuckets, Ratio: DefaultCollapseRatio}
	res, err := Search(det, mib, 32*mib, cacheModel(3*mib))
	require.NoError(t, err)
	require.False(t, res.Detected)
}

func TestSearchChunkError(t *testing.T) {
	boom := errors.New("boom")
	det := &Detector{Ratio: 2}
	res, err := Search(det, mib, 8*mib, func(offset, _ uint64) (time.Duration, error) {
		if offset >= 2*mib {
			return 0, boom
		}
		return 1, nil
	})
	require.True(t, errors.Is(err, boom))
	require.Equal(t, uint64(2*mib), res.Bytes)
}

func newProber(t *testing.T, dev *sim.Device, cfg Config) *Prober {
	ns, err := dev.Namespace(device.DefaultNamespace)
	require.NoError(t, err)
	return &Prober{Device: dev, Namespace: ns, Config: cfg, Clock: dev.Now, Log: zaptest.NewLogger(t)}
}

func TestProberDetectsSimulatedCache(t *testing.T) {
	for _, cache := range []uint64{8 * mib, 8*mib + mib/2, 20 * mib} {
		dev := sim.New(sim.Config{CacheBytes: cache})
		p := newProber(t, dev, Config{IOSize: 64 << 10, StepSize: 16, MaxBytes: 64 * mib, QueueDepth: 8, Write: true})
		rep, err := p.Run()
		require.NoError(t, err)
		require.True(t, rep.Detected, "cache %d", cache)
		require.LessOrEqual(t, rep.Bytes, cache)
		require.Less(t, cache-rep.Bytes, uint64(mib))
		require.Len(t, rep.Logs()[0], rep.Workers[0].Buckets)
		require.Zero(t, dev.Live())
		require.Zero(t, dev.LiveBuffers())
	}
}

func TestProberWithoutCacheIsUndetermined(t *testing.T) {
	dev := sim.New(sim.Config{})
	p := newProber(t, dev, Config{IOSize: 64 << 10, StepSize: 16, MaxBytes: 32 * mib, QueueDepth: 8, Write: true})
	rep, err := p.Run()
	require.NoError(t, err)
	require.False(t, rep.Detected)
	require.Equal(t, uint64(32*mib), rep.Bytes)
	require.Equal(t, uint64(32*mib), dev.Written())
}

func TestProberConcurrentStreams(t *testing.T) {
	dev := sim.New(sim.Config{})
	p := newProber(t, dev, Config{IOSize: 4096, StepSize: 32, MaxBytes: 4 * mib, QueueDepth: 16, Write: true, Concurrency: 4})
	rep, err := p.Run()
	require.NoError(t, err)
	require.Len(t, rep.Workers, 4)
	for _, w := range rep.Workers {
		require.Equal(t, uint64(mib), w.Bytes)
		require.NotEmpty(t, w.Logs)
	}
	created, deleted := dev.Counts()
	require.Equal(t, 4, created)
	require.Equal(t, 4, deleted)
}

func TestProberBudgetTooSmall(t *testing.T) {
	dev := sim.New(sim.Config{})
	p := newProber(t, dev, Config{IOSize: 4096, StepSize: 1024, MaxBytes: mib})
	_, err := p.Run()
	require.True(t, errors.Is(err, workload.ErrWorkloadDoesNotFit))
	created, _ := dev.Counts()
	require.Zero(t, created)
}

func TestProberQueueFull(t *testing.T) {
	dev := sim.New(sim.Config{RejectAfter: 40})
	p := newProber(t, dev, Config{IOSize: 4096, StepSize: 32, MaxBytes: mib, Write: true})
	_, err := p.Run()
	require.True(t, errors.Is(err, engine.ErrQueueFull), "got %v", err)
	require.Zero(t, dev.Live())
}

func TestConfigDefaults(t *testing.T) {
	ns := device.Namespace{ID: 1, Blocks: 1 << 20, BlockSize: 512}
	cfg := Config{IOSize: 4 << 20}.withDefaults(ns)
	require.Equal(t, uint64(MaxIOSize-512), cfg.IOSize)
	require.Equal(t, ns.Capacity()/2, cfg.MaxBytes)
	require.Equal(t, DefaultWarmupBuckets, cfg.WarmupBuckets)
	require.InDelta(t, 4.0/3.0, cfg.CollapseRatio, 1e-12)
	require.Equal(t, engine.DefaultStepSize(cfg.IOSize), cfg.StepSize)
	require.Equal(t, 1, cfg.Concurrency)

	cfg = Config{IOSize: 1000}.withDefaults(ns)
	require.Equal(t, uint64(512), cfg.IOSize)
}
