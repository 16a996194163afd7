// Package probe estimates the size of a device's write-back cache by writing
// sequentially and watching for the point where per-step throughput collapses.
package probe

import (
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runningwild/qpbench/pkg/analyze"
	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/metrics"
	"github.com/runningwild/qpbench/pkg/workload"
)

const (
	DefaultMaxBytes      = 8 << 30
	DefaultIOSize        = 128 << 10
	DefaultWarmupBuckets = 8
	DefaultCollapseRatio = 4.0 / 3.0
	// MaxIOSize bounds a single operation to what one payload page can hold.
	MaxIOSize = 2 << 20
)

// Config tunes a probe. Zero fields take the defaults above.
type Config struct {
	IOSize     uint64
	StepSize   int // Operations per timing bucket
	MaxBytes   uint64
	QueueDepth int
	Write      bool

	WarmupBuckets int
	CollapseRatio float64

	// StartLBA is where worker 0 starts; worker i starts MaxBytes/Concurrency
	// bytes further on.
	StartLBA    uint64
	Concurrency int
}

func (c Config) withDefaults(ns device.Namespace) Config {
	if c.IOSize == 0 {
		c.IOSize = DefaultIOSize
	}
	c.IOSize = min(c.IOSize, MaxIOSize-ns.BlockSize)
	c.IOSize -= c.IOSize % ns.BlockSize
	if c.IOSize == 0 {
		c.IOSize = ns.BlockSize
	}
	if c.StepSize <= 0 {
		c.StepSize = engine.DefaultStepSize(c.IOSize)
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxBytes >= ns.Capacity() {
		c.MaxBytes = ns.Capacity() / 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.WarmupBuckets <= 0 {
		c.WarmupBuckets = DefaultWarmupBuckets
	}
	if c.CollapseRatio <= 1 {
		c.CollapseRatio = DefaultCollapseRatio
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Detector decides when the bucket durations of a write stream have
// collapsed. A bucket is judged only once Warmup buckets precede it.
type Detector struct {
	Warmup int
	Ratio  float64

	seen int
	prev time.Duration
}

// Observe records the duration of the next bucket and reports whether it took
// at least Ratio times as long as the one before. A bucket with no measurable
// duration is dropped and leaves the baseline untouched.
func (d *Detector) Observe(elapsed time.Duration) bool {
	if elapsed <= 0 {
		return false
	}
	defer func() {
		d.seen++
		d.prev = elapsed
	}()
	if d.seen < d.Warmup || d.prev <= 0 {
		return false
	}
	return float64(elapsed) >= d.Ratio*float64(d.prev)
}

// ChunkFunc writes size bytes starting offset bytes into the probed region and
// returns how long it took.
type ChunkFunc func(offset, size uint64) (time.Duration, error)

// Result is the outcome of one probe stream.
type Result struct {
	Detected bool
	// Bytes is the offset at which the collapsing bucket began, or the
	// number of bytes written when nothing was detected.
	Bytes   uint64
	Buckets int
	Logs    []engine.IoLog
}

func (r Result) String() string {
	if !r.Detected {
		return "undetermined after " + humanize.IBytes(r.Bytes)
	}
	return humanize.IBytes(r.Bytes)
}

// Search walks chunk over [0, maxBytes) one bucket at a time until the
// detector fires or the budget runs out.
func Search(det *Detector, step, maxBytes uint64, chunk ChunkFunc) (Result, error) {
	if step == 0 {
		return Result{}, errors.New("zero step")
	}
	var res Result
	for offset := uint64(0); offset+step <= maxBytes; offset += step {
		elapsed, err := chunk(offset, step)
		if err != nil {
			res.Bytes = offset
			return res, errors.Wrapf(err, "probing at %s", humanize.IBytes(offset))
		}
		res.Buckets++
		if det.Observe(elapsed) {
			res.Detected = true
			res.Bytes = offset
			return res, nil
		}
		res.Bytes = offset + step
	}
	return res, nil
}

// Prober runs Search against a device, one stream per worker.
type Prober struct {
	Device    device.Device
	Namespace device.Namespace
	Driver    engine.Driver
	Config    Config
	// QueueLength is the minimum depth of each created queue pair.
	QueueLength int
	PayloadSeed uint64

	Clock   engine.Clock
	Log     *zap.Logger
	Metrics *metrics.IO
}

// Report holds every worker's stream. Bytes sums the detected offsets and is
// meaningful only when Detected.
type Report struct {
	Config   Config
	Workers  []Result
	Detected bool
	Bytes    uint64
}

// Logs returns each worker's per-bucket samples.
func (r *Report) Logs() [][]engine.IoLog {
	out := make([][]engine.IoLog, len(r.Workers))
	for i, w := range r.Workers {
		out[i] = w.Logs
	}
	return out
}

func (p *Prober) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *Prober) clock() engine.Clock {
	if p.Clock == nil {
		return time.Now
	}
	return p.Clock
}

// Run probes the namespace. Every queue pair created is deleted before Run
// returns.
func (p *Prober) Run() (*Report, error) {
	cfg := p.Config.withDefaults(p.Namespace)
	log := p.logger().With(
		zap.String("io_size", humanize.IBytes(cfg.IOSize)),
		zap.Int("step", cfg.StepSize),
		zap.String("budget", humanize.IBytes(cfg.MaxBytes)))

	perWorker := cfg.MaxBytes / uint64(cfg.Concurrency)
	step := uint64(cfg.StepSize) * cfg.IOSize
	if perWorker < step {
		return nil, errors.Wrapf(workload.ErrWorkloadDoesNotFit,
			"budget %s per worker is smaller than one step of %s",
			humanize.IBytes(perWorker), humanize.IBytes(step))
	}
	if cfg.StartLBA*p.Namespace.BlockSize+cfg.MaxBytes > p.Namespace.Capacity() {
		return nil, errors.Wrapf(workload.ErrWorkloadDoesNotFit, "probe region past end of %s", p.Namespace)
	}

	minLen := p.QueueLength
	if minLen <= 0 {
		minLen = engine.DefaultQueueLength
	}
	pool, err := engine.NewPool(p.Device, cfg.Concurrency, max(2*cfg.QueueDepth, minLen))
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res Result
		qp  device.QueuePair
		err error
	}
	out := make([]outcome, cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer wg.Done()
			start := cfg.StartLBA + uint64(id)*(perWorker/p.Namespace.BlockSize)
			o := &out[id]
			o.qp, o.res, o.err = p.stream(id, cfg, pool, start, perWorker)
		}(i)
	}
	wg.Wait()

	rep := &Report{Config: cfg, Workers: make([]Result, cfg.Concurrency), Detected: true}
	var firstErr error
	for i, o := range out {
		rep.Workers[i] = o.res
		if o.qp != nil {
			if err := p.Device.DeleteQueuePair(o.qp); err != nil {
				log.Warn("deleting queue pair", zap.Int("worker", i), zap.Error(err))
			}
		}
		if o.err != nil && firstErr == nil {
			firstErr = errors.Wrapf(o.err, "worker %d", i)
		}
		rep.Detected = rep.Detected && o.res.Detected
		rep.Bytes += o.res.Bytes
	}
	for _, qp := range pool.Drain() {
		_ = p.Device.DeleteQueuePair(qp)
	}
	if firstErr != nil {
		return rep, firstErr
	}
	if rep.Detected {
		log.Info("cache collapse detected", zap.String("size", humanize.IBytes(rep.Bytes)))
	} else {
		log.Info("no collapse within budget", zap.String("tested", humanize.IBytes(rep.Bytes)))
	}
	return rep, nil
}

func (p *Prober) stream(
	id int, cfg Config, pool *engine.Pool, startLBA, budget uint64,
) (device.QueuePair, Result, error) {
	qp, ok := pool.Take()
	if !ok {
		return nil, Result{}, errors.New("queue pair pool exhausted")
	}
	buf, err := p.Device.Allocate(int(cfg.IOSize))
	if err != nil {
		return qp, Result{}, errors.Wrap(err, "allocating payload buffer")
	}
	defer func() {
		if err := buf.Free(); err != nil {
			p.logger().Warn("freeing payload buffer", zap.Int("worker", id), zap.Error(err))
		}
	}()
	if cfg.Write {
		workload.FillRandom(buf.Bytes(), p.PayloadSeed)
	}

	drv := p.Driver
	if drv.BatchSize <= 0 {
		drv.BatchSize = cfg.QueueDepth
	}
	drv.Metrics = p.Metrics
	now := p.clock()
	var logs []engine.IoLog

	chunk := func(offset, size uint64) (time.Duration, error) {
		allocs, err := workload.Generate(p.Namespace, workload.Spec{
			Pattern:    workload.Sequential,
			TotalSize:  size,
			IOSize:     cfg.IOSize,
			BufferSize: cfg.IOSize,
			StartLBA:   startLBA + offset/p.Namespace.BlockSize,
		})
		if err != nil {
			return 0, err
		}
		start := now()
		qp, err = drv.Drive(qp, p.Namespace, buf, allocs, cfg.Write)
		end := now()
		if err != nil {
			return 0, err
		}
		logs = append(logs, engine.IoLog{Start: start, End: end, Actions: len(allocs), Bytes: size})
		p.Metrics.Sample(size)
		if !end.After(start) {
			p.logger().Debug("skipping bucket", zap.Int("worker", id),
				zap.Uint64("offset", offset), zap.Error(analyze.ErrDegenerateSample))
		}
		return end.Sub(start), nil
	}

	det := &Detector{Warmup: cfg.WarmupBuckets, Ratio: cfg.CollapseRatio}
	res, err := Search(det, uint64(cfg.StepSize)*cfg.IOSize, budget, chunk)
	res.Logs = logs
	p.logger().Debug("probe stream done",
		zap.Int("worker", id), zap.Bool("detected", res.Detected),
		zap.Uint64("bytes", res.Bytes), zap.Int("buckets", res.Buckets))
	return qp, res, err
}
