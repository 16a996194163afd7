package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/metrics"
	"github.com/runningwild/qpbench/pkg/workload"
)

// DefaultQueueLength is the smallest hardware queue the coordinator creates.
// A single large transfer may occupy many submission entries.
const DefaultQueueLength = 512

// WorkloadFunc returns the allocations for worker i.
type WorkloadFunc func(worker int) ([]workload.Allocation, error)

// Coordinator runs one benchmark cell: one worker per queue pair, each
// driving its own slice of the workload.
type Coordinator struct {
	Device    device.Device
	Namespace device.Namespace

	// Driver is copied into every worker. A zero BatchSize takes the cell's
	// queue depth.
	Driver Driver
	// QueueLength is the minimum depth of each created queue pair. The actual
	// depth is max(2*queueDepth, QueueLength).
	QueueLength int
	// StepSize is the completions per IoLog sample, 0 derives it from the
	// operation size.
	StepSize int
	// PayloadSeed seeds the synthetic write payload.
	PayloadSeed uint64

	Clock   Clock
	Log     *zap.Logger
	Metrics *metrics.IO
}

// WorkerResult is what one worker hands back.
type WorkerResult struct {
	Worker int
	Logs   []IoLog
	Err    error
}

// Result is the outcome of a benchmark cell.
type Result struct {
	Cell    Cell
	Workers []WorkerResult
	Elapsed time.Duration
}

// Logs returns every worker's samples, indexed by worker.
func (r *Result) Logs() [][]IoLog {
	out := make([][]IoLog, len(r.Workers))
	for i, w := range r.Workers {
		out[i] = w.Logs
	}
	return out
}

// Failed counts workers whose driver call returned an error.
func (r *Result) Failed() int {
	n := 0
	for _, w := range r.Workers {
		if w.Err != nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func (c *Coordinator) clock() Clock {
	if c.Clock == nil {
		return time.Now
	}
	return c.Clock
}

// Run spawns cell.Concurrency workers. Every workload is generated before any
// queue pair is created, so a workload that does not fit is reported without
// touching the device. A worker failure does not stop its siblings; it is
// reported in the worker's result. Every queue pair is deleted exactly once
// before Run returns.
func (c *Coordinator) Run(cell Cell, fn WorkloadFunc) (*Result, error) {
	if cell.Concurrency <= 0 {
		return nil, errors.Errorf("invalid concurrency %d", cell.Concurrency)
	}
	log := c.logger().With(zap.Stringer("cell", cell))

	work := make([][]workload.Allocation, cell.Concurrency)
	for i := range work {
		allocs, err := fn(i)
		if err != nil {
			return nil, errors.Wrapf(err, "worker %d workload", i)
		}
		work[i] = allocs
	}

	minLen := c.QueueLength
	if minLen <= 0 {
		minLen = DefaultQueueLength
	}
	depth := max(2*cell.QueueDepth, minLen)
	pool, err := NewPool(c.Device, cell.Concurrency, depth)
	if err != nil {
		return nil, err
	}

	step := c.StepSize
	if step <= 0 {
		step = DefaultStepSize(cell.IOSize)
	}

	type handoff struct {
		res WorkerResult
		qp  device.QueuePair
	}
	out := make([]handoff, cell.Concurrency)
	start := c.clock()()

	var wg sync.WaitGroup
	for i := 0; i < cell.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer wg.Done()
			qp, res := c.runWorker(id, cell, pool, work[id], step)
			out[id] = handoff{res: res, qp: qp}
		}(i)
	}
	wg.Wait()

	res := &Result{Cell: cell, Workers: make([]WorkerResult, cell.Concurrency), Elapsed: c.clock()().Sub(start)}
	for i, h := range out {
		res.Workers[i] = h.res
		if h.res.Err != nil {
			log.Warn("worker failed", zap.Int("worker", i), zap.Error(h.res.Err))
		}
		if h.qp == nil {
			continue
		}
		if err := c.Device.DeleteQueuePair(h.qp); err != nil {
			log.Warn("deleting queue pair", zap.Int("worker", i), zap.Error(err))
		}
	}
	for _, qp := range pool.Drain() {
		if err := c.Device.DeleteQueuePair(qp); err != nil {
			log.Warn("deleting unused queue pair", zap.Error(err))
		}
	}

	log.Info("cell finished",
		zap.Int("workers", cell.Concurrency),
		zap.Int("failed", res.Failed()),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (c *Coordinator) runWorker(
	id int, cell Cell, pool *Pool, allocs []workload.Allocation, step int,
) (device.QueuePair, WorkerResult) {
	res := WorkerResult{Worker: id}
	qp, ok := pool.Take()
	if !ok {
		res.Err = errors.New("queue pair pool exhausted")
		return nil, res
	}
	c.Metrics.WorkerStarted()
	defer c.Metrics.WorkerDone()

	size := 0
	for _, a := range allocs {
		size = max(size, a.Stop)
	}
	if size == 0 {
		return qp, res
	}
	buf, err := c.Device.Allocate(size)
	if err != nil {
		res.Err = errors.Wrap(err, "allocating payload buffer")
		return qp, res
	}
	defer func() {
		if err := buf.Free(); err != nil {
			c.logger().Warn("freeing payload buffer", zap.Int("worker", id), zap.Error(err))
		}
	}()
	if cell.Write {
		workload.FillRandom(buf.Bytes(), c.PayloadSeed)
	}

	ioSize := uint64(allocs[0].Len())
	s := newSampler(c.clock(), step, ioSize, c.Metrics)
	drv := c.Driver
	if drv.BatchSize <= 0 {
		drv.BatchSize = cell.QueueDepth
	}
	drv.Metrics = c.Metrics
	drv.OnComplete = s.record

	qp, res.Err = drv.Drive(qp, c.Namespace, buf, allocs, cell.Write)
	res.Logs = s.flush()
	c.logger().Debug("worker done", zap.Int("worker", id), zap.Int("samples", len(res.Logs)), zap.Error(res.Err))
	return qp, res
}

// WorkloadOptions refine how CellWorkload lays out each worker's slice.
type WorkloadOptions struct {
	PerWorkerBytes uint64
	BufferSize     uint64 // Per-worker payload buffer, 0 means one operation
	RandomSource   bool
	RandomDest     bool
	ZipfS          float64
	ZipfN          uint64 // Hot operations per worker, 0 means the whole slice
	Seed           uint64
}

// CellWorkload gives worker i the disjoint region starting at
// i*PerWorkerBytes so that workers never write the same blocks.
func CellWorkload(ns device.Namespace, cell Cell, opts WorkloadOptions) WorkloadFunc {
	return func(i int) ([]workload.Allocation, error) {
		ioSize := cell.IOSize
		if ioSize == 0 {
			ioSize = ns.BlockSize
		}
		bufSize := opts.BufferSize
		if bufSize < ioSize {
			bufSize = ioSize
		}
		zipfN := opts.ZipfN
		if zipfN == 0 {
			zipfN = max(opts.PerWorkerBytes/ioSize, 1)
		}
		return workload.Generate(ns, workload.Spec{
			Pattern:      cell.Pattern,
			TotalSize:    opts.PerWorkerBytes,
			IOSize:       ioSize,
			BufferSize:   bufSize,
			StartLBA:     uint64(i) * (opts.PerWorkerBytes / ns.BlockSize),
			RandomSource: opts.RandomSource,
			RandomDest:   opts.RandomDest,
			ZipfS:        opts.ZipfS,
			ZipfN:        zipfN,
			Seed:         opts.Seed + uint64(i),
		})
	}
}
