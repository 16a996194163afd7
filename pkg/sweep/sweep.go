// Package sweep runs the workload matrix and the single-queue experiments
// against a device and condenses their samples into reports.
package sweep

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runningwild/qpbench/pkg/analyze"
	"github.com/runningwild/qpbench/pkg/config"
	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/metrics"
	"github.com/runningwild/qpbench/pkg/stats"
	"github.com/runningwild/qpbench/pkg/workload"
)

const mib = 1 << 20

// Runner owns a device for the duration of a sweep.
type Runner struct {
	Device    device.Device
	Namespace device.Namespace
	Config    *config.Config

	Clock   engine.Clock
	Sleep   func(time.Duration)
	Log     *zap.Logger
	Metrics *metrics.IO
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Runner) clock() engine.Clock {
	if r.Clock == nil {
		return time.Now
	}
	return r.Clock
}

func (r *Runner) driver() engine.Driver {
	return engine.Driver{BatchSize: r.Config.Driver.BatchSize, Poll: r.Config.Driver.Poll, Metrics: r.Metrics}
}

// CellReport condenses one cell.
type CellReport struct {
	Cell       engine.Cell      `json:"cell"`
	Skipped    string           `json:"skipped,omitempty"`
	Elapsed    time.Duration    `json:"elapsed"`
	Failed     int              `json:"failed_workers"`
	Degenerate int              `json:"degenerate_samples"`
	MiBps      float64          `json:"mib_per_sec"`
	Latency    stats.Summary    `json:"latency"`
	Buckets    []analyze.Bucket `json:"buckets"`
}

// Knee is the saturation point over concurrency for cells that share
// everything else.
type Knee struct {
	Group string      `json:"group"`
	Cell  engine.Cell `json:"cell"`
	MiBps float64     `json:"mib_per_sec"`
}

type Report struct {
	BucketWidth time.Duration `json:"bucket_width"`
	Cells       []CellReport  `json:"cells"`
	Knees       []Knee        `json:"knees"`
}

// Matrix runs every cell in order. A cell whose workload cannot be placed on
// the namespace is reported as skipped; any other coordinator error aborts the
// sweep.
func (r *Runner) Matrix(cells []engine.Cell) (*Report, error) {
	m := r.Config.Matrix
	rep := &Report{BucketWidth: m.BucketWidth}
	c := &engine.Coordinator{
		Device:      r.Device,
		Namespace:   r.Namespace,
		Driver:      engine.Driver{Poll: r.Config.Driver.Poll},
		QueueLength: r.Config.Driver.MinQueueLength,
		StepSize:    m.StepSize,
		PayloadSeed: m.Seed,
		Clock:       r.clock(),
		Log:         r.logger(),
		Metrics:     r.Metrics,
	}
	total := workload.Clamp(r.Namespace, uint64(m.TotalBytes), 1)

	for i, cell := range cells {
		if i > 0 && m.Pause > 0 && r.Sleep != nil {
			r.Sleep(m.Pause)
		}
		cr, err := r.runCell(c, cell, total)
		if err != nil {
			return rep, errors.Wrapf(err, "cell %s", cell)
		}
		rep.Cells = append(rep.Cells, cr)
	}
	rep.Knees = knees(rep.Cells)
	return rep, nil
}

func (r *Runner) runCell(c *engine.Coordinator, cell engine.Cell, total uint64) (CellReport, error) {
	m := r.Config.Matrix
	cr := CellReport{Cell: cell}
	perWorker := total / uint64(cell.Concurrency)
	perWorker -= perWorker % cell.IOSize
	if perWorker == 0 {
		cr.Skipped = workload.ErrWorkloadDoesNotFit.Error()
		r.logger().Warn("skipping cell", zap.Stringer("cell", cell), zap.Error(workload.ErrWorkloadDoesNotFit))
		return cr, nil
	}
	res, err := c.Run(cell, engine.CellWorkload(r.Namespace, cell, engine.WorkloadOptions{
		PerWorkerBytes: perWorker,
		BufferSize:     uint64(m.BufferSize),
		RandomSource:   m.RandomSource,
		RandomDest:     m.RandomDest,
		ZipfS:          m.ZipfS,
		Seed:           m.Seed,
	}))
	if errors.Is(err, workload.ErrWorkloadDoesNotFit) || errors.Is(err, workload.ErrInvalidSpec) {
		cr.Skipped = err.Error()
		r.logger().Warn("skipping cell", zap.Stringer("cell", cell), zap.Error(err))
		return cr, nil
	}
	if err != nil {
		return cr, err
	}

	logs := res.Logs()
	cr.Elapsed = res.Elapsed
	cr.Failed = res.Failed()
	cr.Degenerate = analyze.Degenerate(logs)
	if cr.Degenerate > 0 {
		r.logger().Debug("dropped samples", zap.Int("count", cr.Degenerate), zap.Error(analyze.ErrDegenerateSample))
	}
	cr.Buckets = analyze.Combine(logs, m.BucketWidth)
	cr.MiBps = analyze.MeanThroughput(cr.Buckets, m.BucketWidth) / mib
	cr.Latency = stats.Summarize(logs)
	r.logger().Info("cell",
		zap.Stringer("cell", cell),
		zap.Float64("mib_per_sec", cr.MiBps),
		zap.Duration("p99", cr.Latency.P99))
	return cr, nil
}

func knees(cells []CellReport) []Knee {
	var points []analyze.Point
	for _, cr := range cells {
		if cr.Skipped == "" {
			points = append(points, analyze.Point{Cell: cr.Cell, MiBps: cr.MiBps})
		}
	}
	out := []Knee{}
	for _, c := range analyze.Curves(points) {
		p := c.Knee()
		out = append(out, Knee{Group: c.Key, Cell: p.Cell, MiBps: p.MiBps})
	}
	return out
}
