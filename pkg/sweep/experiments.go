package sweep

import (
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/runningwild/qpbench/pkg/analyze"
	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/workload"
)

// withQueuePair runs fn on a fresh queue pair and a payload buffer of the
// configured size, then releases both.
func (r *Runner) withQueuePair(fn func(qp device.QueuePair, buf *device.Buffer) (device.QueuePair, error)) error {
	e := r.Config.Experiments
	qp, err := r.Device.CreateQueuePair(e.QueueDepth)
	if err != nil {
		return errors.Wrap(err, "creating queue pair")
	}
	buf, err := r.Device.Allocate(int(e.BufferSize))
	if err != nil {
		_ = r.Device.DeleteQueuePair(qp)
		return errors.Wrap(err, "allocating payload buffer")
	}
	workload.FillRandom(buf.Bytes(), r.Config.Matrix.Seed)

	qp, err = fn(qp, buf)
	if ferr := buf.Free(); ferr != nil {
		r.logger().Warn("freeing payload buffer", zap.Error(ferr))
	}
	if derr := r.Device.DeleteQueuePair(qp); derr != nil && err == nil {
		err = errors.Wrap(derr, "deleting queue pair")
	}
	return err
}

func mibps(bytes uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / mib / d.Seconds()
}

// Combination is one cell of the random source/destination grid.
type Combination struct {
	RandomSource bool    `json:"random_source"`
	RandomDest   bool    `json:"random_dest"`
	Iterations   int     `json:"iterations"`
	Succeeded    int     `json:"succeeded"`
	MiBps        float64 `json:"mib_per_sec"`
}

// RandomCombinations writes one buffer's worth of single-block operations
// for each pairing of shuffled or in-order buffer ranges and destinations. A
// pass whose driver call fails is not counted towards throughput.
func (r *Runner) RandomCombinations() ([]Combination, error) {
	e := r.Config.Experiments
	var out []Combination
	err := r.withQueuePair(func(qp device.QueuePair, buf *device.Buffer) (device.QueuePair, error) {
		drv := r.driver()
		for _, src := range []bool{false, true} {
			for _, dest := range []bool{false, true} {
				allocs, err := workload.Generate(r.Namespace, workload.Spec{
					Pattern:      workload.Random,
					TotalSize:    uint64(e.BufferSize),
					BufferSize:   uint64(e.BufferSize),
					RandomStart:  true,
					RandomSource: src,
					RandomDest:   dest,
					Seed:         r.Config.Matrix.Seed,
				})
				if err != nil {
					return qp, err
				}
				c := Combination{RandomSource: src, RandomDest: dest, Iterations: e.Random.Iterations, Succeeded: e.Random.Iterations}
				var elapsed time.Duration
				for i := 0; i < e.Random.Iterations; i++ {
					start := r.clock()()
					qp, err = drv.Drive(qp, r.Namespace, buf, allocs, true)
					elapsed += r.clock()().Sub(start)
					if err != nil {
						c.Succeeded--
						r.logger().Warn("random pass failed", zap.Bool("random_source", src), zap.Bool("random_dest", dest), zap.Error(err))
					}
				}
				c.MiBps = mibps(uint64(c.Succeeded)*uint64(e.BufferSize), elapsed)
				r.logger().Info("random combination",
					zap.Bool("random_source", src), zap.Bool("random_dest", dest), zap.Float64("mib_per_sec", c.MiBps))
				out = append(out, c)
			}
		}
		return qp, nil
	})
	return out, err
}

// ZipfResult is one (exponent, population) point of the skew sweep.
type ZipfResult struct {
	S     float64 `json:"s"`
	N     uint64  `json:"n"`
	MiBps float64 `json:"mib_per_sec"`
	Err   string  `json:"error,omitempty"`
}

// ZipfSweep draws n single-block operations from a Zipf distribution over n
// blocks at a random safe start, for every configured exponent and
// population. Populations that do not fit on the namespace are skipped.
func (r *Runner) ZipfSweep(write bool) ([]ZipfResult, error) {
	e := r.Config.Experiments
	var out []ZipfResult
	err := r.withQueuePair(func(qp device.QueuePair, buf *device.Buffer) (device.QueuePair, error) {
		drv := r.driver()
		bs := r.Namespace.BlockSize
		for _, s := range e.Zipf.Exponents {
			for _, n := range e.Zipf.Ranks {
				allocs, err := workload.Generate(r.Namespace, workload.Spec{
					Pattern:     workload.Zipfian,
					TotalSize:   n * bs,
					BufferSize:  uint64(e.BufferSize),
					RandomStart: true,
					ZipfS:       s,
					ZipfN:       n,
					Seed:        r.Config.Matrix.Seed,
				})
				if errors.Is(err, workload.ErrWorkloadDoesNotFit) {
					r.logger().Info("zipf population does not fit", zap.Uint64("n", n))
					continue
				}
				if err != nil {
					return qp, err
				}
				start := r.clock()()
				qp, err = drv.Drive(qp, r.Namespace, buf, allocs, write)
				d := r.clock()().Sub(start)
				res := ZipfResult{S: s, N: n}
				if err != nil {
					res.Err = err.Error()
					r.logger().Warn("zipf pass incomplete", zap.Float64("s", s), zap.Uint64("n", n), zap.Error(err))
				}
				if d <= 0 {
					r.logger().Warn("skipping zipf point", zap.Float64("s", s), zap.Uint64("n", n), zap.Error(analyze.ErrDegenerateSample))
					continue
				}
				res.MiBps = mibps(n*bs, d)
				r.logger().Info("zipf", zap.Float64("s", s), zap.Uint64("n", n), zap.Float64("mib_per_sec", res.MiBps))
				out = append(out, res)
			}
		}
		return qp, nil
	})
	return out, err
}

// SingleLBA hammers one block with loops buffers' worth of one-block
// operations. Before reading, the block is written once. A run with no
// measurable duration is logged and reports a rate of 0.
func (r *Runner) SingleLBA(write bool) (float64, error) {
	e := r.Config.Experiments
	var rate float64
	err := r.withQueuePair(func(qp device.QueuePair, buf *device.Buffer) (device.QueuePair, error) {
		bs := r.Namespace.BlockSize
		rng := rand.New(rand.NewPCG(r.Config.Matrix.Seed, r.Config.Matrix.Seed+1))
		lba, err := workload.SafeStart(rng, 1, r.Namespace.Blocks)
		if err != nil {
			return qp, err
		}
		drv := r.driver()
		one := []workload.Allocation{{LBA: lba, Start: 0, Stop: int(bs)}}
		if !write {
			if qp, err = drv.Drive(qp, r.Namespace, buf, one, true); err != nil {
				return qp, errors.Wrap(err, "seeding block")
			}
		}

		ops := uint64(e.SingleLBA.Loops) * uint64(e.BufferSize) / bs
		allocs := make([]workload.Allocation, ops)
		for i := range allocs {
			allocs[i] = one[0]
		}
		start := r.clock()()
		qp, err = drv.Drive(qp, r.Namespace, buf, allocs, write)
		d := r.clock()().Sub(start)
		if err != nil {
			return qp, err
		}
		op := "read from"
		if write {
			op = "write to"
		}
		if d <= 0 {
			r.logger().Warn("skipping continuous "+op+" same lba", zap.Uint64("lba", lba), zap.Error(analyze.ErrDegenerateSample))
			return qp, nil
		}
		rate = mibps(ops*bs, d)
		r.logger().Info("continuous "+op+" same lba", zap.Uint64("lba", lba), zap.Float64("mib_per_sec", rate))
		return qp, nil
	})
	return rate, err
}
