package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runningwild/qpbench/pkg/config"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/fio"
	"github.com/runningwild/qpbench/pkg/probe"
	"github.com/runningwild/qpbench/pkg/sweep"
	"github.com/runningwild/qpbench/pkg/workload"
)

var matrixFlags struct {
	report      string
	csv         string
	writeConfig string
}

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "run every pattern x io size x queue depth x concurrency cell",
	Args:  cobra.NoArgs,
	RunE: run(func(e *env, cmd *cobra.Command, args []string) error {
		if matrixFlags.writeConfig != "" {
			if err := writeConfig(e.cfg, matrixFlags.writeConfig); err != nil {
				return err
			}
		}
		r := newRunner(e)
		rep, err := r.Matrix(e.cfg.Matrix.Cells())
		if rep != nil {
			printMatrix(rep)
			if matrixFlags.report != "" {
				if werr := writeJSON(matrixFlags.report, rep); werr != nil {
					e.log.Error("writing report", zap.Error(werr))
				}
			}
			if matrixFlags.csv != "" {
				if werr := writeBuckets(matrixFlags.csv, rep); werr != nil {
					e.log.Error("writing buckets", zap.Error(werr))
				}
			}
		}
		return err
	}),
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "estimate the write-back cache size",
	Args:  cobra.NoArgs,
	RunE: run(func(e *env, cmd *cobra.Command, args []string) error {
		p := &probe.Prober{
			Device:      e.dev,
			Namespace:   e.ns,
			Driver:      engine.Driver{Poll: e.cfg.Driver.Poll},
			Config:      e.cfg.Probe.ProbeConfig(),
			QueueLength: e.cfg.Driver.MinQueueLength,
			PayloadSeed: e.cfg.Matrix.Seed,
			Clock:       e.clock,
			Log:         e.log,
			Metrics:     e.metrics,
		}
		rep, err := p.Run()
		if err != nil {
			return err
		}
		if rep.Detected {
			fmt.Printf("Cache size: %s\n", humanize.IBytes(rep.Bytes))
		} else {
			fmt.Printf("Could not detect cache size, tested: %s\n", humanize.IBytes(rep.Bytes))
		}
		for i, w := range rep.Workers {
			fmt.Printf("  worker %d: %s over %d buckets\n", i, w, w.Buckets)
		}
		return nil
	}),
}

var randomCmd = &cobra.Command{
	Use:   "random",
	Short: "compare in-order and shuffled buffer ranges and destinations",
	Args:  cobra.NoArgs,
	RunE: run(func(e *env, cmd *cobra.Command, args []string) error {
		res, err := newRunner(e).RandomCombinations()
		if err != nil {
			return err
		}
		// Rows: source in order / shuffled. Columns: destination.
		fmt.Printf("%-14s %14s %14s\n", "", "seq dest", "random dest")
		for i, label := range []string{"seq source", "random source"} {
			fmt.Printf("%-14s %9.0f MiB/s %9.0f MiB/s\n", label, res[2*i].MiBps, res[2*i+1].MiBps)
		}
		return nil
	}),
}

var expFlags struct {
	read bool
}

var zipfCmd = &cobra.Command{
	Use:   "zipf",
	Short: "single-block operations drawn from Zipf distributions",
	Args:  cobra.NoArgs,
	RunE: run(func(e *env, cmd *cobra.Command, args []string) error {
		res, err := newRunner(e).ZipfSweep(!expFlags.read)
		if err != nil {
			return err
		}
		for _, z := range res {
			fmt.Printf("Zipf(%d,%g): %.0f MiB/s\n", z.N, z.S, z.MiBps)
		}
		return nil
	}),
}

var singleLBACmd = &cobra.Command{
	Use:   "single-lba",
	Short: "hammer one logical block",
	Args:  cobra.NoArgs,
	RunE: run(func(e *env, cmd *cobra.Command, args []string) error {
		rate, err := newRunner(e).SingleLBA(!expFlags.read)
		if err != nil {
			return err
		}
		op := "write to"
		if expFlags.read {
			op = "read from"
		}
		fmt.Printf("Continuous %s same LBA completed with %.0f MiB/s\n", op, rate)
		return nil
	}),
}

var fioFlags struct {
	pattern string
	ioSize  string
	qd      int
	workers int
	write   bool
	runtime time.Duration
	parse   string
}

// fio-job needs no device, so it skips setup.
var fioJobCmd = &cobra.Command{
	Use:   "fio-job",
	Short: "print the fio job equivalent to a cell, or summarize fio JSON output",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fioFlags.parse != "" {
			data, err := os.ReadFile(fioFlags.parse)
			if err != nil {
				return err
			}
			res, err := fio.ParseOutput(data)
			if err != nil {
				return err
			}
			fmt.Printf("ios=%d iops=%.0f %.1f MiB/s mean=%v p50=%v p99=%v\n",
				res.TotalIOs, res.IOPS, res.MiBps, res.Mean, res.P50, res.P99)
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pattern, err := workload.ParsePattern(fioFlags.pattern)
		if err != nil {
			return err
		}
		ioSize, err := humanize.ParseBytes(fioFlags.ioSize)
		if err != nil {
			return errors.Wrap(err, "io size")
		}
		cell := engine.Cell{Pattern: pattern, IOSize: ioSize, QueueDepth: fioFlags.qd, Concurrency: fioFlags.workers, Write: fioFlags.write}
		per := uint64(cfg.Matrix.TotalBytes) / uint64(max(cell.Concurrency, 1))
		fmt.Print(fio.GenerateJob(cell, fio.Target{
			Path:    cfg.Device.Path,
			Engine:  cfg.Device.Engine,
			Direct:  cfg.Device.Direct,
			Size:    per - per%ioSize,
			Runtime: fioFlags.runtime,
			ZipfS:   cfg.Matrix.ZipfS,
		}))
		return nil
	},
}

func init() {
	f := matrixCmd.Flags()
	f.StringVar(&matrixFlags.report, "report", "", "write the full report as JSON")
	f.StringVar(&matrixFlags.csv, "csv", "", "write per-bucket throughput as CSV")
	f.StringVar(&matrixFlags.writeConfig, "write-config", "", "save the effective configuration as YAML")

	for _, c := range []*cobra.Command{zipfCmd, singleLBACmd} {
		c.Flags().BoolVar(&expFlags.read, "read", false, "read instead of write")
	}

	f = fioJobCmd.Flags()
	f.StringVar(&fioFlags.pattern, "pattern", "sequential", "sequential, random or zipf")
	f.StringVar(&fioFlags.ioSize, "bs", "8KiB", "bytes per operation")
	f.IntVar(&fioFlags.qd, "queue-depth", 32, "outstanding operations per worker")
	f.IntVar(&fioFlags.workers, "workers", 1, "workers")
	f.BoolVar(&fioFlags.write, "write", true, "write instead of read")
	f.DurationVar(&fioFlags.runtime, "runtime", 0, "time based run length")
	f.StringVar(&fioFlags.parse, "parse", "", "summarize this fio --output-format=json file instead")
}

func newRunner(e *env) *sweep.Runner {
	return &sweep.Runner{
		Device:    e.dev,
		Namespace: e.ns,
		Config:    e.cfg,
		Clock:     e.clock,
		Sleep:     time.Sleep,
		Log:       e.log,
		Metrics:   e.metrics,
	}
}

func printMatrix(rep *sweep.Report) {
	fmt.Printf("%-44s %12s %10s %10s %10s\n", "cell", "MiB/s", "p50", "p99", "failed")
	for _, c := range rep.Cells {
		if c.Skipped != "" {
			fmt.Printf("%-44s skipped: %s\n", c.Cell, c.Skipped)
			continue
		}
		fmt.Printf("%-44s %12.1f %10v %10v %10d\n", c.Cell, c.MiBps, c.Latency.P50, c.Latency.P99, c.Failed)
	}
	fmt.Println()
	for _, k := range rep.Knees {
		fmt.Printf("knee %-36s workers=%d (%.1f MiB/s)\n", k.Group, k.Cell.Concurrency, k.MiBps)
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeConfig(cfg *config.Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cfg.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeBuckets emits one row per cell and bucket.
func writeBuckets(path string, rep *sweep.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"pattern", "write", "io_size", "queue_depth", "concurrency", "bucket", "offset_s", "actions", "bytes", "mib_per_sec"})
	for _, c := range rep.Cells {
		for i, b := range c.Buckets {
			_ = w.Write([]string{
				c.Cell.Pattern.String(),
				strconv.FormatBool(c.Cell.Write),
				strconv.FormatUint(c.Cell.IOSize, 10),
				strconv.Itoa(c.Cell.QueueDepth),
				strconv.Itoa(c.Cell.Concurrency),
				strconv.Itoa(i),
				strconv.FormatFloat((time.Duration(i) * rep.BucketWidth).Seconds(), 'f', -1, 64),
				strconv.FormatFloat(b.Actions, 'f', 3, 64),
				strconv.FormatFloat(b.Bytes, 'f', 0, 64),
				strconv.FormatFloat(b.Bytes/(1<<20)/rep.BucketWidth.Seconds(), 'f', 3, 64),
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
