// Package fio renders a benchmark cell as an fio job so that the same
// workload can be replayed through the kernel block layer, and reads back
// fio's JSON output for comparison.
package fio

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/workload"
)

// Target is where and how fio should issue the cell.
type Target struct {
	Path    string
	Engine  string // qpbench engine name
	Direct  bool
	Size    uint64 // Bytes per job, 0 lets fio use the whole file
	Runtime time.Duration
	ZipfS   float64
}

var engines = map[string]string{
	"uring":   "io_uring",
	"iouring": "io_uring",
	"libaio":  "libaio",
	"sync":    "psync",
}

const zipfNearOne = 1.0001

// GenerateJob returns the job file for cell.
func GenerateJob(cell engine.Cell, t Target) string {
	var sb strings.Builder

	sb.WriteString("[global]\n")
	ioengine, ok := engines[t.Engine]
	if !ok {
		ioengine = "libaio"
	}
	fmt.Fprintf(&sb, "ioengine=%s\n", ioengine)
	fmt.Fprintf(&sb, "filename=%s\n", t.Path)
	fmt.Fprintf(&sb, "bs=%d\n", cell.IOSize)
	if t.Direct {
		sb.WriteString("direct=1\n")
	} else {
		sb.WriteString("direct=0\n")
	}

	rw := "read"
	if cell.Write {
		rw = "write"
	}
	switch cell.Pattern {
	case workload.Random:
		rw = "rand" + rw
	case workload.Zipfian:
		rw = "rand" + rw
		// fio refuses a theta of exactly 1.
		s := t.ZipfS
		if s == 0 || s == 1 {
			s = zipfNearOne
		}
		fmt.Fprintf(&sb, "random_distribution=zipf:%g\n", s)
	}
	fmt.Fprintf(&sb, "rw=%s\n", rw)

	// One fio job per worker, each with its own queue.
	fmt.Fprintf(&sb, "numjobs=%d\n", max(cell.Concurrency, 1))
	fmt.Fprintf(&sb, "iodepth=%d\n", max(cell.QueueDepth, 1))
	if cell.Concurrency > 1 {
		sb.WriteString("group_reporting\n")
		if t.Size > 0 {
			fmt.Fprintf(&sb, "offset_increment=%d\n", t.Size)
		}
	}
	if t.Size > 0 {
		fmt.Fprintf(&sb, "size=%d\n", t.Size)
	}
	if t.Runtime > 0 {
		sb.WriteString("time_based\n")
		fmt.Fprintf(&sb, "runtime=%ds\n", int(t.Runtime.Seconds()))
	}

	sb.WriteString("\n[qpbench]\n")
	return sb.String()
}

type output struct {
	Jobs        []job `json:"jobs"`
	ClientStats []job `json:"client_stats"`
}

type job struct {
	Read  ioStats `json:"read"`
	Write ioStats `json:"write"`
}

type ioStats struct {
	IOPS     float64  `json:"iops"`
	BWBytes  float64  `json:"bw_bytes"`
	TotalIOs int64    `json:"total_ios"`
	ClatNs   latStats `json:"clat_ns"`
}

type latStats struct {
	Mean       float64           `json:"mean"`
	Percentile map[string]uint64 `json:"percentile"`
}

// Result is fio's view of a run.
type Result struct {
	TotalIOs int64
	IOPS     float64
	MiBps    float64
	Mean     time.Duration
	P50      time.Duration
	P99      time.Duration
}

// ParseOutput reads the output of fio --output-format=json. Read and write
// latencies are weighted by their operation counts.
func ParseOutput(data []byte) (*Result, error) {
	var out output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "parsing fio output")
	}
	jobs := out.Jobs
	if len(jobs) == 0 {
		jobs = out.ClientStats
	}
	if len(jobs) == 0 {
		return nil, errors.New("fio output has no jobs")
	}

	perc := func(m map[string]uint64, key string) float64 { return float64(m[key]) }
	res := &Result{}
	var mean, p50, p99, bw float64
	for _, j := range jobs {
		for _, s := range []ioStats{j.Read, j.Write} {
			n := float64(s.TotalIOs)
			res.TotalIOs += s.TotalIOs
			res.IOPS += s.IOPS
			bw += s.BWBytes
			mean += s.ClatNs.Mean * n
			p50 += perc(s.ClatNs.Percentile, "50.000000") * n
			p99 += perc(s.ClatNs.Percentile, "99.000000") * n
		}
	}
	res.MiBps = bw / (1 << 20)
	if res.TotalIOs > 0 {
		n := float64(res.TotalIOs)
		res.Mean = time.Duration(mean / n)
		res.P50 = time.Duration(p50 / n)
		res.P99 = time.Duration(p99 / n)
	}
	return res, nil
}
