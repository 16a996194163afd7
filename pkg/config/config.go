// Package config loads benchmark settings from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/probe"
	"github.com/runningwild/qpbench/pkg/workload"
)

// Size is a byte count written as a human string ("8KiB", "64 GiB").
type Size uint64

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

var units = []struct {
	name string
	size uint64
}{
	{"TiB", humanize.TiByte},
	{"GiB", humanize.GiByte},
	{"MiB", humanize.MiByte},
	{"KiB", humanize.KiByte},
}

// MarshalYAML writes the largest unit that divides s exactly, so that sizes
// survive a round trip.
func (s Size) MarshalYAML() (interface{}, error) {
	for _, u := range units {
		if s != 0 && uint64(s)%u.size == 0 {
			return fmt.Sprintf("%d%s", uint64(s)/u.size, u.name), nil
		}
	}
	return fmt.Sprintf("%d", uint64(s)), nil
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	v, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d: size %q", node.Line, node.Value)
	}
	*s = Size(v)
	return nil
}

// Config is the top-level configuration.
type Config struct {
	Device      Device      `yaml:"device"`
	Driver      Driver      `yaml:"driver"`
	Matrix      Matrix      `yaml:"matrix"`
	Probe       Probe       `yaml:"probe"`
	Experiments Experiments `yaml:"experiments"`
}

type Device struct {
	Path      string `yaml:"path"`   // Block device or file, "sim" for the simulator
	Engine    string `yaml:"engine"` // "sync", "uring", "libaio" or "iouring"
	Direct    bool   `yaml:"direct"`
	Namespace uint32 `yaml:"namespace"`
	Sim       Sim    `yaml:"sim"`
}

// Sim configures the simulated controller.
type Sim struct {
	Blocks          uint64        `yaml:"blocks"`
	BlockSize       Size          `yaml:"block_size"`
	Bandwidth       Size          `yaml:"bandwidth"` // Per second
	SlowBandwidth   Size          `yaml:"slow_bandwidth"`
	CacheBytes      Size          `yaml:"cache"`
	CommandOverhead time.Duration `yaml:"command_overhead"`
	MaxTransfer     Size          `yaml:"max_transfer"`
}

type Driver struct {
	BatchSize      int  `yaml:"batch_size"`
	MinQueueLength int  `yaml:"min_queue_length"`
	Poll           bool `yaml:"poll"`
}

// Matrix is the cross product of cells to run.
type Matrix struct {
	Patterns     []workload.Pattern `yaml:"patterns"`
	IOSizes      []Size             `yaml:"io_sizes"`
	QueueDepths  []int              `yaml:"queue_depths"`
	Concurrency  []int              `yaml:"concurrency"`
	Write        []bool             `yaml:"write"`
	TotalBytes   Size               `yaml:"total_bytes"` // Split evenly across workers
	BufferSize   Size               `yaml:"buffer_size"` // Per worker
	StepSize     int                `yaml:"step_size"`   // 0 derives it from the IO size
	BucketWidth  time.Duration      `yaml:"bucket_width"`
	RandomSource bool               `yaml:"random_source"`
	RandomDest   bool               `yaml:"random_dest"`
	ZipfS        float64            `yaml:"zipf_s"`
	Seed         uint64             `yaml:"seed"`
	Pause        time.Duration      `yaml:"pause"` // Idle time between cells
}

type Probe struct {
	IOSize        Size    `yaml:"io_size"`
	StepSize      int     `yaml:"step_size"`
	MaxBytes      Size    `yaml:"max_bytes"`
	QueueDepth    int     `yaml:"queue_depth"`
	Concurrency   int     `yaml:"concurrency"`
	Read          bool    `yaml:"read"` // Probe with reads instead of writes
	WarmupBuckets int     `yaml:"warmup_buckets"`
	CollapseRatio float64 `yaml:"collapse_ratio"`
}

type Experiments struct {
	BufferSize Size      `yaml:"buffer_size"`
	QueueDepth int       `yaml:"queue_depth"`
	Random     RandomExp `yaml:"random"`
	Zipf       ZipfExp   `yaml:"zipf"`
	SingleLBA  SingleLBA `yaml:"single_lba"`
}

type RandomExp struct {
	Iterations int `yaml:"iterations"`
}

type ZipfExp struct {
	Exponents []float64 `yaml:"exponents"`
	Ranks     []uint64  `yaml:"ranks"`
}

type SingleLBA struct {
	Loops int `yaml:"loops"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and fills unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := &c.Device
	if d.Path == "" {
		d.Path = "sim"
	}
	if d.Engine == "" {
		d.Engine = "sync"
	}
	if d.Namespace == 0 {
		d.Namespace = 1
	}

	if c.Driver.BatchSize == 0 {
		c.Driver.BatchSize = engine.DefaultBatchSize
	}
	if c.Driver.MinQueueLength == 0 {
		c.Driver.MinQueueLength = engine.DefaultQueueLength
	}

	m := &c.Matrix
	if len(m.Patterns) == 0 {
		m.Patterns = []workload.Pattern{workload.Sequential}
	}
	if len(m.IOSizes) == 0 {
		m.IOSizes = []Size{8 << 10, 1 << 20}
	}
	if len(m.QueueDepths) == 0 {
		m.QueueDepths = []int{1, 32, 128}
	}
	if len(m.Concurrency) == 0 {
		m.Concurrency = []int{1, 8, 32}
	}
	if len(m.Write) == 0 {
		m.Write = []bool{true}
	}
	if m.TotalBytes == 0 {
		m.TotalBytes = 64 << 30
	}
	if m.BucketWidth == 0 {
		m.BucketWidth = time.Second
	}
	if m.ZipfS == 0 {
		m.ZipfS = 1
	}
	if m.Seed == 0 {
		m.Seed = 1
	}

	p := &c.Probe
	if p.IOSize == 0 {
		p.IOSize = probe.DefaultIOSize
	}
	if p.MaxBytes == 0 {
		p.MaxBytes = probe.DefaultMaxBytes
	}
	if p.QueueDepth == 0 {
		p.QueueDepth = 32
	}
	if p.Concurrency == 0 {
		p.Concurrency = 1
	}
	if p.WarmupBuckets == 0 {
		p.WarmupBuckets = probe.DefaultWarmupBuckets
	}
	if p.CollapseRatio == 0 {
		p.CollapseRatio = probe.DefaultCollapseRatio
	}

	e := &c.Experiments
	if e.BufferSize == 0 {
		e.BufferSize = 2 << 20
	}
	if e.QueueDepth == 0 {
		e.QueueDepth = 128
	}
	if e.Random.Iterations == 0 {
		e.Random.Iterations = 10
	}
	if len(e.Zipf.Exponents) == 0 {
		e.Zipf.Exponents = []float64{1, 2}
	}
	if len(e.Zipf.Ranks) == 0 {
		e.Zipf.Ranks = []uint64{4096, 32768, 262144, 2097152}
	}
	if e.SingleLBA.Loops == 0 {
		e.SingleLBA.Loops = 32
	}
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	switch c.Device.Engine {
	case "sync", "uring", "libaio", "iouring":
	default:
		return errors.Errorf("unknown engine %q", c.Device.Engine)
	}
	for _, qd := range c.Matrix.QueueDepths {
		if qd <= 0 {
			return errors.Errorf("queue depth %d must be positive", qd)
		}
	}
	for _, n := range c.Matrix.Concurrency {
		if n <= 0 {
			return errors.Errorf("concurrency %d must be positive", n)
		}
	}
	for _, s := range c.Matrix.IOSizes {
		if s == 0 {
			return errors.New("io size must be positive")
		}
	}
	if c.Probe.CollapseRatio <= 1 {
		return errors.Errorf("collapse ratio %v must exceed 1", c.Probe.CollapseRatio)
	}
	for _, s := range c.Experiments.Zipf.Exponents {
		if s <= 0 {
			return errors.Errorf("zipf exponent %v must be positive", s)
		}
	}
	return nil
}

// Cells expands the matrix in pattern, write, io size, queue depth,
// concurrency order.
func (m Matrix) Cells() []engine.Cell {
	var cells []engine.Cell
	for _, p := range m.Patterns {
		for _, w := range m.Write {
			for _, io := range m.IOSizes {
				for _, qd := range m.QueueDepths {
					for _, n := range m.Concurrency {
						cells = append(cells, engine.Cell{
							Pattern:     p,
							IOSize:      uint64(io),
							QueueDepth:  qd,
							Concurrency: n,
							Write:       w,
						})
					}
				}
			}
		}
	}
	return cells
}

// ProbeConfig converts to the prober's settings.
func (p Probe) ProbeConfig() probe.Config {
	return probe.Config{
		IOSize:        uint64(p.IOSize),
		StepSize:      p.StepSize,
		MaxBytes:      uint64(p.MaxBytes),
		QueueDepth:    p.QueueDepth,
		Write:         !p.Read,
		WarmupBuckets: p.WarmupBuckets,
		CollapseRatio: p.CollapseRatio,
		Concurrency:   p.Concurrency,
	}
}

// Write encodes c as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
