package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/workload"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "sim", cfg.Device.Path)
	require.Equal(t, engine.DefaultBatchSize, cfg.Driver.BatchSize)
	require.Equal(t, engine.DefaultQueueLength, cfg.Driver.MinQueueLength)
	require.Equal(t, Size(8<<30), cfg.Probe.MaxBytes)
	require.Equal(t, 8, cfg.Probe.WarmupBuckets)
	require.InDelta(t, 4.0/3.0, cfg.Probe.CollapseRatio, 1e-12)
	require.Equal(t, time.Second, cfg.Matrix.BucketWidth)
	require.Len(t, cfg.Matrix.Cells(), 2*3*3)
	require.True(t, cfg.Probe.ProbeConfig().Write)
}

func TestParse(t *testing.T) {
	data := []byte(`
device:
  path: /dev/nvme0n1
  engine: uring
  direct: true
matrix:
  patterns: [sequential, zipfian]
  io_sizes: [4KiB, "1 MiB", 512]
  queue_depths: [1, 64]
  concurrency: [4]
  write: [true, false]
  total_bytes: 16GiB
  bucket_width: 250ms
probe:
  max_bytes: 1GiB
  collapse_ratio: 1.5
  read: true
`)
	cfg, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "uring", cfg.Device.Engine)
	require.True(t, cfg.Device.Direct)
	require.Equal(t, []Size{4096, 1 << 20, 512}, cfg.Matrix.IOSizes)
	require.Equal(t, []workload.Pattern{workload.Sequential, workload.Zipfian}, cfg.Matrix.Patterns)
	require.Equal(t, Size(16<<30), cfg.Matrix.TotalBytes)
	require.Equal(t, 250*time.Millisecond, cfg.Matrix.BucketWidth)
	require.Equal(t, 1.5, cfg.Probe.CollapseRatio)
	require.False(t, cfg.Probe.ProbeConfig().Write)

	cells := cfg.Matrix.Cells()
	require.Len(t, cells, 2*2*3*2)
	require.Equal(t, engine.Cell{Pattern: workload.Sequential, IOSize: 4096, QueueDepth: 1, Concurrency: 4, Write: true}, cells[0])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"engine", "device: {engine: spdk}"},
		{"size", "matrix: {io_sizes: [lots]}"},
		{"pattern", "matrix: {patterns: [diagonal]}"},
		{"queue depth", "matrix: {queue_depths: [0, -1]}"},
		{"ratio", "probe: {collapse_ratio: 0.5}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Matrix.IOSizes = []Size{2<<20 - 512, 4096, 3 << 30}
	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	require.Contains(t, buf.String(), "3GiB")

	path := filepath.Join(t.TempDir(), "qpbench.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}
