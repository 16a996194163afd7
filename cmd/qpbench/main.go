package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/runningwild/qpbench/pkg/config"
	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/device/blockdev"
	"github.com/runningwild/qpbench/pkg/device/sim"
	"github.com/runningwild/qpbench/pkg/engine"
	"github.com/runningwild/qpbench/pkg/metrics"
)

var rootFlags struct {
	configFile  string
	devicePath  string
	engine      string
	direct      bool
	logLevel    string
	logDev      bool
	metricsAddr string
}

var rootCmd = &cobra.Command{
	Use:   "qpbench",
	Short: "queue-pair storage benchmark",
	Long: `
qpbench drives a storage device through independent submission/completion
queue pairs, one per worker, and reports throughput over time, service time
percentiles and the size of the device's write-back cache.
`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configFile, "config", "", "YAML configuration file")
	pf.StringVar(&rootFlags.devicePath, "device", "", `block device or file, "sim" for the simulator (overrides config)`)
	pf.StringVar(&rootFlags.engine, "engine", "", "queue pair engine: "+strings.Join(blockdev.Engines(), ", "))
	pf.BoolVar(&rootFlags.direct, "direct", false, "open the device with O_DIRECT")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.BoolVar(&rootFlags.logDev, "log-dev", false, "human readable console logging")
	pf.StringVar(&rootFlags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(matrixCmd, probeCmd, randomCmd, zipfCmd, singleLBACmd, fioJobCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every subcommand needs.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.IO
	dev     device.Device
	ns      device.Namespace
	clock   engine.Clock
	close   func() error
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if rootFlags.configFile != "" {
		var err error
		if cfg, err = config.Load(rootFlags.configFile); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	} else {
		cfg = config.Default()
	}
	if rootFlags.devicePath != "" {
		cfg.Device.Path = rootFlags.devicePath
	}
	if rootFlags.engine != "" {
		cfg.Device.Engine = rootFlags.engine
	}
	if rootFlags.direct {
		cfg.Device.Direct = true
	}
	return cfg, cfg.Validate()
}

func newLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(rootFlags.logLevel)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", rootFlags.logLevel)
	}
	zc := zap.NewProductionConfig()
	if rootFlags.logDev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openDevice(cfg *config.Config) (device.Device, engine.Clock, func() error, error) {
	d := cfg.Device
	if d.Path == "sim" {
		s := d.Sim
		dev := sim.New(sim.Config{
			NamespaceID:     d.Namespace,
			Blocks:          s.Blocks,
			BlockSize:       uint64(s.BlockSize),
			Bandwidth:       uint64(s.Bandwidth),
			SlowBandwidth:   uint64(s.SlowBandwidth),
			CacheBytes:      uint64(s.CacheBytes),
			CommandOverhead: s.CommandOverhead,
			MaxTransfer:     uint64(s.MaxTransfer),
			Seed:            cfg.Matrix.Seed,
		})
		return dev, dev.Now, func() error { return nil }, nil
	}
	dev, err := blockdev.Open(d.Path, blockdev.Options{Engine: d.Engine, Direct: d.Direct, Namespace: d.Namespace})
	if err != nil {
		return nil, nil, nil, err
	}
	return dev, nil, dev.Close, nil
}

func setup() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if rootFlags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(rootFlags.metricsAddr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	dev, clock, closeDev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	ns, err := dev.Namespace(cfg.Device.Namespace)
	if err != nil {
		closeDev()
		return nil, err
	}
	log.Info("device ready", zap.String("path", cfg.Device.Path), zap.String("engine", cfg.Device.Engine), zap.Stringer("namespace", ns))
	return &env{
		cfg:     cfg,
		log:     log,
		metrics: m,
		dev:     dev,
		ns:      ns,
		clock:   clock,
		close: func() error {
			_ = log.Sync()
			return closeDev()
		},
	}, nil
}

// run wraps a subcommand body with setup and teardown.
func run(fn func(e *env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer func() {
			if err := e.close(); err != nil {
				fmt.Fprintf(os.Stderr, "closing device: %v\n", err)
			}
		}()
		return fn(e, cmd, args)
	}
}
