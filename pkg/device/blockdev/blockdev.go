// Package blockdev drives a block device or regular file through one of
// several kernel submission interfaces, each queue pair owning its own ring
// or context.
package blockdev

import (
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

// Options configure Open.
type Options struct {
	Engine    string // "sync", "uring", "libaio" or "iouring"
	Direct    bool   // Bypass the page cache with O_DIRECT
	BlockSize uint64 // Logical block size, 0 asks the device
	Namespace uint32 // Identifier reported for the whole file, 0 means device.DefaultNamespace
	ReadOnly  bool
}

var ErrUnsupportedEngine = errors.New("engine not supported on this platform")

// queuePair is what every engine provides.
type queuePair interface {
	device.QueuePair
	close() error
}

type engineFunc func(f *os.File, ns device.Namespace, depth int) (queuePair, error)

var engines = map[string]engineFunc{
	"sync": newSyncQueuePair,
}

// Engines lists the engines available on this platform.
func Engines() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device is an open file exposed as a single namespace.
type Device struct {
	f      *os.File
	ns     device.Namespace
	engine engineFunc

	mu     sync.Mutex
	queues map[queuePair]struct{}
}

// Open opens path for benchmarking.
func Open(path string, opts Options) (*Device, error) {
	newQP, ok := engines[opts.Engine]
	if opts.Engine == "" {
		newQP, ok = engines["sync"], true
	}
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedEngine, "engine %q (have %v)", opts.Engine, Engines())
	}

	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.Direct {
		if directFlag == 0 {
			return nil, errors.New("direct I/O is not supported on this platform")
		}
		flags |= directFlag
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening device")
	}

	size, bs, err := geometry(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading geometry of %s", path)
	}
	if opts.BlockSize != 0 {
		bs = opts.BlockSize
	}
	if bs == 0 || size < bs {
		f.Close()
		return nil, errors.Errorf("%s: %d bytes cannot hold a %d byte block", path, size, bs)
	}
	id := opts.Namespace
	if id == 0 {
		id = device.DefaultNamespace
	}
	return &Device{
		f:      f,
		ns:     device.Namespace{ID: id, Blocks: size / bs, BlockSize: bs},
		engine: newQP,
		queues: make(map[queuePair]struct{}),
	}, nil
}

// seekSize is the fallback geometry: the file length and a 512 byte block.
func seekSize(f *os.File) (uint64, uint64, error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	return uint64(end), 512, nil
}

func (d *Device) Namespace(id uint32) (device.Namespace, error) {
	if id != d.ns.ID {
		return device.Namespace{}, errors.Wrapf(device.ErrUnknownNamespace, "namespace %d", id)
	}
	return d.ns, nil
}

func (d *Device) CreateQueuePair(depth int) (device.QueuePair, error) {
	if depth <= 0 {
		return nil, errors.Wrapf(device.ErrQueueDepth, "depth %d", depth)
	}
	qp, err := d.engine(d.f, d.ns, depth)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.queues[qp] = struct{}{}
	d.mu.Unlock()
	return qp, nil
}

func (d *Device) DeleteQueuePair(qp device.QueuePair) error {
	q, ok := qp.(queuePair)
	if !ok {
		return device.ErrUnknownQueuePair
	}
	d.mu.Lock()
	_, live := d.queues[q]
	delete(d.queues, q)
	d.mu.Unlock()
	if !live {
		return errors.Wrap(device.ErrUnknownQueuePair, "double delete")
	}
	return q.close()
}

// Allocate returns a page-aligned buffer suitable for O_DIRECT.
func (d *Device) Allocate(size int) (*device.Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", size)
	}
	return allocate(size)
}

// Close deletes any remaining queue pairs and closes the file.
func (d *Device) Close() error {
	d.mu.Lock()
	qps := d.queues
	d.queues = make(map[queuePair]struct{})
	d.mu.Unlock()
	for qp := range qps {
		_ = qp.close()
	}
	return d.f.Close()
}

// validate checks a command against the namespace and returns the byte
// offset it addresses.
func validate(ns device.Namespace, cmd device.Command) (int64, error) {
	if cmd.Namespace != ns.ID {
		return 0, errors.Wrapf(device.ErrUnknownNamespace, "namespace %d", cmd.Namespace)
	}
	bs := cmd.BlockSize
	if bs == 0 {
		bs = ns.BlockSize
	}
	blocks := (uint64(len(cmd.Buf)) + bs - 1) / bs
	if cmd.LBA+blocks > ns.Blocks {
		return 0, errors.Errorf("lba %d + %d blocks past end of %s", cmd.LBA, blocks, ns)
	}
	return int64(cmd.LBA * bs), nil
}

func shortTransfer(got, want int) error {
	return errors.Errorf("short transfer: %d of %d bytes", got, want)
}
