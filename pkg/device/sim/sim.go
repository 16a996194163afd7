// Package sim implements an in-memory controller with a virtual clock. Every
// reaped completion advances the clock by a cost derived from a bandwidth
// model, which optionally includes a volatile write-back cache that collapses
// to a slower bandwidth once a configured number of bytes has been written.
package sim

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

var ErrLBARange = errors.New("lba out of range")

type Config struct {
	NamespaceID uint32
	Blocks      uint64
	BlockSize   uint64

	Bandwidth       uint64        // Bytes per virtual second
	CommandOverhead time.Duration // Fixed virtual cost per command
	CacheBytes      uint64        // Write-back cache capacity, 0 disables the model
	SlowBandwidth   uint64        // Write bandwidth once the cache is exhausted
	MaxTransfer     uint64        // Bytes per hardware command, 0 means unlimited

	RejectAfter int  // Reject every submission after this many were accepted (0 = never)
	Reorder     bool // Reap completions in random order
	PollReady   bool // QuickPoll reaps a pending completion when one exists
	Seed        uint64
}

func (c Config) withDefaults() Config {
	if c.NamespaceID == 0 {
		c.NamespaceID = device.DefaultNamespace
	}
	if c.BlockSize == 0 {
		c.BlockSize = 512
	}
	if c.Blocks == 0 {
		c.Blocks = 1 << 21
	}
	if c.Bandwidth == 0 {
		c.Bandwidth = 2 << 30
	}
	if c.SlowBandwidth == 0 {
		c.SlowBandwidth = c.Bandwidth / 4
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// Device is a simulated controller. It is safe for concurrent use; each
// QueuePair it hands out is not.
type Device struct {
	cfg Config

	mu        sync.Mutex
	now       time.Time
	written   uint64
	accepted  int
	queues    map[*QueuePair]struct{}
	created   int
	deleted   int
	allocated int
	freed     int
	rng       *rand.Rand
}

func New(cfg Config) *Device {
	cfg = cfg.withDefaults()
	return &Device{
		cfg:    cfg,
		now:    time.Unix(0, 0),
		queues: make(map[*QueuePair]struct{}),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}
}

// Now returns the virtual clock.
func (d *Device) Now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Written is the number of bytes completed by write commands.
func (d *Device) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Live is the number of queue pairs created but not yet deleted.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Counts reports queue pair creations and deletions.
func (d *Device) Counts() (created, deleted int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created, d.deleted
}

// LiveBuffers is the number of allocated but unfreed buffers.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated - d.freed
}

func (d *Device) Namespace(id uint32) (device.Namespace, error) {
	if id != d.cfg.NamespaceID {
		return device.Namespace{}, errors.Wrapf(device.ErrUnknownNamespace, "namespace %d", id)
	}
	return device.Namespace{ID: id, Blocks: d.cfg.Blocks, BlockSize: d.cfg.BlockSize}, nil
}

func (d *Device) CreateQueuePair(depth int) (device.QueuePair, error) {
	if depth <= 0 {
		return nil, errors.Wrapf(device.ErrQueueDepth, "depth %d", depth)
	}
	qp := &QueuePair{dev: d, depth: depth}
	d.mu.Lock()
	d.queues[qp] = struct{}{}
	d.created++
	d.mu.Unlock()
	return qp, nil
}

func (d *Device) DeleteQueuePair(qp device.QueuePair) error {
	q, ok := qp.(*QueuePair)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ok {
		return device.ErrUnknownQueuePair
	}
	if _, live := d.queues[q]; !live {
		return errors.Wrap(device.ErrUnknownQueuePair, "double delete")
	}
	delete(d.queues, q)
	d.deleted++
	return nil
}

func (d *Device) Allocate(size int) (*device.Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", size)
	}
	d.mu.Lock()
	d.allocated++
	d.mu.Unlock()
	return device.NewBuffer(make([]byte, size), func([]byte) error {
		d.mu.Lock()
		d.freed++
		d.mu.Unlock()
		return nil
	}), nil
}

// admit applies the RejectAfter policy.
func (d *Device) admit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.RejectAfter > 0 && d.accepted >= d.cfg.RejectAfter {
		return false
	}
	d.accepted++
	return true
}

// retire advances the virtual clock for one completed command.
func (d *Device) retire(c pending) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bw := d.cfg.Bandwidth
	if c.write {
		if d.cfg.CacheBytes > 0 && d.written >= d.cfg.CacheBytes {
			bw = d.cfg.SlowBandwidth
		}
		d.written += c.bytes
	}
	cost := d.cfg.CommandOverhead + time.Duration(c.bytes*uint64(time.Second)/bw)
	d.now = d.now.Add(cost)
}

func (d *Device) pick(n int) int {
	if !d.cfg.Reorder || n <= 1 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}

type pending struct {
	bytes uint64
	write bool
	err   error
}

// QueuePair is a simulated submission/completion channel.
type QueuePair struct {
	dev         *Device
	depth       int
	pending     []pending
	maxInFlight int
	submitted   int
	completed   int
}

func (q *QueuePair) Depth() int { return q.depth }

// MaxInFlight is the largest number of outstanding commands ever observed.
func (q *QueuePair) MaxInFlight() int { return q.maxInFlight }

// Completed is the number of reaped commands.
func (q *QueuePair) Completed() int { return q.completed }

// InFlight is the number of outstanding commands.
func (q *QueuePair) InFlight() int { return len(q.pending) }

func (q *QueuePair) Submit(cmd device.Command) int {
	cfg := q.dev.cfg
	size := uint64(len(cmd.Buf))
	if size == 0 {
		return 0
	}
	cmds := 1
	if cfg.MaxTransfer > 0 && size > cfg.MaxTransfer {
		cmds = int((size + cfg.MaxTransfer - 1) / cfg.MaxTransfer)
	}
	if len(q.pending)+cmds > q.depth {
		return 0
	}
	if !q.dev.admit() {
		return 0
	}

	var err error
	blocks := (size + cmd.BlockSize - 1) / cmd.BlockSize
	if cmd.Namespace != cfg.NamespaceID {
		err = device.ErrUnknownNamespace
	} else if cmd.LBA+blocks > cfg.Blocks {
		err = errors.Wrapf(ErrLBARange, "lba %d + %d blocks", cmd.LBA, blocks)
	}

	per := size / uint64(cmds)
	for i := 0; i < cmds; i++ {
		chunk := per
		if i == cmds-1 {
			chunk = size - per*uint64(cmds-1)
		}
		q.pending = append(q.pending, pending{bytes: chunk, write: cmd.Write, err: err})
	}
	q.submitted += cmds
	if len(q.pending) > q.maxInFlight {
		q.maxInFlight = len(q.pending)
	}
	return cmds
}

func (q *QueuePair) QuickPoll() bool {
	if !q.dev.cfg.PollReady || len(q.pending) == 0 {
		return false
	}
	// Reap errors are surfaced by the next Complete call.
	if err := q.reap(); err != nil {
		q.pending = append(q.pending, pending{err: err})
		q.maxInFlight = max(q.maxInFlight, len(q.pending))
		return false
	}
	return true
}

func (q *QueuePair) Complete(n int) error {
	if n > len(q.pending) {
		return errors.Errorf("complete %d with %d in flight", n, len(q.pending))
	}
	var first error
	for i := 0; i < n; i++ {
		if err := q.reap(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (q *QueuePair) reap() error {
	i := q.dev.pick(len(q.pending))
	c := q.pending[i]
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	if c.bytes > 0 {
		q.dev.retire(c)
		q.completed++
	}
	return c.err
}
