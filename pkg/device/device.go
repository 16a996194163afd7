// Package device defines the controller surface the benchmark engine drives:
// namespaces, exclusively owned queue pairs and DMA-capable buffers.
package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultNamespace is the namespace every benchmark targets unless configured.
const DefaultNamespace uint32 = 1

// Namespace describes the geometry of one addressable namespace.
type Namespace struct {
	ID        uint32
	Blocks    uint64 // Total addressable logical blocks
	BlockSize uint64 // Bytes per logical block
}

// Capacity returns the namespace size in bytes.
func (n Namespace) Capacity() uint64 {
	return n.Blocks * n.BlockSize
}

func (n Namespace) String() string {
	return fmt.Sprintf("ns%d(%d x %dB)", n.ID, n.Blocks, n.BlockSize)
}

// Command is a single read or write against a namespace.
type Command struct {
	Namespace uint32
	BlockSize uint64
	Buf       []byte // Payload source (write) or destination (read)
	LBA       uint64
	Write     bool
}

// QueuePair is one submission/completion channel. A QueuePair must only be
// used by one goroutine at a time.
type QueuePair interface {
	// Depth is the maximum number of outstanding commands.
	Depth() int
	// Submit queues cmd and returns the number of hardware commands it
	// occupies, or 0 if the submission ring had no room.
	Submit(cmd Command) int
	// QuickPoll reaps one completion if one is ready without blocking.
	QuickPoll() bool
	// Complete blocks until n completions have been reaped.
	Complete(n int) error
}

// Device is a controller that owns queue pairs and buffers.
type Device interface {
	Namespace(id uint32) (Namespace, error)
	CreateQueuePair(depth int) (QueuePair, error)
	// DeleteQueuePair tears down a queue pair. It must be called exactly once
	// for every queue pair returned by CreateQueuePair.
	DeleteQueuePair(qp QueuePair) error
	Allocate(size int) (*Buffer, error)
}

var (
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrUnknownQueuePair = errors.New("queue pair not owned by this device")
	ErrQueueDepth       = errors.New("invalid queue depth")
)

// Buffer is a contiguous byte region usable as an I/O payload.
type Buffer struct {
	data    []byte
	release func([]byte) error
}

// NewBuffer wraps data. release, if non-nil, is invoked once by Free.
func NewBuffer(data []byte, release func([]byte) error) *Buffer {
	return &Buffer{data: data, release: release}
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes exposes the whole buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Slice returns the byte range [start, stop).
func (b *Buffer) Slice(start, stop int) []byte {
	return b.data[start:stop:stop]
}

// Free releases the underlying memory. The buffer must not be used afterwards.
func (b *Buffer) Free() error {
	if b.data == nil {
		return nil
	}
	data := b.data
	b.data = nil
	if b.release == nil {
		return nil
	}
	return b.release(data)
}
