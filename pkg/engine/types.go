package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/workload"
)

var (
	// ErrQueueFull means the submission ring refused a command.
	ErrQueueFull = errors.New("request was not queued")
	// ErrCompletion means the device reported a failed command.
	ErrCompletion = errors.New("command failed")
)

// completionError matches ErrCompletion and unwraps to the device's error.
type completionError struct{ cause error }

func (e *completionError) Error() string { return fmt.Sprintf("%v: %v", ErrCompletion, e.cause) }

func (e *completionError) Is(target error) bool { return target == ErrCompletion }

func (e *completionError) Unwrap() error { return e.cause }

func (e *completionError) Cause() error { return e.cause }

// QueuePairError is returned by operations that own a queue pair but failed.
// The queue pair is still valid and must be handed back to its device.
type QueuePairError struct {
	QueuePair device.QueuePair
	Err       error
}

func (e *QueuePairError) Error() string { return fmt.Sprintf("submit_io error: %v", e.Err) }

func (e *QueuePairError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors walk the chain.
func (e *QueuePairError) Cause() error { return e.Err }

// IoLog is one timing sample of a single worker.
type IoLog struct {
	Start   time.Time
	End     time.Time
	Actions int    // Completed operations in [Start, End)
	Bytes   uint64 // Payload bytes of those operations
}

// Duration is End - Start.
func (l IoLog) Duration() time.Duration { return l.End.Sub(l.Start) }

// Cell identifies one point of the workload matrix.
type Cell struct {
	Pattern     workload.Pattern `yaml:"pattern" json:"pattern"`
	IOSize      uint64           `yaml:"io_size" json:"io_size"`         // Bytes per operation
	QueueDepth  int              `yaml:"queue_depth" json:"queue_depth"` // Outstanding operations kept per worker
	Concurrency int              `yaml:"concurrency" json:"concurrency"` // Workers, each with its own queue pair
	Write       bool             `yaml:"write" json:"write"`
}

func (c Cell) String() string {
	op := "read"
	if c.Write {
		op = "write"
	}
	return fmt.Sprintf("%s/%s bs=%d qd=%d workers=%d", c.Pattern, op, c.IOSize, c.QueueDepth, c.Concurrency)
}

// DefaultStepSize returns the number of completions per IoLog sample for an
// operation size.
func DefaultStepSize(ioSize uint64) int {
	return int(max(ioSize/8192, 1) * 32)
}

// Clock returns the current time. Simulated devices supply a virtual one.
type Clock func() time.Time
