package blockdev

import (
	"os"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

// syncQueuePair performs each command inside Submit, so every submitted
// command is already complete when it is reaped.
type syncQueuePair struct {
	f       *os.File
	ns      device.Namespace
	depth   int
	pending []error
}

func newSyncQueuePair(f *os.File, ns device.Namespace, depth int) (queuePair, error) {
	return &syncQueuePair{f: f, ns: ns, depth: depth}, nil
}

func (q *syncQueuePair) Depth() int { return q.depth }

func (q *syncQueuePair) Submit(cmd device.Command) int {
	if len(cmd.Buf) == 0 || len(q.pending) >= q.depth {
		return 0
	}
	off, err := validate(q.ns, cmd)
	if err == nil {
		var n int
		if cmd.Write {
			n, err = q.f.WriteAt(cmd.Buf, off)
		} else {
			n, err = q.f.ReadAt(cmd.Buf, off)
		}
		if err == nil && n != len(cmd.Buf) {
			err = shortTransfer(n, len(cmd.Buf))
		}
	}
	q.pending = append(q.pending, err)
	return 1
}

func (q *syncQueuePair) QuickPoll() bool {
	if len(q.pending) == 0 || q.pending[0] != nil {
		return false
	}
	q.pending = q.pending[1:]
	return true
}

func (q *syncQueuePair) Complete(n int) error {
	if n > len(q.pending) {
		return errors.Errorf("complete %d with %d in flight", n, len(q.pending))
	}
	var first error
	for _, err := range q.pending[:n] {
		if err != nil && first == nil {
			first = err
		}
	}
	q.pending = q.pending[n:]
	return first
}

func (q *syncQueuePair) close() error {
	q.pending = nil
	return nil
}
