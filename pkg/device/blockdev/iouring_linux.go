package blockdev

import (
	"os"

	"github.com/iceber/iouring-go"
	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

// iouringQueuePair hands completions back over a channel sized to the queue
// depth, so QuickPoll is a non-blocking receive.
type iouringQueuePair struct {
	f        *os.File
	ns       device.Namespace
	ring     *iouring.IOURing
	depth    int
	inFlight int
	done     chan iouring.Result
	// held is a result received by QuickPoll that Complete must report.
	held []iouring.Result
}

func newIOURingQueuePair(f *os.File, ns device.Namespace, depth int) (queuePair, error) {
	ring, err := iouring.New(uint(depth))
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup io_uring")
	}
	return &iouringQueuePair{f: f, ns: ns, ring: ring, depth: depth, done: make(chan iouring.Result, depth)}, nil
}

func (q *iouringQueuePair) Depth() int { return q.depth }

func (q *iouringQueuePair) Submit(cmd device.Command) int {
	if len(cmd.Buf) == 0 || q.inFlight >= q.depth {
		return 0
	}
	off, err := validate(q.ns, cmd)
	if err != nil {
		return 0
	}
	var req iouring.PrepRequest
	if cmd.Write {
		req = iouring.Pwrite(int(q.f.Fd()), cmd.Buf, uint64(off))
	} else {
		req = iouring.Pread(int(q.f.Fd()), cmd.Buf, uint64(off))
	}
	if _, err := q.ring.SubmitRequest(req, q.done); err != nil {
		return 0
	}
	q.inFlight++
	return 1
}

func check(r iouring.Result) error {
	_, err := r.ReturnInt()
	return err
}

func (q *iouringQueuePair) QuickPoll() bool {
	if q.inFlight == len(q.held) {
		return false
	}
	select {
	case r := <-q.done:
		if err := check(r); err != nil {
			q.held = append(q.held, r)
			return false
		}
		q.inFlight--
		return true
	default:
		return false
	}
}

func (q *iouringQueuePair) Complete(n int) error {
	if n > q.inFlight {
		return errors.Errorf("complete %d with %d in flight", n, q.inFlight)
	}
	var first error
	for i := 0; i < n; i++ {
		var r iouring.Result
		if len(q.held) > 0 {
			r, q.held = q.held[0], q.held[1:]
		} else {
			r = <-q.done
		}
		q.inFlight--
		if err := check(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (q *iouringQueuePair) close() error {
	return q.ring.Close()
}
