package blockdev

import (
	"os"
	"syscall"

	"github.com/godzie44/go-uring/uring"
	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

// uringQueuePair maps one queue pair onto one io_uring instance. The
// submission ring is flushed on every Submit.
type uringQueuePair struct {
	f        *os.File
	ns       device.Namespace
	ring     *uring.Ring
	depth    int
	inFlight int
	seq      uint64
	lens     map[uint64]int
}

func newUringQueuePair(f *os.File, ns device.Namespace, depth int) (queuePair, error) {
	ring, err := uring.New(uint32(depth))
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup io_uring")
	}
	return &uringQueuePair{f: f, ns: ns, ring: ring, depth: depth, lens: make(map[uint64]int, depth)}, nil
}

func (q *uringQueuePair) Depth() int { return q.depth }

func (q *uringQueuePair) Submit(cmd device.Command) int {
	if len(cmd.Buf) == 0 || q.inFlight >= q.depth {
		return 0
	}
	off, err := validate(q.ns, cmd)
	if err != nil {
		return 0
	}
	var op uring.Operation
	if cmd.Write {
		op = uring.Write(q.f.Fd(), cmd.Buf, uint64(off))
	} else {
		op = uring.Read(q.f.Fd(), cmd.Buf, uint64(off))
	}
	q.seq++
	if err := q.ring.QueueSQE(op, 0, q.seq); err != nil {
		return 0
	}
	for {
		_, err := q.ring.Submit()
		if err == nil {
			break
		}
		if !isEINTR(err) {
			return 0
		}
	}
	q.lens[q.seq] = len(cmd.Buf)
	q.inFlight++
	return 1
}

// reap consumes cqe and reports its outcome.
func (q *uringQueuePair) reap(cqe *uring.CQEvent) error {
	want := q.lens[cqe.UserData]
	delete(q.lens, cqe.UserData)
	res := cqe.Res
	q.ring.SeenCQE(cqe)
	q.inFlight--
	if res < 0 {
		return syscall.Errno(-res)
	}
	if int(res) != want {
		return shortTransfer(int(res), want)
	}
	return nil
}

// QuickPoll leaves failed completions on the ring for Complete to report.
func (q *uringQueuePair) QuickPoll() bool {
	if q.inFlight == 0 {
		return false
	}
	cqe, err := q.ring.PeekCQE()
	if err != nil || cqe == nil {
		return false
	}
	if cqe.Res < 0 || int(cqe.Res) != q.lens[cqe.UserData] {
		return false
	}
	return q.reap(cqe) == nil
}

func (q *uringQueuePair) Complete(n int) error {
	if n > q.inFlight {
		return errors.Errorf("complete %d with %d in flight", n, q.inFlight)
	}
	var first error
	for reaped := 0; reaped < n; {
		var cqe *uring.CQEvent
		var err error
		for {
			cqe, err = q.ring.WaitCQEvents(1)
			if err == nil || !isEINTR(err) {
				break
			}
		}
		if err != nil {
			return errors.Wrap(err, "waiting for completions")
		}
		for cqe != nil && reaped < n {
			if err := q.reap(cqe); err != nil && first == nil {
				first = err
			}
			reaped++
			if reaped < n {
				cqe, _ = q.ring.PeekCQE()
			}
		}
	}
	return first
}

func (q *uringQueuePair) close() error {
	return q.ring.Close()
}
