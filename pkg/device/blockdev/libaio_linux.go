package blockdev

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/runningwild/qpbench/pkg/device"
)

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// Kernel structures (standard 64-bit layout for x86_64 and arm64).
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// aioQueuePair owns one kernel AIO context. Control blocks live in a fixed
// slot array so their addresses stay valid while the kernel holds them.
type aioQueuePair struct {
	f     *os.File
	ns    device.Namespace
	ctx   uint64
	depth int

	iocbs  []iocb
	free   []int
	events []ioEvent
	// stash holds events fetched by QuickPoll that Complete must report.
	stash []ioEvent
}

func newAIOQueuePair(f *os.File, ns device.Namespace, depth int) (queuePair, error) {
	q := &aioQueuePair{
		f:      f,
		ns:     ns,
		depth:  depth,
		iocbs:  make([]iocb, depth),
		free:   make([]int, depth),
		events: make([]ioEvent, depth),
	}
	for i := range q.free {
		q.free[i] = depth - 1 - i
	}
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(depth), uintptr(unsafe.Pointer(&q.ctx)), 0); errno != 0 {
		return nil, errors.Wrap(errno, "io_setup failed")
	}
	return q, nil
}

func (q *aioQueuePair) Depth() int { return q.depth }

func (q *aioQueuePair) inFlight() int { return q.depth - len(q.free) }

func (q *aioQueuePair) Submit(cmd device.Command) int {
	if len(cmd.Buf) == 0 || len(q.free) == 0 {
		return 0
	}
	off, err := validate(q.ns, cmd)
	if err != nil {
		return 0
	}
	slot := q.free[len(q.free)-1]
	cb := &q.iocbs[slot]
	*cb = iocb{
		Data:   uint64(slot),
		Fd:     uint32(q.f.Fd()),
		Buf:    uint64(uintptr(unsafe.Pointer(&cmd.Buf[0]))),
		NBytes: uint64(len(cmd.Buf)),
		Offset: off,
		OpCode: iocbCmdPread,
	}
	if cmd.Write {
		cb.OpCode = iocbCmdPwrite
	}
	ptrs := [1]*iocb{cb}
	for {
		n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(q.ctx), 1, uintptr(unsafe.Pointer(&ptrs[0])))
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 || n != 1 {
			return 0
		}
		break
	}
	q.free = q.free[:len(q.free)-1]
	return 1
}

func (q *aioQueuePair) getEvents(minNr, maxNr int, timeout *unix.Timespec) ([]ioEvent, error) {
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(q.ctx), uintptr(minNr), uintptr(maxNr),
			uintptr(unsafe.Pointer(&q.events[0])), uintptr(unsafe.Pointer(timeout)), 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return nil, errors.Wrap(errno, "io_getevents failed")
		}
		return q.events[:n], nil
	}
}

func (q *aioQueuePair) retire(evt ioEvent) error {
	slot := int(evt.Data)
	want := int64(q.iocbs[slot].NBytes)
	q.free = append(q.free, slot)
	if evt.Res < 0 {
		return errors.Wrap(syscall.Errno(-evt.Res), "aio IO error")
	}
	if evt.Res != want {
		return shortTransfer(int(evt.Res), int(want))
	}
	return nil
}

func (q *aioQueuePair) QuickPoll() bool {
	if q.inFlight() == len(q.stash) {
		return false
	}
	var zero unix.Timespec
	evts, err := q.getEvents(0, 1, &zero)
	if err != nil || len(evts) == 0 {
		return false
	}
	evt := evts[0]
	if evt.Res < 0 || evt.Res != int64(q.iocbs[evt.Data].NBytes) {
		q.stash = append(q.stash, evt)
		return false
	}
	return q.retire(evt) == nil
}

func (q *aioQueuePair) Complete(n int) error {
	if n > q.inFlight() {
		return errors.Errorf("complete %d with %d in flight", n, q.inFlight())
	}
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	reaped := 0
	for len(q.stash) > 0 && reaped < n {
		note(q.retire(q.stash[0]))
		q.stash = q.stash[1:]
		reaped++
	}
	for reaped < n {
		evts, err := q.getEvents(n-reaped, n-reaped, nil)
		if err != nil {
			return err
		}
		for _, evt := range evts {
			note(q.retire(evt))
		}
		reaped += len(evts)
	}
	return first
}

func (q *aioQueuePair) close() error {
	if _, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(q.ctx), 0, 0); errno != 0 {
		return errors.Wrap(errno, "io_destroy failed")
	}
	return nil
}
