package engine

import (
	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
	"github.com/runningwild/qpbench/pkg/metrics"
	"github.com/runningwild/qpbench/pkg/workload"
)

// DefaultBatchSize is the in-flight count above which the driver reaps.
const DefaultBatchSize = 64

// Driver submits allocations to a queue pair while bounding the number of
// outstanding commands. A Driver holds no queue pair state between calls and
// may be shared by goroutines as long as each uses its own queue pair.
type Driver struct {
	// BatchSize is the in-flight threshold. Once exceeded, roughly half of the
	// outstanding commands are reaped. It is capped at Depth()-1.
	BatchSize int
	// Poll reaps ready completions without blocking after every submission.
	Poll bool
	// OnComplete, if set, is called with the number of commands reaped by
	// each completion step.
	OnComplete func(n int)
	Metrics    *metrics.IO
}

// Drive submits every allocation against ns, then drains. The returned queue
// pair is always non-nil: on failure err is a *QueuePairError holding the same
// queue pair so that the caller can still release it.
func (d *Driver) Drive(
	qp device.QueuePair, ns device.Namespace, buf *device.Buffer, allocs []workload.Allocation, write bool,
) (device.QueuePair, error) {
	threshold := d.BatchSize
	if threshold <= 0 {
		threshold = DefaultBatchSize
	}
	if depth := qp.Depth(); threshold > depth-1 {
		threshold = max(depth-1, 0)
	}

	inFlight := 0
	var ioErr error
	complete := func(n int) {
		if n <= 0 {
			return
		}
		if err := qp.Complete(n); err != nil && ioErr == nil {
			ioErr = &completionError{cause: err}
		}
		inFlight -= n
		d.Metrics.Complete(n)
		if d.OnComplete != nil {
			d.OnComplete(n)
		}
	}

	for i, a := range allocs {
		if a.Stop <= a.Start {
			continue
		}
		n := qp.Submit(device.Command{
			Namespace: ns.ID,
			BlockSize: ns.BlockSize,
			Buf:       buf.Slice(a.Start, a.Stop),
			LBA:       a.LBA,
			Write:     write,
		})
		if n == 0 {
			d.Metrics.Reject()
			complete(inFlight)
			return qp, &QueuePairError{
				QueuePair: qp,
				Err:       errors.Wrapf(ErrQueueFull, "allocation %d of %d (lba %d)", i, len(allocs), a.LBA),
			}
		}
		inFlight += n
		d.Metrics.Submit(n)

		if d.Poll {
			reaped := 0
			for inFlight > 0 && qp.QuickPoll() {
				inFlight--
				reaped++
			}
			if reaped > 0 {
				d.Metrics.Complete(reaped)
				if d.OnComplete != nil {
					d.OnComplete(reaped)
				}
			}
		}

		if inFlight > threshold {
			// Leave the rest queued so the device never runs dry.
			complete(max(inFlight/2, 1))
		}
		if ioErr != nil {
			complete(inFlight)
			return qp, &QueuePairError{QueuePair: qp, Err: ioErr}
		}
	}

	complete(inFlight)
	if ioErr != nil {
		return qp, &QueuePairError{QueuePair: qp, Err: ioErr}
	}
	return qp, nil
}
