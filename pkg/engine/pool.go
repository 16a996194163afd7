package engine

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/runningwild/qpbench/pkg/device"
)

// Pool holds queue pairs created up front. Each worker takes exactly one at
// spawn time; the lock is never touched on the I/O path.
type Pool struct {
	mu  sync.Mutex
	qps []device.QueuePair
}

// NewPool creates n queue pairs of the given depth. If any creation fails the
// queue pairs created so far are deleted before returning.
func NewPool(dev device.Device, n, depth int) (*Pool, error) {
	qps := make([]device.QueuePair, 0, n)
	for i := 0; i < n; i++ {
		qp, err := dev.CreateQueuePair(depth)
		if err != nil {
			for _, q := range qps {
				_ = dev.DeleteQueuePair(q)
			}
			return nil, errors.Wrapf(err, "creating queue pair %d of %d (depth %d)", i+1, n, depth)
		}
		qps = append(qps, qp)
	}
	return &Pool{qps: qps}, nil
}

// Take removes one queue pair from the pool.
func (p *Pool) Take() (device.QueuePair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.qps) == 0 {
		return nil, false
	}
	qp := p.qps[len(p.qps)-1]
	p.qps = p.qps[:len(p.qps)-1]
	return qp, true
}

// Len is the number of queue pairs not yet taken.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.qps)
}

// Drain empties the pool and returns whatever was never taken.
func (p *Pool) Drain() []device.QueuePair {
	p.mu.Lock()
	defer p.mu.Unlock()
	qps := p.qps
	p.qps = nil
	return qps
}
