package engine

import (
	"time"

	"github.com/runningwild/qpbench/pkg/metrics"
)

// sampler turns a stream of completion counts into IoLogs, one per step
// completions.
type sampler struct {
	now     Clock
	step    int
	ioSize  uint64
	metrics *metrics.IO

	start   time.Time
	actions int
	logs    []IoLog
}

func newSampler(now Clock, step int, ioSize uint64, m *metrics.IO) *sampler {
	if step <= 0 {
		step = 1
	}
	return &sampler{now: now, step: step, ioSize: ioSize, metrics: m, start: now()}
}

func (s *sampler) record(n int) {
	s.actions += n
	if s.actions > s.step {
		s.emit()
	}
}

func (s *sampler) emit() {
	end := s.now()
	l := IoLog{Start: s.start, End: end, Actions: s.actions, Bytes: uint64(s.actions) * s.ioSize}
	s.logs = append(s.logs, l)
	s.metrics.Sample(l.Bytes)
	s.actions = 0
	s.start = end
}

// flush emits the completions since the last sample.
func (s *sampler) flush() []IoLog {
	if s.actions > 0 {
		s.emit()
	}
	return s.logs
}
