package tcpx

import (
	"sync/atomic"
	"time"
)

// StatsListener receives connection lifecycle and traffic events.
// Inactive and close exclude each other for the duration measurement:
// whichever fires first claims the stopwatch.
type StatsListener interface {
	OnActive()
	OnInactive(active time.Duration)
	OnClose()
	OnException(err error)
	OnWrite(n int64)
	OnRead(n int64)
}

// StatsFactory builds a listener for a connection endpoint. A nil
// factory disables stats entirely.
type StatsFactory func(endpoint string) StatsListener

// NopStats discards every event.
type NopStats struct{}

func (NopStats) OnActive()                   {}
func (NopStats) OnInactive(time.Duration)    {}
func (NopStats) OnClose()                    {}
func (NopStats) OnException(error)           {}
func (NopStats) OnWrite(int64)               {}
func (NopStats) OnRead(int64)                {}

type stopwatch struct {
	start time.Time
}

func (s *stopwatch) elapsed() time.Duration { return time.Since(s.start) }

// statsStage forwards chain events to a StatsListener. The stopwatch
// starts when the stage is installed, not on activation, and is
// claimed atomically so inactive and close report the lifetime
// exactly once between them.
type statsStage struct {
	listener StatsListener
	watch    atomic.Pointer[stopwatch]
}

func newStatsStage(l StatsListener) *statsStage {
	s := &statsStage{listener: l}
	s.watch.Store(&stopwatch{start: time.Now()})
	return s
}

func (s *statsStage) Name() string { return StageStats }

func (s *statsStage) OnActive(ctx *ChainContext) {
	s.listener.OnActive()
	ctx.FireActive()
}

func (s *statsStage) claim() (time.Duration, bool) {
	if w := s.watch.Swap(nil); w != nil {
		return w.elapsed(), true
	}
	return 0, false
}

func (s *statsStage) OnInactive() {
	if d, ok := s.claim(); ok {
		s.listener.OnInactive(d)
	}
}

func (s *statsStage) OnClose() {
	if d, ok := s.claim(); ok {
		s.listener.OnInactive(d)
	}
	s.listener.OnClose()
}

func (s *statsStage) OnError(err error)  { s.listener.OnException(err) }
func (s *statsStage) OnWrite(n int64)    { s.listener.OnWrite(n) }
func (s *statsStage) OnRead(n int64)     { s.listener.OnRead(n) }
