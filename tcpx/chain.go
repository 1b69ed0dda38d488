package tcpx

import (
	"context"
	"fmt"
	"sync"
)

// Stage is a named unit in a connection's processing chain. Stages
// refine behavior through the optional interfaces below; a stage
// implementing none of them is inert but still occupies its slot.
type Stage interface {
	Name() string
}

// ActiveStage participates in connection-active propagation. The stage
// must either call ctx.FireActive to pass the signal downstream or
// ctx.FireError to fail the connection; swallowing the signal stalls
// the attempt.
type ActiveStage interface {
	Stage
	OnActive(ctx *ChainContext)
}

// WriteGate runs before every outbound write and may delay or refuse it.
type WriteGate interface {
	BeforeWrite(ctx context.Context, bytes int) error
}

// WriteObserver is notified after every outbound write call.
type WriteObserver interface {
	OnWrite(bytes int64)
}

// ReadObserver is notified after every inbound read call.
type ReadObserver interface {
	OnRead(bytes int64)
}

// ErrorObserver is notified of connection errors. Observation never
// suppresses propagation.
type ErrorObserver interface {
	OnError(cause error)
}

// InactiveObserver is notified when the connection becomes inactive.
type InactiveObserver interface {
	OnInactive()
}

// CloseObserver is notified when the connection is disposed.
type CloseObserver interface {
	OnClose()
}

// Chain is the ordered list of named stages installed on a connection.
// Mutation happens on the connection's owning worker; reads take the
// lock so tests and observers may inspect from elsewhere.
type Chain struct {
	conn *Conn

	mu     sync.Mutex
	stages []Stage
}

// AddFirst inserts s at the front. If a stage with the same name is
// already installed, it is replaced in place instead.
func (ch *Chain) AddFirst(s Stage) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.replaceLocked(s) {
		return
	}
	ch.stages = append([]Stage{s}, ch.stages...)
}

// AddLast appends s, replacing in place on a name collision.
func (ch *Chain) AddLast(s Stage) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.replaceLocked(s) {
		return
	}
	ch.stages = append(ch.stages, s)
}

// AddAfter inserts s immediately after the named stage, replacing in
// place on a name collision.
func (ch *Chain) AddAfter(after string, s Stage) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.replaceLocked(s) {
		return nil
	}
	for i, st := range ch.stages {
		if st.Name() == after {
			ch.stages = append(ch.stages[:i+1], append([]Stage{s}, ch.stages[i+1:]...)...)
			return nil
		}
	}
	return fmt.Errorf("tcpx: no stage named %q", after)
}

// Remove removes the named stage. It reports false, and does nothing,
// when the stage is absent.
func (ch *Chain) Remove(name string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, st := range ch.stages {
		if st.Name() == name {
			ch.stages = append(ch.stages[:i], ch.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named stage, or nil.
func (ch *Chain) Get(name string) Stage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, st := range ch.stages {
		if st.Name() == name {
			return st
		}
	}
	return nil
}

// Names returns the installed stage names in chain order.
func (ch *Chain) Names() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	names := make([]string, len(ch.stages))
	for i, st := range ch.stages {
		names[i] = st.Name()
	}
	return names
}

func (ch *Chain) replaceLocked(s Stage) bool {
	for i, st := range ch.stages {
		if st.Name() == s.Name() {
			ch.stages[i] = s
			return true
		}
	}
	return false
}

func (ch *Chain) snapshot() []Stage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]Stage, len(ch.stages))
	copy(out, ch.stages)
	return out
}

// fireActive walks the chain in order. A snapshot is taken up front so
// a stage removing itself mid-walk (the handshake reader does) cannot
// derail propagation.
func (ch *Chain) fireActive() {
	ctx := &ChainContext{conn: ch.conn, stages: ch.snapshot(), idx: -1}
	ctx.FireActive()
}

func (ch *Chain) eachWriteGate(fn func(WriteGate) error) error {
	for _, st := range ch.snapshot() {
		if g, ok := st.(WriteGate); ok {
			if err := fn(g); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ch *Chain) notifyWrite(n int64) {
	for _, st := range ch.snapshot() {
		if o, ok := st.(WriteObserver); ok {
			o.OnWrite(n)
		}
	}
}

func (ch *Chain) notifyRead(n int64) {
	for _, st := range ch.snapshot() {
		if o, ok := st.(ReadObserver); ok {
			o.OnRead(n)
		}
	}
}

func (ch *Chain) notifyError(err error) {
	for _, st := range ch.snapshot() {
		if o, ok := st.(ErrorObserver); ok {
			o.OnError(err)
		}
	}
}

func (ch *Chain) notifyInactive() {
	for _, st := range ch.snapshot() {
		if o, ok := st.(InactiveObserver); ok {
			o.OnInactive()
		}
	}
}

func (ch *Chain) notifyClose() {
	for _, st := range ch.snapshot() {
		if o, ok := st.(CloseObserver); ok {
			o.OnClose()
		}
	}
}

// ChainContext is handed to an ActiveStage during propagation.
type ChainContext struct {
	conn   *Conn
	stages []Stage
	idx    int
}

// Conn returns the connection the chain belongs to.
func (ctx *ChainContext) Conn() *Conn { return ctx.conn }

// FireActive forwards the active signal to the next ActiveStage, or
// marks the connection active when the chain is exhausted.
func (ctx *ChainContext) FireActive() {
	for i := ctx.idx + 1; i < len(ctx.stages); i++ {
		if as, ok := ctx.stages[i].(ActiveStage); ok {
			next := &ChainContext{conn: ctx.conn, stages: ctx.stages, idx: i}
			as.OnActive(next)
			return
		}
	}
	ctx.conn.becomeActive()
}

// FireError fails the connection attempt with err instead of
// propagating active.
func (ctx *ChainContext) FireError(err error) {
	ctx.conn.connectionError(err)
}
