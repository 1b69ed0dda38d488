package tcpx

import "sync"

// executor is a connection's owning worker: a serial task queue drained
// by a single goroutine. Every chain mutation, state transition and
// write for one connection runs here, so no two operations for the same
// connection ever run concurrently.
//
// Submission and shutdown share one lock: a task accepted by do is
// guaranteed to run, because the worker exits only after close has
// been observed and the queue drained.
type executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newExecutor() *executor {
	e := &executor{}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

func (e *executor) loop() {
	e.mu.Lock()
	for {
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		f()
		e.mu.Lock()
	}
}

// do submits f for serial execution. It fails with ErrDisposed once the
// executor is shut down.
func (e *executor) do(f func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrDisposed
	}
	e.queue = append(e.queue, f)
	e.cond.Signal()
	return nil
}

func (e *executor) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}
