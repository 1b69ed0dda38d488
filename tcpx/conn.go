package tcpx

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dqx0.com/go/netwire/internal/obs"
)

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateInactive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// DefaultDisposeTimeout bounds DisposeNow when the caller passes zero.
const DefaultDisposeTimeout = 10 * time.Second

// Conn is one live transport channel. All mutation of its state and
// stage chain happens on its owning worker (exec); the one exception
// is reading, which is serialized by the single inbound bridge and
// touches no chain or lifecycle state.
type Conn struct {
	id       string
	group    *Group
	exec     *executor
	log      obs.Logger
	outbound bool   // dialed by a client, as opposed to accepted
	target   string // host:port the client dialed; empty on accepted conns

	mu  sync.Mutex // guards raw/cur/br/bw replacement
	raw net.Conn
	cur net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer

	chain *Chain

	state         atomic.Int32
	err           atomic.Pointer[error]
	handshakeDone atomic.Bool

	ready    chan struct{} // closed on active
	disposed chan struct{} // closed once fully disposed

	inactiveOnce sync.Once
	disposeOnce  sync.Once

	ctx    context.Context // done when the connection is disposed
	cancel context.CancelFunc

	obsMu     sync.Mutex
	observers []func(State)

	attrMu sync.Mutex
	attrs  map[string]interface{}

	inOnce  sync.Once
	in      *Inbound
	outOnce sync.Once
	out     *Outbound
}

type connConfig struct {
	outbound bool
	target   string
	log      obs.Logger
}

func newConn(nc net.Conn, group *Group, cfg connConfig) *Conn {
	log := cfg.log
	if log == nil {
		log = obs.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       uuid.NewString(),
		group:    group,
		exec:     newExecutor(),
		log:      log,
		outbound: cfg.outbound,
		target:   cfg.target,
		raw:      nc,
		cur:      nc,
		br:       bufio.NewReader(nc),
		bw:       bufio.NewWriter(nc),
		ready:    make(chan struct{}),
		disposed: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.chain = &Chain{conn: c}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Chain() *Chain         { return c.chain }
func (c *Conn) LocalAddr() net.Addr   { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr  { return c.raw.RemoteAddr() }
func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Outbound() *Outbound   { c.outOnce.Do(func() { c.out = newOutbound(c) }); return c.out }
func (c *Conn) Inbound() *Inbound     { c.inOnce.Do(func() { c.in = &Inbound{conn: c} }); return c.in }
func (c *Conn) HandshakeDone() bool   { return c.handshakeDone.Load() }
func (c *Conn) OnDispose() <-chan struct{} { return c.disposed }

// Target returns the host:port the connection was dialed against, or
// "" for accepted connections.
func (c *Conn) Target() string { return c.target }

// Err returns the first connection error, if any.
func (c *Conn) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// SetAttr tags the connection with an arbitrary value, such as the
// redirect history accumulated across attempts.
func (c *Conn) SetAttr(key string, value interface{}) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[string]interface{})
	}
	c.attrs[key] = value
}

// Attr returns a previously set tag, or nil.
func (c *Conn) Attr(key string) interface{} {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	return c.attrs[key]
}

// OnStateChange registers a lifecycle observer. Observers are invoked
// in registration order for every transition after registration.
func (c *Conn) OnStateChange(fn func(State)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Conn) notifyState(s State) {
	c.obsMu.Lock()
	obsv := make([]func(State), len(c.observers))
	copy(obsv, c.observers)
	c.obsMu.Unlock()
	for _, fn := range obsv {
		fn(s)
	}
}

// activate runs the chain's active propagation on the owning worker.
// The terminal of that walk marks the connection active; a proxy or TLS
// stage may divert it into a connection error instead.
func (c *Conn) activate() {
	if err := c.exec.do(func() { c.chain.fireActive() }); err != nil {
		c.connectionError(err)
	}
}

// Ready is closed once the connection is active, gated on any
// configured handshake.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

func (c *Conn) becomeActive() {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return
	}
	c.notifyState(StateActive)
	close(c.ready)
}

func (c *Conn) becomeInactive() {
	c.inactiveOnce.Do(func() {
		c.state.Store(int32(StateInactive))
		c.chain.notifyInactive()
		c.notifyState(StateInactive)
	})
}

// connectionError records the first error, lets chain observers see it,
// and disposes the connection. Observation never swallows the error:
// it stays visible through Err and the disposed signal.
func (c *Conn) connectionError(err error) {
	if err == nil {
		return
	}
	c.err.CompareAndSwap(nil, &err)
	c.chain.notifyError(err)
	c.Dispose()
}

// peerClosed handles a remote close observed by the read side.
func (c *Conn) peerClosed() {
	c.becomeInactive()
	c.Dispose()
}

// Dispose tears the connection down asynchronously: the transport
// channel closes, pending sends resolve to a disposed outcome, and the
// owning worker drains. Safe to call from any goroutine, any number of
// times.
func (c *Conn) Dispose() {
	c.disposeOnce.Do(func() {
		if c.State() == StateActive {
			c.becomeInactive()
		}
		c.state.Store(int32(StateDisposed))
		c.cancel()
		c.mu.Lock()
		cur, raw := c.cur, c.raw
		c.mu.Unlock()
		_ = cur.Close()
		if raw != cur {
			_ = raw.Close()
		}
		if c.out != nil {
			c.out.abort(ErrDisposed)
		}
		c.chain.notifyClose()
		c.notifyState(StateDisposed)
		c.exec.close()
		if c.group != nil {
			c.group.release(c)
		}
		close(c.disposed)
	})
}

// DisposeNow disposes the connection and blocks the calling goroutine
// (never a worker) until teardown finishes or timeout elapses.
func (c *Conn) DisposeNow(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}
	c.Dispose()
	select {
	case <-c.disposed:
		return nil
	case <-time.After(timeout):
		return &TimeoutError{Op: "dispose", Timeout: timeout}
	}
}

// wrap swaps the effective transport (the TLS stage does this) and
// rebuilds the buffered endpoints. Runs on the owning worker before the
// connection is active, so the read side cannot race it.
func (c *Conn) wrap(nc net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nc
	c.br = bufio.NewReader(nc)
	c.bw = bufio.NewWriter(nc)
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Conn) reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.br
}

// zeroCopy reports whether file regions can be handed to the transport
// directly. Only the native group's unwrapped TCP path qualifies; a
// TLS-wrapped connection never does.
func (c *Conn) zeroCopy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != c.raw {
		return false
	}
	if c.group != nil && !c.group.Native() {
		return false
	}
	_, ok := c.raw.(*net.TCPConn)
	return ok
}

// write runs on the owning worker only.
func (c *Conn) write(ctx context.Context, p []byte) error {
	if err := c.chain.eachWriteGate(func(g WriteGate) error {
		return g.BeforeWrite(ctx, len(p))
	}); err != nil {
		return err
	}
	n, err := c.bw.Write(p)
	if n > 0 {
		c.chain.notifyWrite(int64(n))
	}
	return err
}

func (c *Conn) flush() error {
	return c.bw.Flush()
}

// copyDirect flushes buffered output and streams r straight to the
// transport, letting a *net.TCPConn use sendfile for file-backed
// readers.
func (c *Conn) copyDirect(r io.Reader) (int64, error) {
	if err := c.bw.Flush(); err != nil {
		return 0, err
	}
	n, err := io.Copy(c.cur, r)
	if n > 0 {
		c.chain.notifyWrite(n)
	}
	return n, err
}

// readItem performs one transport read. Called only by the inbound
// bridge's single consumer.
func (c *Conn) readItem(p []byte) (int, error) {
	n, err := c.reader().Read(p)
	if n > 0 {
		c.chain.notifyRead(int64(n))
	}
	return n, err
}
