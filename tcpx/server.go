package tcpx

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"dqx0.com/go/netwire/internal/obs"
)

// DefaultBindTimeout bounds BindNow when the caller passes zero.
const DefaultBindTimeout = 45 * time.Second

// Handler serves one connection through its bridges. Returning an
// error surfaces it on the connection before it is disposed.
type Handler func(in *Inbound, out *Outbound) error

// Server accepts connections and runs the handler over each one.
type Server struct {
	Host string
	Port int

	Pool     *Pool
	Portable bool

	TLS      *TLSSpec
	Throttle *ThrottleSpec
	Stats    StatsFactory

	Logger obs.Logger
	Meter  obs.Meter

	Handler Handler

	// Lifecycle callbacks. All optional.
	OnBind    func(addr string)
	OnBound   func(b *Bound)
	OnUnbound func()

	// Listen replaces net.Listen, for tests.
	Listen func(ctx context.Context, network, addr string) (net.Listener, error)
}

// Bound is a live server socket.
type Bound struct {
	srv   *Server
	ln    net.Listener
	group *Group

	mu    sync.Mutex
	conns map[*Conn]struct{}

	disposeOnce sync.Once
	disposed    chan struct{}
}

func (s *Server) logger() obs.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return obs.Default()
}

func (s *Server) meter() obs.Meter {
	if s.Meter != nil {
		return s.Meter
	}
	return obs.NopMeter{}
}

func (s *Server) pool() *Pool {
	if s.Pool != nil {
		return s.Pool
	}
	return DefaultPool
}

func (s *Server) addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort()
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Bind opens the listening socket and starts accepting.
func (s *Server) Bind(ctx context.Context) (*Bound, error) {
	addr := s.addr()
	if s.OnBind != nil {
		s.OnBind(addr)
	}
	listen := s.Listen
	if listen == nil {
		listen = func(ctx context.Context, network, a string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, network, a)
		}
	}
	ln, err := listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &Bound{
		srv:      s,
		ln:       ln,
		group:    s.pool().ServerGroup(!s.Portable && s.TLS == nil),
		conns:    make(map[*Conn]struct{}),
		disposed: make(chan struct{}),
	}
	if s.OnBound != nil {
		s.OnBound(b)
	}
	go b.acceptLoop()
	return b, nil
}

// BindNow binds and blocks the calling goroutine until the socket is
// up or timeout elapses. Zero timeout means DefaultBindTimeout.
func (s *Server) BindNow(timeout time.Duration) (*Bound, error) {
	if timeout <= 0 {
		timeout = DefaultBindTimeout
	}
	type result struct {
		b   *Bound
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := s.Bind(context.Background())
		ch <- result{b, err}
	}()
	select {
	case r := <-ch:
		return r.b, r.err
	case <-time.After(timeout):
		// A late bind must not leak its socket.
		go func() {
			if r := <-ch; r.b != nil {
				r.b.Dispose()
			}
		}()
		return nil, &TimeoutError{Op: "bind", Timeout: timeout}
	}
}

// Addr returns the bound address.
func (b *Bound) Addr() net.Addr { return b.ln.Addr() }

// Port returns the bound TCP port.
func (b *Bound) Port() int {
	if ta, ok := b.ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}

// OnDispose is closed once the socket is down and tracked connections
// are disposed.
func (b *Bound) OnDispose() <-chan struct{} { return b.disposed }

// Dispose closes the socket and every connection it accepted.
func (b *Bound) Dispose() {
	b.disposeOnce.Do(func() {
		_ = b.ln.Close()
	})
}

// DisposeNow disposes and waits for teardown to finish.
func (b *Bound) DisposeNow(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}
	b.Dispose()
	select {
	case <-b.disposed:
		return nil
	case <-time.After(timeout):
		return &TimeoutError{Op: "dispose", Timeout: timeout}
	}
}

func (b *Bound) acceptLoop() {
	s := b.srv
	log := s.logger()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Logf(obs.Warn, "accept failed: %v", err)
			}
			break
		}
		s.meter().Counter("netwire_server_accepts_total", 1,
			obs.Label{Key: "addr", Value: b.ln.Addr().String()})
		go b.serveConn(nc)
	}
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Dispose()
	}
	for _, c := range conns {
		<-c.OnDispose()
	}
	if s.OnUnbound != nil {
		s.OnUnbound()
	}
	close(b.disposed)
}

func (b *Bound) track(c *Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns == nil {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bound) untrack(c *Conn) {
	b.mu.Lock()
	if b.conns != nil {
		delete(b.conns, c)
	}
	b.mu.Unlock()
}

func (b *Bound) serveConn(nc net.Conn) {
	s := b.srv
	c := newConn(nc, b.group, connConfig{log: s.logger()})
	if err := b.group.register(context.Background(), c); err != nil {
		nc.Close()
		return
	}
	if !b.track(c) {
		c.Dispose()
		return
	}
	defer b.untrack(c)

	var tlsSpec *TLSSpec
	if s.TLS != nil {
		cp := *s.TLS
		cp.ServerMode = true
		tlsSpec = &cp
	}
	var stats StatsListener
	if s.Stats != nil {
		stats = s.Stats(nc.RemoteAddr().String())
	}
	InstallStages(c, StageConfig{
		TLS:      tlsSpec,
		Throttle: s.Throttle,
		Stats:    stats,
		Logger:   s.logger(),
	})

	c.activate()
	select {
	case <-c.Ready():
	case <-c.OnDispose():
		return
	}

	if s.Handler == nil {
		<-c.OnDispose()
		return
	}
	if err := s.Handler(c.Inbound(), c.Outbound()); err != nil {
		c.connectionError(err)
		return
	}
	if err := c.Outbound().Complete(); err != nil {
		c.connectionError(err)
		return
	}
	c.Dispose()
}
