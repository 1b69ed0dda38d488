package httpx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"dqx0.com/go/netwire/internal/http1"
	"dqx0.com/go/netwire/internal/obs"
	"dqx0.com/go/netwire/tcpx"
)

type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) {
	f(w, r)
}

type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// Aborter lets a handler fail an exchange after the response started.
// An aborted chunked response never sends its terminating chunk, so
// the client sees the truncation instead of a clean end.
type Aborter interface {
	Abort(err error)
}

// Server serves HTTP/1.1 over tcpx connections.
type Server struct {
	Host    string
	Port    int
	Handler Handler

	TLSConfig *tls.Config
	Throttle  *tcpx.ThrottleSpec
	Stats     tcpx.StatsFactory

	Pool     *tcpx.Pool
	Portable bool

	Logger obs.Logger
	Meter  obs.Meter

	MaxHeaderBytes int
	MaxBodyBytes   int64

	OnBind    func(addr string)
	OnUnbound func()

	// Listen replaces net.Listen, for tests.
	Listen func(ctx context.Context, network, addr string) (net.Listener, error)
}

// Bind opens the server socket and starts serving.
func (s *Server) Bind(ctx context.Context) (*tcpx.Bound, error) {
	return s.tcpServer().Bind(ctx)
}

// BindNow binds and blocks until the socket is up or timeout elapses.
func (s *Server) BindNow(timeout time.Duration) (*tcpx.Bound, error) {
	return s.tcpServer().BindNow(timeout)
}

func (s *Server) tcpServer() *tcpx.Server {
	var tlsSpec *tcpx.TLSSpec
	if s.TLSConfig != nil {
		tlsSpec = &tcpx.TLSSpec{Config: s.TLSConfig, ServerMode: true}
	}
	return &tcpx.Server{
		Host:      s.Host,
		Port:      s.Port,
		Pool:      s.Pool,
		Portable:  s.Portable,
		TLS:       tlsSpec,
		Throttle:  s.Throttle,
		Stats:     s.Stats,
		Logger:    s.Logger,
		Meter:     s.Meter,
		Handler:   s.serve,
		OnBind:    s.OnBind,
		OnUnbound: s.OnUnbound,
		Listen:    s.Listen,
	}
}

func (s *Server) logger() obs.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return obs.Default()
}

// serve runs the keep-alive loop for one connection.
func (s *Server) serve(in *tcpx.Inbound, out *tcpx.Outbound) error {
	ctx := context.Background()
	rd, err := in.Reader(ctx)
	if err != nil {
		return err
	}
	br := bufio.NewReader(rd)
	hr := &http1.Reader{BR: br, MaxHeaderBytes: s.MaxHeaderBytes}
	for {
		preq, err := hr.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, tcpx.ErrDisposed) {
				return nil
			}
			return err
		}
		keepAlive, err := s.serveOne(out, preq)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

func (s *Server) serveOne(out *tcpx.Outbound, preq *http1.ParsedRequest) (bool, error) {
	req, err := s.toRequest(preq)
	if err != nil {
		return false, err
	}
	keepAlive := wantKeepAlive(preq)

	w := &connWriter{out: out, proto: preq.Proto, keepAlive: keepAlive}
	s.handler().ServeHTTP(w, req)

	// Drain the remainder of the request body so the next request
	// parses from a clean boundary.
	if req.Body != nil {
		req.Body.Close()
	}

	if err := w.finish(); err != nil {
		s.logger().Logf(obs.Debug, "exchange failed: %v", err)
		return false, err
	}
	return keepAlive && w.keepAlive, nil
}

func (s *Server) handler() Handler {
	if s.Handler != nil {
		return s.Handler
	}
	return HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(404)
	})
}

func (s *Server) toRequest(preq *http1.ParsedRequest) (*Request, error) {
	u, err := url.ParseRequestURI(preq.RequestURI)
	if err != nil {
		return nil, ErrBadRequest
	}
	body := preq.Body
	if s.MaxBodyBytes > 0 && preq.ContentLength > s.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return &Request{
		Method:        preq.Method,
		URL:           u,
		RequestURI:    preq.RequestURI,
		Proto:         preq.Proto,
		Header:        Header(preq.Header),
		Body:          body,
		Host:          Header(preq.Header).Get("Host"),
		ContentLength: preq.ContentLength,
		RequestID:     uuid.NewString(),
	}, nil
}

func wantKeepAlive(preq *http1.ParsedRequest) bool {
	conn := Header(preq.Header).Get("Connection")
	if preq.Proto == "HTTP/1.1" {
		return !strings.EqualFold(conn, "close")
	}
	return strings.EqualFold(conn, "keep-alive")
}

// connWriter streams a response through the connection's outbound
// bridge. Without a Content-Length on a keep-alive HTTP/1.1 exchange
// it switches to chunked encoding.
type connWriter struct {
	out       *tcpx.Outbound
	proto     string
	keepAlive bool

	hdr      Header
	status   int
	wroteHdr bool
	chunked  bool
	aborted  error
}

func (w *connWriter) Header() Header {
	if w.hdr == nil {
		w.hdr = Header{}
	}
	return w.hdr
}

func (w *connWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	w.wroteHdr = true

	if strings.EqualFold(w.Header().Get("Connection"), "close") {
		w.keepAlive = false
	}
	w.hdr.Del("Connection")
	hasCL := w.hdr.Get("Content-Length") != ""
	w.chunked = w.proto == "HTTP/1.1" && w.keepAlive && !hasCL

	var head bytes.Buffer
	hw := bufio.NewWriter(&head)
	_ = http1.StartResponse(hw, w.status, "", map[string][]string(w.hdr), w.chunked, w.keepAlive)
	_ = hw.Flush()
	w.send(head.Bytes())
}

func (w *connWriter) Write(p []byte) (int, error) {
	if w.aborted != nil {
		return 0, w.aborted
	}
	if !w.wroteHdr {
		w.WriteHeader(200)
	}
	if len(p) == 0 {
		return 0, w.out.Err()
	}
	if w.chunked {
		w.send(encodeChunk(p))
	} else {
		cp := make([]byte, len(p))
		copy(cp, p)
		w.send(cp)
	}
	if err := w.out.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Abort fails the exchange. A started chunked response stays
// unterminated so the peer cannot mistake it for a complete body.
func (w *connWriter) Abort(err error) {
	if err == nil {
		err = ErrProtocolViolation
	}
	if w.aborted == nil {
		w.aborted = err
	}
}

func (w *connWriter) send(p []byte) {
	w.out.Options(func(o *tcpx.SendOptions) { o.Mode = tcpx.FlushEachItem }).
		Send(func(yield func([]byte) bool) { yield(p) })
}

// finish completes the exchange. A never-started response becomes an
// empty 200; an aborted one propagates its error without a chunk
// terminator.
func (w *connWriter) finish() error {
	if w.aborted != nil {
		return w.aborted
	}
	if !w.wroteHdr {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(200)
	} else if w.chunked {
		w.send([]byte("0\r\n\r\n"))
	}
	return w.out.Complete()
}
