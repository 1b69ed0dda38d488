package httpx

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"dqx0.com/go/netwire/internal/http1"
	"dqx0.com/go/netwire/internal/obs"
	"dqx0.com/go/netwire/tcpx"
)

// AttrRedirectHistory is the connection attribute carrying the URIs an
// exchange left behind before landing on this connection.
const AttrRedirectHistory = "httpx.redirect.history"

// Client performs HTTP/1.1 exchanges over tcpx connections, one
// connection per attempt. Redirects and idempotent reset retries are
// handled by a per-exchange bridge; the final response reports the
// full redirect history.
type Client struct {
	// TLSConfig applies to https targets.
	TLSConfig *tls.Config
	Proxy     *tcpx.ProxySpec
	Throttle  *tcpx.ThrottleSpec
	Stats     tcpx.StatsFactory

	Pool     *tcpx.Pool
	Portable bool

	Logger obs.Logger
	Meter  obs.Meter
	// Tracer records one span per exchange with an event per retry.
	Tracer trace.Tracer

	// MaxRedirects bounds the redirect chain. Zero means
	// DefaultMaxRedirects; negative means unbounded.
	MaxRedirects int
	// RetryResets replays idempotent requests once after a peer reset
	// that arrived before any response data.
	RetryResets bool

	DialTimeout time.Duration
}

func (c *Client) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return noop.NewTracerProvider().Tracer("netwire/httpx")
}

// Get performs a GET exchange against rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do performs the exchange described by r, following redirects up to
// the configured bound. The response body must be closed; closing it
// releases the underlying connection.
func (c *Client) Do(r *Request) (*Response, error) {
	if r == nil || r.URL == nil {
		return nil, ErrBadRequest
	}
	ctx, span := c.tracer().Start(r.Context(), "httpx.exchange",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		))
	defer span.End()

	bridge := newRetryBridge(r.URL, c.MaxRedirects, c.RetryResets)
	method := r.Method
	body := r.Body
	for {
		cur := bridge.current()
		resp, err := c.attempt(ctx, r, cur, method, body)
		if err != nil {
			if bridge.shouldRetryReset(r, err) {
				if nb, ok := r.rewindBody(); ok {
					span.AddEvent("retrying after peer reset",
						trace.WithAttributes(attribute.String("http.url", cur.url.String())))
					body = nb
					continue
				}
			}
			span.RecordError(err)
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			resp.RedirectedFrom = bridge.current().history
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			return resp, nil
		}
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, ErrMissingLocation
		}
		nextMethod := redirectMethod(resp.StatusCode, method)
		if nextMethod != method {
			body = nil
		} else if r.Body != nil {
			nb, ok := r.rewindBody()
			if !ok {
				return nil, &RedirectError{Status: resp.StatusCode, Location: loc}
			}
			body = nb
		}
		if err := bridge.followRedirect(loc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		method = nextMethod
		span.AddEvent("following redirect",
			trace.WithAttributes(
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.String("http.location", loc),
			))
	}
}

func targetPort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

// attempt performs one physical request against target over a fresh
// connection.
func (c *Client) attempt(ctx context.Context, r *Request, target *attemptTarget, method string, body io.ReadCloser) (*Response, error) {
	u := target.url
	port, err := targetPort(u)
	if err != nil {
		return nil, err
	}
	tcl := &tcpx.Client{
		Host:        u.Hostname(),
		Port:        port,
		Pool:        c.Pool,
		Portable:    c.Portable,
		Proxy:       c.Proxy,
		Throttle:    c.Throttle,
		Stats:       c.Stats,
		Logger:      c.Logger,
		Meter:       c.Meter,
		DialTimeout: c.DialTimeout,
	}
	if u.Scheme == "https" {
		tcl.TLS = &tcpx.TLSSpec{Config: c.TLSConfig}
	}
	conn, err := tcl.Connect(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetAttr(AttrRedirectHistory, target.history)

	if err := c.writeRequest(conn, r, u, method, body); err != nil {
		conn.Dispose()
		return nil, err
	}

	rd, err := conn.Inbound().Reader(ctx)
	if err != nil {
		conn.Dispose()
		return nil, err
	}
	pr, err := (&http1.Reader{BR: bufio.NewReader(rd)}).ReadResponse(method)
	if err != nil {
		conn.Dispose()
		return nil, err
	}
	return &Response{
		Status:        fmt.Sprintf("%d %s", pr.StatusCode, pr.Reason),
		StatusCode:    pr.StatusCode,
		Proto:         pr.Proto,
		Header:        Header(pr.Header),
		Body:          &connBody{ReadCloser: pr.Body, conn: conn},
		ContentLength: pr.ContentLength,
	}, nil
}

func (c *Client) writeRequest(conn *tcpx.Conn, r *Request, u *url.URL, method string, body io.ReadCloser) error {
	hdr := map[string][]string(r.Header.Clone())
	if hdr == nil {
		hdr = map[string][]string{}
	}
	host := r.Host
	if host == "" {
		host = u.Host
	}
	http1.SetHeader(hdr, "Host", host)
	if http1.GetHeader(hdr, "Accept") == "" {
		http1.AddHeader(hdr, "Accept", "*/*")
	}
	chunked := false
	if body != nil {
		if r.ContentLength > 0 {
			http1.AddHeader(hdr, "Content-Length", strconv.FormatInt(r.ContentLength, 10))
		} else {
			chunked = true
			http1.AddHeader(hdr, "Transfer-Encoding", "chunked")
		}
	}

	requestURI := u.RequestURI()
	var head bytes.Buffer
	hw := bufio.NewWriter(&head)
	if err := http1.WriteRequestHead(hw, method, requestURI, hdr); err != nil {
		return err
	}
	if err := hw.Flush(); err != nil {
		return err
	}

	out := conn.Outbound()
	out.Send(func(yield func([]byte) bool) {
		if !yield(head.Bytes()) {
			return
		}
		if body == nil {
			return
		}
		defer body.Close()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				p := buf[:n]
				if chunked {
					p = encodeChunk(p)
				}
				if !yield(p) {
					return
				}
			}
			if rerr != nil {
				break
			}
		}
		if chunked {
			yield([]byte("0\r\n\r\n"))
		}
	})
	return out.Complete()
}

func encodeChunk(p []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x\r\n", len(p))
	b.Write(p)
	b.WriteString("\r\n")
	return b.Bytes()
}
