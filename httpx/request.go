package httpx

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Request represents an HTTP request.
//
// Fields are a subset tailored for HTTP/1.1. Body is an io.ReadCloser.
// ContentLength is -1 when unknown. Context can be set via WithContext.
type Request struct {
	Method        string
	URL           *url.URL
	RequestURI    string
	Proto         string
	Header        Header
	Body          io.ReadCloser
	// GetBody, if non-nil, returns a new copy of Body for retransmission
	// across redirect and reset retries. The caller must Close the
	// returned body.
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64
	ctx           context.Context
	// RequestID identifies this request across retries of the same
	// logical exchange.
	RequestID string
}

// NewRequest builds a request for the client. body may be nil.
func NewRequest(ctx context.Context, method, rawURL string, body io.ReadCloser) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "GET"
	}
	return &Request{
		Method:    strings.ToUpper(method),
		URL:       u,
		Proto:     "HTTP/1.1",
		Header:    Header{},
		Body:      body,
		Host:      u.Host,
		ctx:       ctx,
		RequestID: uuid.NewString(),
	}, nil
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// idempotent reports whether the method may be safely replayed after a
// peer reset before any response arrived.
func (r *Request) idempotent() bool {
	switch r.Method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	}
	return false
}

// rewindBody returns a fresh body for a retried attempt, or false when
// the body cannot be replayed.
func (r *Request) rewindBody() (io.ReadCloser, bool) {
	if r.Body == nil {
		return nil, true
	}
	if r.GetBody == nil {
		return nil, false
	}
	b, err := r.GetBody()
	if err != nil {
		return nil, false
	}
	return b, true
}
