package tcpx

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

const readChunkSize = 32 * 1024

// Inbound is the connection's single read consumer. Only one receiver
// may be bound at a time; binding again while one is active fails.
type Inbound struct {
	conn  *Conn
	bound atomic.Bool
}

func (in *Inbound) bind() error {
	if !in.bound.CompareAndSwap(false, true) {
		return ErrReceiving
	}
	return nil
}

func (in *Inbound) release() { in.bound.Store(false) }

// Receive reads from the transport and hands every chunk to fn until
// the peer closes, ctx is cancelled, or fn returns an error.
//
// Cancellation stops the reads and leaves the connection open for
// another receiver. A peer close marks the connection inactive and
// disposes it; Receive then returns nil.
func (in *Inbound) Receive(ctx context.Context, fn func(p []byte) error) error {
	if err := in.bind(); err != nil {
		return err
	}
	defer in.release()

	c := in.conn
	stop := context.AfterFunc(ctx, func() {
		_ = c.current().SetReadDeadline(time.Now())
	})
	defer stop()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < readChunkSize {
		buf.B = make([]byte, readChunkSize)
	}
	p := buf.B[:readChunkSize]

	for {
		n, err := c.readItem(p)
		if n > 0 {
			if ferr := fn(p[:n]); ferr != nil {
				return ferr
			}
		}
		if err == nil {
			continue
		}
		return in.finish(ctx, err)
	}
}

// Reader adapts the inbound side to io.Reader, one transport read per
// call. It binds the receiver slot until the connection is disposed,
// so it cannot be mixed with Receive.
func (in *Inbound) Reader(ctx context.Context) (io.Reader, error) {
	if err := in.bind(); err != nil {
		return nil, err
	}
	return &connReader{in: in, ctx: ctx}, nil
}

type connReader struct {
	in  *Inbound
	ctx context.Context
}

func (r *connReader) Read(p []byte) (int, error) {
	c := r.in.conn
	stop := context.AfterFunc(r.ctx, func() {
		_ = c.current().SetReadDeadline(time.Now())
	})
	defer stop()
	n, err := c.readItem(p)
	if err == nil {
		return n, nil
	}
	if ferr := r.in.finish(r.ctx, err); ferr != nil {
		return n, ferr
	}
	return n, io.EOF
}

// finish classifies a terminal read error. Returning nil means the
// peer closed cleanly.
func (in *Inbound) finish(ctx context.Context, err error) error {
	c := in.conn
	if ctx.Err() != nil {
		// Cancellation won the race. Clear the poisoned deadline so
		// the connection stays usable.
		_ = c.current().SetReadDeadline(time.Time{})
		return ctx.Err()
	}
	if c.State() == StateDisposed {
		return ErrDisposed
	}
	if errors.Is(err, io.EOF) {
		c.peerClosed()
		return nil
	}
	var nerr net.Error
	if errors.Is(err, net.ErrClosed) {
		return ErrDisposed
	}
	if errors.As(err, &nerr) && nerr.Timeout() {
		return err
	}
	c.connectionError(err)
	return err
}
