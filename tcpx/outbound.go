package tcpx

import (
	"encoding/json"
	"io"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// FlushMode picks when buffered outbound bytes reach the transport.
type FlushMode int

const (
	// FlushAtEnd flushes once when a send operation's sequence ends.
	FlushAtEnd FlushMode = iota
	// FlushEachItem flushes after every item.
	FlushEachItem
	// FlushBatch flushes every SendOptions.Every items.
	FlushBatch
)

// SendOptions tunes the next send operation only.
type SendOptions struct {
	Mode FlushMode
	// Every is the batch size for FlushBatch. Values below one mean
	// flush at the end.
	Every int
	// Interval, when set with FlushBatch, also flushes if that much
	// time passed since the last flush.
	Interval time.Duration
}

const fileChunkSize = 32 * 1024

// Outbound queues send operations on the connection's owning worker.
// Operations chain: they run in submission order, and the first
// failure stops everything behind it. Completion carries one terminal
// outcome for the whole chain.
type Outbound struct {
	conn *Conn

	mu       sync.Mutex
	firstErr error
	nextOpts *SendOptions
	marshal  func(interface{}) ([]byte, error)

	wg sync.WaitGroup
}

func newOutbound(c *Conn) *Outbound {
	return &Outbound{conn: c, marshal: json.Marshal}
}

// Options applies fn's settings to the next queued send only.
func (o *Outbound) Options(fn func(*SendOptions)) *Outbound {
	opts := SendOptions{}
	fn(&opts)
	o.mu.Lock()
	o.nextOpts = &opts
	o.mu.Unlock()
	return o
}

// Marshal replaces the encoder used by SendObject.
func (o *Outbound) Marshal(fn func(interface{}) ([]byte, error)) *Outbound {
	o.mu.Lock()
	o.marshal = fn
	o.mu.Unlock()
	return o
}

// Err returns the first failure of the chain, if any.
func (o *Outbound) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.firstErr
}

func (o *Outbound) fail(err error) {
	o.mu.Lock()
	if o.firstErr == nil {
		o.firstErr = err
	}
	o.mu.Unlock()
}

// abort resolves the chain with err unless it already failed.
func (o *Outbound) abort(err error) {
	o.fail(err)
}

// Complete blocks until every queued send resolved and returns the
// chain's terminal outcome.
func (o *Outbound) Complete() error {
	o.wg.Wait()
	return o.Err()
}

// Done returns a channel closed once every send queued so far has
// resolved. The outcome is read with Err.
func (o *Outbound) Done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(ch)
	}()
	return ch
}

func (o *Outbound) takeOpts() SendOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.nextOpts == nil {
		return SendOptions{}
	}
	opts := *o.nextOpts
	o.nextOpts = nil
	return opts
}

// enqueue chains one operation. Once the chain failed, later
// operations never touch the transport.
func (o *Outbound) enqueue(op func(opts SendOptions) error) *Outbound {
	opts := o.takeOpts()
	o.wg.Add(1)
	task := func() {
		defer o.wg.Done()
		if o.Err() != nil {
			return
		}
		if err := op(opts); err != nil {
			o.fail(err)
		}
	}
	if err := o.conn.exec.do(task); err != nil {
		o.fail(err)
		o.wg.Done()
	}
	return o
}

// Send queues the byte sequence for transmission.
func (o *Outbound) Send(seq iter.Seq[[]byte]) *Outbound {
	return o.enqueue(func(opts SendOptions) error {
		return o.writeSeq(seq, opts)
	})
}

// SendString queues the strings for transmission.
func (o *Outbound) SendString(seq iter.Seq[string]) *Outbound {
	return o.Send(func(yield func([]byte) bool) {
		for s := range seq {
			if !yield([]byte(s)) {
				return
			}
		}
	})
}

// SendObject queues values encoded by the configured marshaller.
func (o *Outbound) SendObject(seq iter.Seq[interface{}]) *Outbound {
	return o.enqueue(func(opts SendOptions) error {
		o.mu.Lock()
		enc := o.marshal
		o.mu.Unlock()
		return o.writeSeq(func(yield func([]byte) bool) {
			for v := range seq {
				p, err := enc(v)
				if err != nil {
					o.fail(err)
					return
				}
				if !yield(p) {
					return
				}
			}
		}, opts)
	})
}

func (o *Outbound) writeSeq(seq iter.Seq[[]byte], opts SendOptions) error {
	c := o.conn
	var sinceFlush int
	lastFlush := time.Now()
	var err error
	for p := range seq {
		if err = c.write(c.ctx, p); err != nil {
			return err
		}
		sinceFlush++
		flush := false
		switch opts.Mode {
		case FlushEachItem:
			flush = true
		case FlushBatch:
			if opts.Every > 0 && sinceFlush >= opts.Every {
				flush = true
			}
			if opts.Interval > 0 && time.Since(lastFlush) >= opts.Interval {
				flush = true
			}
		}
		if flush {
			if err = c.flush(); err != nil {
				return err
			}
			sinceFlush = 0
			lastFlush = time.Now()
		}
	}
	if err := o.Err(); err != nil {
		return err
	}
	return c.flush()
}

// SendFile queues the whole file.
func (o *Outbound) SendFile(path string) *Outbound {
	return o.enqueue(func(SendOptions) error {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		return o.sendRegion(path, 0, fi.Size(), o.conn.zeroCopy())
	})
}

// SendFileRegion queues count bytes of the file starting at offset.
func (o *Outbound) SendFileRegion(path string, offset, count int64) *Outbound {
	return o.enqueue(func(SendOptions) error {
		return o.sendRegion(path, offset, count, o.conn.zeroCopy())
	})
}

// SendFileChunked queues the whole file through the buffered writer,
// bypassing zero-copy. Required when later stages must observe the
// bytes, such as TLS or throttling.
func (o *Outbound) SendFileChunked(path string) *Outbound {
	return o.enqueue(func(SendOptions) error {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		return o.sendRegion(path, 0, fi.Size(), false)
	})
}

func (o *Outbound) sendRegion(path string, offset, count int64, direct bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if direct {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		// copyDirect hands the region to the TCP connection, which
		// uses sendfile for limited readers over *os.File.
		_, err := o.conn.copyDirect(&io.LimitedReader{R: f, N: count})
		return err
	}
	sec := io.NewSectionReader(f, offset, count)
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if cap(buf.B) < fileChunkSize {
		buf.B = make([]byte, fileChunkSize)
	}
	p := buf.B[:fileChunkSize]
	for {
		n, rerr := sec.Read(p)
		if n > 0 {
			if werr := o.conn.write(o.conn.ctx, p[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return o.conn.flush()
}
