package httpx

import (
	"io"

	"dqx0.com/go/netwire/tcpx"
)

type Response struct {
	Status        string
	StatusCode    int
	Proto         string
	Header        Header
	Body          io.ReadCloser
	ContentLength int64
	// RedirectedFrom lists every URI this exchange left behind, in
	// order, when the client followed redirects to produce this
	// response. Empty when the first attempt answered.
	RedirectedFrom []string
}

// connBody closes the underlying connection together with the body.
// The client hands out one connection per attempt, so releasing the
// body releases the transport.
type connBody struct {
	io.ReadCloser
	conn *tcpx.Conn
}

func (b *connBody) Close() error {
	err := b.ReadCloser.Close()
	b.conn.Dispose()
	return err
}
