package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

type chunkedBody struct {
	br       *bufio.Reader
	limit    int
	remain   int64
	finished bool
}

func newChunkedBody(br *bufio.Reader, limit int) io.ReadCloser {
	return &chunkedBody{br: br, limit: limit, remain: -1}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		line, err := readLine(c.br, c.limit)
		if err != nil {
			// The stream ended before the terminating chunk.
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return 0, io.ErrUnexpectedEOF
		}
		n, err := strconv.ParseInt(line, 16, 64)
		if err != nil || n < 0 {
			return 0, io.ErrUnexpectedEOF
		}
		if n == 0 {
			// consume trailers
			for {
				l, err := readLine(c.br, c.limit)
				if err != nil {
					return 0, err
				}
				if l == "" {
					break
				}
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = n
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		b1, err := c.br.ReadByte()
		if err != nil {
			return n, err
		}
		b2, err := c.br.ReadByte()
		if err != nil {
			return n, err
		}
		if b1 != '\r' || b2 != '\n' {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

func (c *chunkedBody) Close() error {
	buf := make([]byte, 1024)
	for !c.finished {
		_, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteChunk writes one HTTP/1.1 chunk for chunked transfer encoding.
func WriteChunk(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := bw.WriteString(strconv.FormatInt(int64(len(p)), 16) + "\r\n"); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunks writes the terminating zero-length chunk.
func EndChunks(bw *bufio.Writer) error {
	_, err := bw.WriteString("0\r\n\r\n")
	return err
}
