package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ParsedRequest is a minimal request representation parsed from the wire.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

// ParsedResponse is the response-side counterpart.
type ParsedResponse struct {
	Proto         string
	StatusCode    int
	Reason        string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

type Reader struct {
	BR             *bufio.Reader
	MaxHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := readLine(r.BR, r.headerLimit())
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, io.ErrUnexpectedEOF
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, io.ErrUnexpectedEOF
	}
	hdr, err := readHeaders(r.BR, r.headerLimit())
	if err != nil {
		return nil, err
	}
	cl, body, err := bodyFromHeaders(r.BR, hdr, r.headerLimit())
	if err != nil {
		return nil, err
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: cl,
		Body:          body,
	}, nil
}

// ReadResponse parses a status line, headers and body framing. A
// close-delimited body (no CL, no chunked TE) reads to EOF.
func (r *Reader) ReadResponse(method string) (*ParsedResponse, error) {
	line, err := readLine(r.BR, r.headerLimit())
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, io.ErrUnexpectedEOF
	}
	proto := parts[0]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, io.ErrUnexpectedEOF
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	hdr, err := readHeaders(r.BR, r.headerLimit())
	if err != nil {
		return nil, err
	}
	pr := &ParsedResponse{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     hdr,
	}
	if NoResponseBody(code, method) {
		pr.ContentLength = 0
		pr.Body = io.NopCloser(strings.NewReader(""))
		return pr, nil
	}
	if HasChunkedTE(hdr) {
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.headerLimit())
		return pr, nil
	}
	if v := GetHeader(hdr, "Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, io.ErrUnexpectedEOF
		}
		pr.ContentLength = n
		if n == 0 {
			pr.Body = io.NopCloser(strings.NewReader(""))
		} else {
			pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: n}}
		}
		return pr, nil
	}
	pr.ContentLength = -1
	pr.Body = io.NopCloser(r.BR)
	return pr, nil
}

func (r *Reader) headerLimit() int {
	if r.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return r.MaxHeaderBytes
}

func bodyFromHeaders(br *bufio.Reader, hdr map[string][]string, limit int) (int64, io.ReadCloser, error) {
	if HasChunkedTE(hdr) {
		return -1, newChunkedBody(br, limit), nil
	}
	if v := GetHeader(hdr, "Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		if n == 0 {
			return 0, io.NopCloser(strings.NewReader("")), nil
		}
		return n, &limitedBody{lr: &io.LimitedReader{R: br, N: n}}, nil
	}
	return 0, io.NopCloser(strings.NewReader("")), nil
}

func readHeaders(br *bufio.Reader, limit int) (map[string][]string, error) {
	h := make(map[string][]string)
	for {
		line, err := readLine(br, limit)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, io.ErrUnexpectedEOF
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		AddHeader(h, k, v)
	}
	return h, nil
}

func readLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *limitedBody) Close() error {
	// Drain remaining bytes so the connection can carry another exchange.
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if n <= 0 {
			break
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// NoResponseBody reports whether a response to method with the given
// status carries no body by definition.
func NoResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if method == "CONNECT" && status >= 200 && status < 300 {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

func AddHeader(h map[string][]string, k, v string) {
	hk := CanonicalHeaderKey(k)
	h[hk] = append(h[hk], v)
}

// SetHeader replaces any existing values for k.
func SetHeader(h map[string][]string, k, v string) {
	h[CanonicalHeaderKey(k)] = []string{v}
}

func GetHeader(h map[string][]string, k string) string {
	hk := CanonicalHeaderKey(k)
	if vv, ok := h[hk]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func HasChunkedTE(h map[string][]string) bool {
	hk := CanonicalHeaderKey("Transfer-Encoding")
	if vv, ok := h[hk]; ok {
		for _, v := range vv {
			if strings.Contains(strings.ToLower(v), "chunked") {
				return true
			}
		}
	}
	return false
}

// Very small canonicalizer to avoid importing textproto here.
func CanonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
