package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func startServer(t *testing.T, h Handler, cfg func(*Server)) (base string) {
	t.Helper()
	s := &Server{
		Handler: h,
		Listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, network, "127.0.0.1:0")
		},
	}
	if cfg != nil {
		cfg(s)
	}
	b, err := s.BindNow(2 * time.Second)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { b.Dispose() })
	return "http://" + b.Addr().String()
}

func TestClientServerGET(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}), nil)

	c := &Client{}
	res, err := c.Get(context.Background(), base+"/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if got := res.Header.Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("content-type=%q", got)
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "ok" {
		t.Fatalf("body=%q", b)
	}
	if len(res.RedirectedFrom) != 0 {
		t.Fatalf("unexpected history: %v", res.RedirectedFrom)
	}
}

func TestClientPresetHostHeaderNotDuplicated(t *testing.T) {
	hosts := make(chan []string, 1)
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		hosts <- r.Header["Host"]
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(200)
	}), nil)

	req, err := NewRequest(context.Background(), "GET", base+"/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Host", "stale.example")

	c := &Client{}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()

	got := <-hosts
	want := []string{req.URL.Host}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("host header (-want +got):\n%s", diff)
	}
}

func TestClientServerChunkedResponse(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		// No Content-Length forces chunked on a keep-alive exchange.
		w.WriteHeader(200)
		w.Write([]byte("part one "))
		w.Write([]byte("part two"))
	}), nil)

	c := &Client{}
	res, err := c.Get(context.Background(), base+"/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "part one part two" {
		t.Fatalf("body=%q", b)
	}
}

func TestClientServerPOSTBody(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(400)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		w.WriteHeader(200)
		w.Write(b)
	}), nil)

	payload := []byte("hello body")
	req, err := NewRequest(context.Background(), "POST", base+"/submit",
		io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.ContentLength = int64(len(payload))

	c := &Client{}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if !bytes.Equal(b, payload) {
		t.Fatalf("echo=%q", b)
	}
}

func TestClientFollowsRedirectsWithHistory(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		switch r.URL.Path {
		case "/a":
			w.Header().Set("Location", "/b")
			w.WriteHeader(302)
		case "/b":
			w.Header().Set("Location", "/final")
			w.WriteHeader(307)
		case "/final":
			w.Header().Set("Content-Length", "7")
			w.WriteHeader(200)
			w.Write([]byte("arrived"))
		default:
			w.WriteHeader(404)
		}
	}), nil)

	c := &Client{}
	res, err := c.Get(context.Background(), base+"/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}
	want := []string{base + "/a", base + "/b"}
	if diff := cmp.Diff(want, res.RedirectedFrom); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "arrived" {
		t.Fatalf("body=%q", b)
	}
}

func TestClientStopsAtRedirectBound(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Location", "/loop")
		w.WriteHeader(302)
	}), nil)

	c := &Client{MaxRedirects: 3}
	_, err := c.Get(context.Background(), base+"/loop")
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("err=%v", err)
	}
}

func TestClientRejectsRedirectWithoutLocation(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(302)
	}), nil)

	c := &Client{}
	_, err := c.Get(context.Background(), base+"/")
	if !errors.Is(err, ErrMissingLocation) {
		t.Fatalf("err=%v", err)
	}
}

func TestServerAbortTruncatesChunkedBody(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.WriteHeader(200)
		w.Write([]byte("partial"))
		w.(Aborter).Abort(errors.New("storage failed"))
	}), nil)

	c := &Client{}
	res, err := c.Get(context.Background(), base+"/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	_, err = io.ReadAll(res.Body)
	if err == nil {
		t.Fatal("truncated body read cleanly")
	}
}

func TestResponseBodyCloseDisposesConn(t *testing.T) {
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}), nil)

	c := &Client{}
	res, err := c.Get(context.Background(), base+"/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	io.ReadAll(res.Body)
	res.Body.Close()

	cb, ok := res.Body.(*connBody)
	if !ok {
		t.Fatalf("body type %T", res.Body)
	}
	select {
	case <-cb.conn.OnDispose():
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived body close")
	}
}

func TestClientServerOverTLS(t *testing.T) {
	cert, roots := selfSignedTLS(t)
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "6")
		w.WriteHeader(200)
		w.Write([]byte("secure"))
	}), func(s *Server) {
		s.TLSConfig = serverTLSConfig(cert)
	})
	base = "https" + base[len("http"):]

	c := &Client{TLSConfig: clientTLSConfig(roots)}
	res, err := c.Get(context.Background(), base+"/")
	if err != nil {
		t.Fatalf("get over tls: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if string(b) != "secure" {
		t.Fatalf("body=%q", b)
	}
}

func TestRequestIdempotence(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE"} {
		if !(&Request{Method: m}).idempotent() {
			t.Errorf("%s not idempotent", m)
		}
	}
	for _, m := range []string{"POST", "PATCH"} {
		if (&Request{Method: m}).idempotent() {
			t.Errorf("%s idempotent", m)
		}
	}
}

func TestKeepAliveServesSequentialRequests(t *testing.T) {
	var hits atomic.Int32
	base := startServer(t, HandlerFunc(func(w ResponseWriter, r *Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}), nil)

	// Raw keep-alive exchange: two requests on one connection.
	nc, err := net.Dial("tcp", base[len("http://"):])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	for i := 0; i < 2; i++ {
		if _, err := nc.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 512)
		n, err := nc.Read(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Contains(buf[:n], []byte("200")) {
			t.Fatalf("response %d: %q", i, buf[:n])
		}
	}

	if got := hits.Load(); got != 2 {
		t.Fatalf("hits=%d", got)
	}
}
