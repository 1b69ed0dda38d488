// Package httpx provides an HTTP/1.1 server and client built on the
// tcpx transport layer.
//
// Highlights
//   - Server: streaming ResponseWriter, keep‑alive, chunked
//     transfer, header size limits, lifecycle callbacks, and the
//     transport's stage chain (TLS, throttling, stats) underneath.
//   - Client: one connection per attempt with a per‑exchange bridge
//     that follows redirects, records the redirect history on the
//     final response, and optionally replays idempotent requests
//     once after a peer reset.
//   - Observability: plug‑in Logger and Meter interfaces plus an
//     OpenTelemetry span per exchange.
//
// Quick start (server):
//
//	s := &httpx.Server{Port: 8080}
//	s.Handler = httpx.HandlerFunc(func(w httpx.ResponseWriter, r *httpx.Request) {
//	    w.Header().Set("Content-Type", "text/plain; charset=utf-8")
//	    w.WriteHeader(200)
//	    w.Write([]byte("hello"))
//	})
//	b, err := s.BindNow(0)
//	if err != nil { log.Fatal(err) }
//	defer b.Dispose()
//
// Quick start (client):
//
//	c := &httpx.Client{}
//	req, _ := httpx.NewRequest(ctx, "GET", "http://127.0.0.1:8080/", nil)
//	res, err := c.Do(req)
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
package httpx
