package tcpx

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func selfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "netwire.test"},
		DNSNames:              []string{"netwire.test", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func TestInstallStagesOrder(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{outbound: true, target: "example.com:443"})

	InstallStages(c, StageConfig{
		Proxy:    &ProxySpec{Address: "proxy.local:3128"},
		TLS:      &TLSSpec{},
		Throttle: &ThrottleSpec{BytesPerSecond: 1024},
		Stats:    NopStats{},
	})
	want := []string{StageProxy, StageTLS, StageTLSReader, StageThrottle, StageStats}
	if diff := cmp.Diff(want, c.Chain().Names()); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
}

func TestInstallTLSAfterExistingProxyKeepsOrder(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{outbound: true, target: "example.com:443"})

	InstallStages(c, StageConfig{Proxy: &ProxySpec{Address: "proxy.local:3128"}})
	InstallStages(c, StageConfig{TLS: &TLSSpec{}})

	want := []string{StageProxy, StageTLS, StageTLSReader}
	if diff := cmp.Diff(want, c.Chain().Names()); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
}

func TestInstallStagesReinstallKeepsSingleCopies(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{outbound: true, target: "example.com:443"})

	cfg := StageConfig{TLS: &TLSSpec{}, Stats: NopStats{}}
	InstallStages(c, cfg)
	InstallStages(c, cfg)
	want := []string{StageTLS, StageTLSReader, StageStats}
	if diff := cmp.Diff(want, c.Chain().Names()); diff != "" {
		t.Fatalf("stages duplicated (-want +got):\n%s", diff)
	}
}

func TestStripStagesLeavesForeignStages(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{outbound: true, target: "example.com:443"})
	c.Chain().AddLast(&namedStage{name: "app"})
	InstallStages(c, StageConfig{TLS: &TLSSpec{}, Throttle: &ThrottleSpec{BytesPerSecond: 1}})
	StripStages(c)
	if diff := cmp.Diff([]string{"app"}, c.Chain().Names()); diff != "" {
		t.Fatalf("residue (-want +got):\n%s", diff)
	}
}

func TestTLSHandshakeGatesActive(t *testing.T) {
	cert, roots := selfSignedCert(t)
	nc, peer := tcpPair(t)

	// Accepting side: terminate TLS and echo.
	go func() {
		srv := tls.Server(peer, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := srv.Handshake(); err != nil {
			return
		}
		io.Copy(srv, srv)
	}()

	c := testConn(t, nc, connConfig{outbound: true, target: "127.0.0.1:0"})
	InstallStages(c, StageConfig{TLS: &TLSSpec{
		Config:           &tls.Config{RootCAs: roots},
		HandshakeTimeout: 2 * time.Second,
	}})
	c.activate()
	waitFor(t, c.Ready(), "active after handshake")

	if !c.HandshakeDone() {
		t.Fatal("handshake flag not set")
	}
	if c.Chain().Get(StageTLSReader) != nil {
		t.Fatal("handshake reader still installed")
	}

	// Bytes round-trip through the TLS wrap.
	out := c.Outbound()
	out.SendString(func(yield func(string) bool) { yield("secure") })
	if err := out.Complete(); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	err := c.Inbound().Receive(ctx, func(p []byte) error {
		got = append(got, p...)
		if len(got) >= len("secure") {
			cancel()
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "secure" {
		t.Fatalf("got %q", got)
	}
}

func TestTLSHandshakeFailureIsFatal(t *testing.T) {
	nc, peer := tcpPair(t)
	// The accepting side speaks plaintext, which cannot pass for a
	// server hello.
	go func() {
		buf := make([]byte, 256)
		peer.Read(buf)
		peer.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		peer.Close()
	}()

	c := testConn(t, nc, connConfig{outbound: true, target: "127.0.0.1:0"})
	InstallStages(c, StageConfig{TLS: &TLSSpec{
		Config:           &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 2 * time.Second,
	}})
	c.activate()
	waitFor(t, c.OnDispose(), "dispose after failed handshake")

	var herr *HandshakeError
	if !errors.As(c.Err(), &herr) {
		t.Fatalf("err=%v", c.Err())
	}
	if herr.Stage != StageTLSReader {
		t.Fatalf("stage=%q", herr.Stage)
	}
	select {
	case <-c.Ready():
		t.Fatal("connection reported active despite failed handshake")
	default:
	}
}

func TestProxyConnectTunnel(t *testing.T) {
	// Fake proxy: accept, validate CONNECT, confirm, then echo.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	sawTarget := make(chan string, 1)
	go func() {
		pc, err := ln.Accept()
		if err != nil {
			return
		}
		defer pc.Close()
		buf := make([]byte, 1024)
		n, _ := pc.Read(buf)
		target, err := connectTarget(string(buf[:n]))
		if err != nil {
			return
		}
		sawTarget <- target
		pc.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		io.Copy(pc, pc)
	}()

	cl := &Client{
		Host:  "target.invalid",
		Port:  9999,
		Pool:  &Pool{},
		Proxy: &ProxySpec{Address: ln.Addr().String()},
	}
	conn, err := cl.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Dispose()

	select {
	case target := <-sawTarget:
		if target != "target.invalid:9999" {
			t.Fatalf("proxy saw target %q", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never saw CONNECT")
	}
	if conn.Chain().Get(StageProxy) != nil {
		t.Fatal("proxy stage still installed after tunnel")
	}

	out := conn.Outbound()
	out.SendString(func(yield func(string) bool) { yield("via-proxy") })
	if err := out.Complete(); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	rerr := conn.Inbound().Receive(ctx, func(p []byte) error {
		got = append(got, p...)
		if len(got) >= len("via-proxy") {
			cancel()
		}
		return nil
	})
	if rerr != nil && ctx.Err() == nil {
		t.Fatalf("receive: %v", rerr)
	}
	if string(got) != "via-proxy" {
		t.Fatalf("got %q", got)
	}
}

func TestProxySpecMatching(t *testing.T) {
	spec := &ProxySpec{
		Address:       "proxy.local:3128",
		NonProxyHosts: []string{"localhost", "*.internal.example"},
	}
	cases := []struct {
		target string
		want   string
	}{
		{"example.com:80", "proxy.local:3128"},
		{"localhost:8080", ""},
		{"db.internal.example:5432", ""},
		{"internal.example:80", ""},
		{"notinternal.example:80", "proxy.local:3128"},
	}
	for _, tc := range cases {
		if got := spec.addressFor(tc.target); got != tc.want {
			t.Errorf("addressFor(%q)=%q want %q", tc.target, got, tc.want)
		}
	}

	override := &ProxySpec{
		Address:     "proxy.local:3128",
		ShouldProxy: func(host string) bool { return host == "only.example" },
	}
	if got := override.addressFor("only.example:80"); got == "" {
		t.Error("ShouldProxy match ignored")
	}
	if got := override.addressFor("other.example:80"); got != "" {
		t.Error("ShouldProxy miss still proxied")
	}
}

func TestThrottleRespectsCancellation(t *testing.T) {
	st := newThrottleStage(&ThrottleSpec{BytesPerSecond: 1, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := st.BeforeWrite(ctx, 100); err == nil {
		t.Fatal("expected cancellation to interrupt the wait")
	}
}

func TestThrottleDelaysLargeWrites(t *testing.T) {
	st := newThrottleStage(&ThrottleSpec{BytesPerSecond: 1000, Burst: 100})
	start := time.Now()
	if err := st.BeforeWrite(context.Background(), 300); err != nil {
		t.Fatalf("before write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("write admitted too fast: %s", elapsed)
	}
}

// connectTarget pulls the CONNECT target out of a raw request head.
func connectTarget(head string) (string, error) {
	line, _, _ := strings.Cut(head, "\r\n")
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "CONNECT" {
		return "", errors.New("not a CONNECT request")
	}
	return parts[1], nil
}
