package obs

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMeterCounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)
	m.Counter("test_events_total", 1, Label{Key: "kind", Value: "a"})
	m.Counter("test_events_total", 2, Label{Key: "kind", Value: "a"})
	m.Counter("test_events_total", 5, Label{Key: "kind", Value: "b"})

	cv := m.counters["test_events_total"]
	if got := testutil.ToFloat64(cv.WithLabelValues("a")); got != 3 {
		t.Fatalf("kind=a got %v", got)
	}
	if got := testutil.ToFloat64(cv.WithLabelValues("b")); got != 5 {
		t.Fatalf("kind=b got %v", got)
	}
}

func TestPromMeterHistogramRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg)
	m.Histogram("test_latency_seconds", 0.1)
	m.Histogram("test_latency_seconds", 0.2)
	if n := len(m.hists); n != 1 {
		t.Fatalf("histograms registered %d times", n)
	}
}

func TestConnStatsGaugeTracksActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := NewConnStatsFactory(reg)
	s := factory("10.0.0.1:443")

	s.OnActive()
	if got := testutil.ToFloat64(s.m.active.WithLabelValues("10.0.0.1:443")); got != 1 {
		t.Fatalf("active=%v", got)
	}
	s.OnInactive(50 * time.Millisecond)
	if got := testutil.ToFloat64(s.m.active.WithLabelValues("10.0.0.1:443")); got != 0 {
		t.Fatalf("active after inactive=%v", got)
	}
	s.OnWrite(100)
	s.OnRead(40)
	if got := testutil.ToFloat64(s.m.written.WithLabelValues("10.0.0.1:443")); got != 100 {
		t.Fatalf("written=%v", got)
	}
	if got := testutil.ToFloat64(s.m.read.WithLabelValues("10.0.0.1:443")); got != 40 {
		t.Fatalf("read=%v", got)
	}
}

func TestConnStatsFactorySharesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := NewConnStatsFactory(reg)
	a := factory("a:1")
	b := factory("b:2")
	if a.m != b.m {
		t.Fatal("factory did not share collectors across endpoints")
	}
}

func TestSlogLoggerDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	quiet := SlogLogger{L: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}
	if quiet.DebugEnabled() {
		t.Fatal("info-level logger claims debug")
	}
	loud := SlogLogger{L: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	if !loud.DebugEnabled() {
		t.Fatal("debug-level logger denies debug")
	}
	loud.Logf(Debug, "dialing %s", "127.0.0.1:80")
	if !bytes.Contains(buf.Bytes(), []byte("dialing 127.0.0.1:80")) {
		t.Fatalf("log output: %q", buf.String())
	}
}
