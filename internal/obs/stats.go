package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnStats reports per-connection lifecycle and byte counters to
// Prometheus. Its method set matches the tcpx stats listener contract,
// so a factory closure over NewConnStatsFactory can be handed to tcpx
// without this package importing it.
type ConnStats struct {
	endpoint string
	m        *connStatsMetrics
}

type connStatsMetrics struct {
	active   *prometheus.GaugeVec
	lifetime *prometheus.HistogramVec
	closes   *prometheus.CounterVec
	errs     *prometheus.CounterVec
	written  *prometheus.CounterVec
	read     *prometheus.CounterVec
}

// NewConnStatsFactory registers the connection collectors once and
// returns a factory producing one ConnStats per connection endpoint.
func NewConnStatsFactory(reg prometheus.Registerer) func(endpoint string) *ConnStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &connStatsMetrics{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netwire_conns_active",
		}, []string{"endpoint"}),
		lifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netwire_conn_lifetime_seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netwire_conn_closes_total",
		}, []string{"endpoint"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netwire_conn_errors_total",
		}, []string{"endpoint"}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netwire_conn_written_bytes_total",
		}, []string{"endpoint"}),
		read: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netwire_conn_read_bytes_total",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.active, m.lifetime, m.closes, m.errs, m.written, m.read)
	return func(endpoint string) *ConnStats {
		return &ConnStats{endpoint: endpoint, m: m}
	}
}

func (s *ConnStats) OnActive() {
	s.m.active.WithLabelValues(s.endpoint).Inc()
}

func (s *ConnStats) OnInactive(elapsed time.Duration) {
	s.m.active.WithLabelValues(s.endpoint).Dec()
	s.m.lifetime.WithLabelValues(s.endpoint).Observe(elapsed.Seconds())
}

func (s *ConnStats) OnClose() {
	s.m.closes.WithLabelValues(s.endpoint).Inc()
}

func (s *ConnStats) OnException(cause error) {
	s.m.errs.WithLabelValues(s.endpoint).Inc()
}

func (s *ConnStats) OnWrite(bytes int64) {
	s.m.written.WithLabelValues(s.endpoint).Add(float64(bytes))
}

func (s *ConnStats) OnRead(bytes int64) {
	s.m.read.WithLabelValues(s.endpoint).Add(float64(bytes))
}
