package tcpx

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dqx0.com/go/netwire/internal/http1"
	"dqx0.com/go/netwire/internal/obs"
)

// Stage names. Installing a spec again replaces the stage under the
// same name instead of stacking a second copy.
const (
	StageProxy     = "proxy"
	StageProxyLog  = "proxy.log"
	StageTLS       = "tls"
	StageTLSReader = "tls.reader"
	StageThrottle  = "throttle"
	StageStats     = "stats"
)

// ProxySpec configures an HTTP CONNECT tunnel in front of the
// connection. The client dials Address and the proxy stage asks it to
// tunnel through to the real target during activation.
type ProxySpec struct {
	// Address is the proxy's host:port.
	Address string
	// AddressFn, when set, picks the proxy per target and wins over
	// Address. Returning "" means direct.
	AddressFn func(target string) string
	Username  string
	Password  string
	// NonProxyHosts lists hosts reached directly. A leading "*."
	// matches any subdomain.
	NonProxyHosts []string
	// ShouldProxy, when set, overrides NonProxyHosts entirely.
	ShouldProxy func(host string) bool
	// ConnectTimeout bounds the CONNECT exchange. Zero means no limit.
	ConnectTimeout time.Duration
}

// ProxyFromEnvironment builds a spec from HTTP_PROXY and NO_PROXY, or
// returns nil when no proxy is configured.
func ProxyFromEnvironment() *ProxySpec {
	raw := os.Getenv("HTTP_PROXY")
	if raw == "" {
		raw = os.Getenv("http_proxy")
	}
	if raw == "" {
		return nil
	}
	spec := &ProxySpec{}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil
		}
		spec.Address = u.Host
		if u.User != nil {
			spec.Username = u.User.Username()
			spec.Password, _ = u.User.Password()
		}
	} else {
		spec.Address = raw
	}
	noProxy := os.Getenv("NO_PROXY")
	if noProxy == "" {
		noProxy = os.Getenv("no_proxy")
	}
	for _, h := range strings.Split(noProxy, ",") {
		if h = strings.TrimSpace(h); h != "" {
			spec.NonProxyHosts = append(spec.NonProxyHosts, h)
		}
	}
	return spec
}

// addressFor resolves the proxy address for target, "" meaning direct.
func (p *ProxySpec) addressFor(target string) string {
	if p == nil {
		return ""
	}
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if p.ShouldProxy != nil {
		if !p.ShouldProxy(host) {
			return ""
		}
	} else if p.skips(host) {
		return ""
	}
	if p.AddressFn != nil {
		return p.AddressFn(target)
	}
	return p.Address
}

func (p *ProxySpec) skips(host string) bool {
	for _, pat := range p.NonProxyHosts {
		if rest, ok := strings.CutPrefix(pat, "*."); ok {
			if strings.HasSuffix(host, "."+rest) || host == rest {
				return true
			}
			continue
		}
		if strings.EqualFold(host, pat) {
			return true
		}
	}
	return false
}

// TLSSpec configures the TLS stage.
type TLSSpec struct {
	Config *tls.Config
	// ServerMode selects the accepting side of the handshake. Set by
	// the server when installing stages on accepted connections.
	ServerMode bool
	// SNI overrides the server name derived from the dialed target.
	SNI string
	// HandshakeTimeout bounds the handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

// ThrottleSpec bounds the outbound byte rate.
type ThrottleSpec struct {
	BytesPerSecond int
	// Burst defaults to BytesPerSecond when zero.
	Burst int
}

// StageConfig names everything InstallStages may put on a connection.
type StageConfig struct {
	Proxy    *ProxySpec
	TLS      *TLSSpec
	Throttle *ThrottleSpec
	Stats    StatsListener
	Logger   obs.Logger
}

// InstallStages places the configured stages on c's chain in handshake
// order: proxy ahead of TLS, the handshake reader right behind TLS,
// traffic stages at the tail. Installing the same config twice is a
// no-op in effect since named stages replace in place.
func InstallStages(c *Conn, cfg StageConfig) {
	log := cfg.Logger
	if log == nil {
		log = c.log
	}
	if cfg.TLS != nil {
		ts := &tlsStage{spec: cfg.TLS, log: log}
		if c.chain.Get(StageProxy) != nil {
			// A proxy stage from an earlier install keeps its spot
			// ahead of TLS.
			c.chain.AddAfter(StageProxy, ts)
		} else {
			c.chain.AddFirst(ts)
		}
		c.chain.AddAfter(StageTLS, &handshakeReader{timeout: cfg.TLS.HandshakeTimeout})
	}
	if c.outbound && cfg.Proxy != nil {
		if tunnel := cfg.Proxy.addressFor(c.target); tunnel != "" {
			c.chain.AddFirst(&proxyStage{spec: cfg.Proxy, target: c.target, log: log})
			if log.DebugEnabled() {
				c.chain.AddFirst(&proxyLogStage{log: log})
			}
		}
	}
	if cfg.Throttle != nil && cfg.Throttle.BytesPerSecond > 0 {
		c.chain.AddLast(newThrottleStage(cfg.Throttle))
	}
	if cfg.Stats != nil {
		c.chain.AddLast(newStatsStage(cfg.Stats))
	}
}

// RemoveProxy strips the proxy stages, reporting whether any were
// present.
func RemoveProxy(c *Conn) bool {
	removed := c.chain.Remove(StageProxy)
	c.chain.Remove(StageProxyLog)
	return removed
}

// RemoveTLS strips the TLS stages, reporting whether any were present.
func RemoveTLS(c *Conn) bool {
	removed := c.chain.Remove(StageTLS)
	c.chain.Remove(StageTLSReader)
	return removed
}

// StripStages removes every named stage InstallStages may have added.
func StripStages(c *Conn) {
	RemoveProxy(c)
	RemoveTLS(c)
	c.chain.Remove(StageThrottle)
	c.chain.Remove(StageStats)
}

// proxyLogStage traces the tunnel handshake when debug logging is on.
type proxyLogStage struct {
	log obs.Logger
}

func (s *proxyLogStage) Name() string { return StageProxyLog }

func (s *proxyLogStage) OnActive(ctx *ChainContext) {
	c := ctx.Conn()
	s.log.Logf(obs.Debug, "tunnel handshake starting conn=%s target=%s proxy=%s",
		c.ID(), c.Target(), c.RemoteAddr())
	ctx.FireActive()
}

// proxyStage issues the CONNECT exchange during activation. The
// connection only becomes active once the proxy confirms the tunnel.
type proxyStage struct {
	spec   *ProxySpec
	target string
	log    obs.Logger
}

func (s *proxyStage) Name() string { return StageProxy }

func (s *proxyStage) OnActive(ctx *ChainContext) {
	c := ctx.Conn()
	if err := s.connect(c); err != nil {
		ctx.FireError(&HandshakeError{Stage: StageProxy, Cause: err})
		return
	}
	c.chain.Remove(StageProxy)
	c.chain.Remove(StageProxyLog)
	ctx.FireActive()
}

func (s *proxyStage) connect(c *Conn) error {
	if d := s.spec.ConnectTimeout; d > 0 {
		_ = c.current().SetDeadline(time.Now().Add(d))
		defer c.current().SetDeadline(time.Time{})
	}
	hdr := map[string][]string{}
	http1.AddHeader(hdr, "Host", s.target)
	if s.spec.Username != "" {
		cred := base64.StdEncoding.EncodeToString(
			[]byte(s.spec.Username + ":" + s.spec.Password))
		http1.AddHeader(hdr, "Proxy-Authorization", "Basic "+cred)
	}
	if err := http1.WriteRequestHead(c.bw, "CONNECT", s.target, hdr); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	rd := &http1.Reader{BR: c.reader()}
	resp, err := rd.ReadResponse("CONNECT")
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy refused tunnel: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// tlsStage wraps the transport. The handshake itself belongs to the
// stage behind it so an intervening proxy tunnel finishes first.
type tlsStage struct {
	spec *TLSSpec
	log  obs.Logger
}

func (s *tlsStage) Name() string { return StageTLS }

func (s *tlsStage) OnActive(ctx *ChainContext) {
	c := ctx.Conn()
	if s.spec.ServerMode {
		c.wrap(tls.Server(c.current(), s.spec.Config))
		ctx.FireActive()
		return
	}
	cfg := s.spec.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		name := s.spec.SNI
		if name == "" {
			if h, _, err := net.SplitHostPort(c.Target()); err == nil {
				name = h
			} else {
				name = c.Target()
			}
		}
		cfg.ServerName = name
	}
	c.wrap(tls.Client(c.current(), cfg))
	ctx.FireActive()
}

// handshakeReader drives the TLS handshake, removes itself, and only
// then lets activation continue. A failed handshake is a connection
// error, not a silent downgrade.
type handshakeReader struct {
	timeout time.Duration
}

func (s *handshakeReader) Name() string { return StageTLSReader }

func (s *handshakeReader) OnActive(ctx *ChainContext) {
	c := ctx.Conn()
	tc, ok := c.current().(*tls.Conn)
	if !ok {
		c.chain.Remove(StageTLSReader)
		ctx.FireActive()
		return
	}
	if s.timeout > 0 {
		_ = tc.SetDeadline(time.Now().Add(s.timeout))
	}
	err := tc.HandshakeContext(c.ctx)
	if s.timeout > 0 {
		_ = tc.SetDeadline(time.Time{})
	}
	c.chain.Remove(StageTLSReader)
	if err != nil {
		ctx.FireError(&HandshakeError{Stage: StageTLSReader, Cause: err})
		return
	}
	c.handshakeDone.Store(true)
	ctx.FireActive()
}

// throttleStage rations outbound bytes through a token bucket.
type throttleStage struct {
	limiter *rate.Limiter
	burst   int
}

func newThrottleStage(spec *ThrottleSpec) *throttleStage {
	burst := spec.Burst
	if burst <= 0 {
		burst = spec.BytesPerSecond
	}
	return &throttleStage{
		limiter: rate.NewLimiter(rate.Limit(spec.BytesPerSecond), burst),
		burst:   burst,
	}
}

func (s *throttleStage) Name() string { return StageThrottle }

func (s *throttleStage) BeforeWrite(ctx context.Context, bytes int) error {
	for bytes > 0 {
		n := bytes
		if n > s.burst {
			n = s.burst
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
