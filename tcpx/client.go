package tcpx

import (
	"context"
	"net"
	"strconv"
	"time"

	"dqx0.com/go/netwire/internal/obs"
)

// DefaultDialTimeout bounds dials when the client sets no timeout.
const DefaultDialTimeout = 5 * time.Second

// Client dials connections and installs the configured stages on them.
// The zero value dials localhost on the default port with no stages.
type Client struct {
	Host string
	Port int

	// Pool supplies the worker group. Nil means the shared default.
	Pool *Pool
	// Portable forces the portable worker group even on platforms
	// where the native one is the default.
	Portable bool

	TLS      *TLSSpec
	Proxy    *ProxySpec
	Throttle *ThrottleSpec
	Stats    StatsFactory

	Logger obs.Logger
	Meter  obs.Meter

	// DialTimeout bounds the TCP dial. Zero means DefaultDialTimeout.
	DialTimeout time.Duration
}

func (cl *Client) pool() *Pool {
	if cl.Pool != nil {
		return cl.Pool
	}
	return DefaultPool
}

func (cl *Client) logger() obs.Logger {
	if cl.Logger != nil {
		return cl.Logger
	}
	return obs.Default()
}

func (cl *Client) meter() obs.Meter {
	if cl.Meter != nil {
		return cl.Meter
	}
	return obs.NopMeter{}
}

func (cl *Client) target() string {
	host := cl.Host
	if host == "" {
		host = "localhost"
	}
	port := cl.Port
	if port == 0 {
		port = DefaultPort()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Connect dials, installs the stages, and blocks until the connection
// is active. With TLS configured that means the handshake finished; a
// failed handshake surfaces here, never as a live plaintext channel.
func (cl *Client) Connect(ctx context.Context) (*Conn, error) {
	target := cl.target()
	dialAddr := target
	if tunnel := cl.Proxy.addressFor(target); tunnel != "" {
		dialAddr = tunnel
	}

	// TLS record framing defeats the zero-copy file path, so a TLS
	// client always takes the portable group.
	group := cl.pool().ClientGroup(!cl.Portable && cl.TLS == nil)

	timeout := cl.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		cl.meter().Counter("netwire_client_dial_failures_total", 1,
			obs.Label{Key: "target", Value: target})
		return nil, err
	}

	c := newConn(nc, group, connConfig{
		outbound: true,
		target:   target,
		log:      cl.logger(),
	})
	if err := group.register(ctx, c); err != nil {
		nc.Close()
		return nil, err
	}

	var stats StatsListener
	if cl.Stats != nil {
		stats = cl.Stats(target)
	}
	InstallStages(c, StageConfig{
		Proxy:    cl.Proxy,
		TLS:      cl.TLS,
		Throttle: cl.Throttle,
		Stats:    stats,
		Logger:   cl.logger(),
	})

	start := time.Now()
	c.activate()
	select {
	case <-c.Ready():
		cl.meter().Counter("netwire_client_connects_total", 1,
			obs.Label{Key: "target", Value: target})
		cl.meter().Histogram("netwire_client_connect_seconds",
			time.Since(start).Seconds(),
			obs.Label{Key: "target", Value: target})
		return c, nil
	case <-c.OnDispose():
		err := c.Err()
		if err == nil {
			err = ErrDisposed
		}
		cl.meter().Counter("netwire_client_dial_failures_total", 1,
			obs.Label{Key: "target", Value: target})
		return nil, err
	case <-ctx.Done():
		c.Dispose()
		return nil, ctx.Err()
	}
}

// Handle connects, runs the handler over the connection's bridges, and
// disposes the connection when the handler returns.
func (cl *Client) Handle(ctx context.Context, h Handler) error {
	c, err := cl.Connect(ctx)
	if err != nil {
		return err
	}
	defer c.Dispose()
	if err := h(c.Inbound(), c.Outbound()); err != nil {
		c.connectionError(err)
		return err
	}
	return c.Outbound().Complete()
}
