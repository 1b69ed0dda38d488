package tcpx

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"dqx0.com/go/netwire/internal/obs"
)

// Role distinguishes the client-side and server-side worker groups.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// DefaultGroupCapacity bounds how many connections a group runs at once.
const DefaultGroupCapacity = 1024

// Pool owns the shared worker groups used by every client and server
// created without an explicit override. Groups are created lazily and
// memoized per (role, native) pair; the first caller pays the
// initialization cost, later callers share the same group.
type Pool struct {
	Capacity int64
	Logger   obs.Logger

	mu     sync.Mutex
	groups map[groupKey]*Group
}

type groupKey struct {
	role   Role
	native bool
}

// DefaultPool is shared by clients and servers that do not carry their
// own Pool.
var DefaultPool = &Pool{}

// ClientGroup returns the shared client-side group. useNative selects
// the zero-copy capable backend, honored only where the platform
// default enables it; callers with a TLS engine must pass false, since
// the native path cannot serve a TLS-wrapped connection.
func (p *Pool) ClientGroup(useNative bool) *Group {
	return p.group(RoleClient, useNative)
}

// ServerGroup is the accept-side counterpart of ClientGroup.
func (p *Pool) ServerGroup(useNative bool) *Group {
	return p.group(RoleServer, useNative)
}

func (p *Pool) group(role Role, useNative bool) *Group {
	native := useNative && NativeDefault()
	key := groupKey{role: role, native: native}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groups == nil {
		p.groups = make(map[groupKey]*Group)
	}
	if g, ok := p.groups[key]; ok {
		return g
	}
	cap := p.Capacity
	if cap <= 0 {
		cap = DefaultGroupCapacity
	}
	g := &Group{
		id:     uuid.NewString(),
		role:   role,
		native: native,
		sem:    semaphore.NewWeighted(cap),
		conns:  make(map[*Conn]struct{}),
	}
	p.groups[key] = g
	p.logger().Logf(obs.Debug, "created %s worker group %s (native=%v)", role, g.id, native)
	return g
}

// Shutdown tears down every group. It is idempotent and the only path
// that releases groups; it must not race with connection creation.
// Acquiring a group afterwards produces a fresh one.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	groups := p.groups
	p.groups = nil
	p.mu.Unlock()
	for _, g := range groups {
		g.shutdown()
	}
}

func (p *Pool) logger() obs.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return obs.NopLogger{}
}

// Group is a reference-counted set of connection workers. Connections
// register on creation and release on disposal; the group is never torn
// down implicitly while registered connections exist.
type Group struct {
	id     string
	role   Role
	native bool
	sem    *semaphore.Weighted

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func (g *Group) ID() string   { return g.id }
func (g *Group) Role() Role   { return g.role }
func (g *Group) Native() bool { return g.native }

func (g *Group) register(ctx context.Context, c *Conn) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	g.mu.Unlock()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		g.sem.Release(1)
		return ErrGroupClosed
	}
	g.conns[c] = struct{}{}
	return nil
}

func (g *Group) release(c *Conn) {
	g.mu.Lock()
	_, ok := g.conns[c]
	if ok {
		delete(g.conns, c)
	}
	g.mu.Unlock()
	if ok {
		g.sem.Release(1)
	}
}

func (g *Group) shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.Dispose()
	}
}

// NativeDefault reports whether the platform enables the zero-copy
// transport path by default.
func NativeDefault() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "dragonfly", "solaris":
		return true
	}
	return false
}

var (
	defaultPortOnce sync.Once
	defaultPort     int
)

// DefaultPort is the listening port for a bare server and the target
// port for a bare client. It reads the PORT environment variable once
// at first use; absence yields 12012.
func DefaultPort() int {
	defaultPortOnce.Do(func() {
		defaultPort = 12012
		if v := os.Getenv("PORT"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				defaultPort = n
			}
		}
	})
	return defaultPort
}
