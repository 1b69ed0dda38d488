package httpx

import (
	"net/url"
	"sync/atomic"

	"dqx0.com/go/netwire/tcpx"
)

// DefaultMaxRedirects bounds a redirect chain when the client leaves
// MaxRedirects at zero.
const DefaultMaxRedirects = 16

// attemptTarget is the bridge's view of where the exchange currently
// points and how it got there. Swapped wholesale so readers on other
// goroutines always see a consistent pair.
type attemptTarget struct {
	url     *url.URL
	history []string
}

// retryBridge drives one logical exchange across redirects and peer
// resets. Each physical attempt gets a fresh connection; the bridge
// only carries the target and the accumulated history between them.
type retryBridge struct {
	maxRedirects int  // negative means unbounded
	retryResets  bool

	target    atomic.Pointer[attemptTarget]
	redirects int
	resets    int
}

func newRetryBridge(u *url.URL, maxRedirects int, retryResets bool) *retryBridge {
	if maxRedirects == 0 {
		maxRedirects = DefaultMaxRedirects
	}
	b := &retryBridge{maxRedirects: maxRedirects, retryResets: retryResets}
	b.target.Store(&attemptTarget{url: u})
	return b
}

func (b *retryBridge) current() *attemptTarget { return b.target.Load() }

// isRedirect reports whether status names a redirect the bridge can
// follow.
func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// followRedirect moves the target to location and appends the URI being
// left behind to the history, exactly once per redirect.
func (b *retryBridge) followRedirect(location string) error {
	cur := b.current()
	if b.maxRedirects >= 0 && b.redirects >= b.maxRedirects {
		return ErrTooManyRedirects
	}
	next, err := cur.url.Parse(location)
	if err != nil {
		return err
	}
	history := make([]string, len(cur.history)+1)
	copy(history, cur.history)
	history[len(cur.history)] = cur.url.String()
	b.target.Store(&attemptTarget{url: next, history: history})
	b.redirects++
	return nil
}

// shouldRetryReset reports whether a failed attempt may be replayed
// against the same target. The history stays untouched: a reset retry
// is the same hop, not a new one.
func (b *retryBridge) shouldRetryReset(r *Request, err error) bool {
	if !b.retryResets || b.resets > 0 {
		return false
	}
	if !tcpx.IsConnectionReset(err) {
		return false
	}
	if !r.idempotent() {
		return false
	}
	b.resets++
	return true
}

// redirectMethod maps the request method across a redirect status.
// 303 always becomes GET; 301 and 302 demote POST; 307 and 308 keep
// the method.
func redirectMethod(status int, method string) string {
	switch status {
	case 303:
		return "GET"
	case 301, 302:
		if method == "POST" {
			return "GET"
		}
	}
	return method
}
