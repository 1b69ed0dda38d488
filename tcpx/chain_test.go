package tcpx

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type namedStage struct{ name string }

func (s *namedStage) Name() string { return s.name }

type recordingActive struct {
	name  string
	fired *[]string
}

func (s *recordingActive) Name() string { return s.name }

func (s *recordingActive) OnActive(ctx *ChainContext) {
	*s.fired = append(*s.fired, s.name)
	ctx.FireActive()
}

func TestChainOrdering(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{})
	ch := c.Chain()

	ch.AddLast(&namedStage{name: "b"})
	ch.AddFirst(&namedStage{name: "a"})
	if err := ch.AddAfter("a", &namedStage{name: "a2"}); err != nil {
		t.Fatalf("add after: %v", err)
	}
	ch.AddLast(&namedStage{name: "z"})

	want := []string{"a", "a2", "b", "z"}
	if diff := cmp.Diff(want, ch.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestChainReinstallReplacesInPlace(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{})
	ch := c.Chain()

	ch.AddLast(&namedStage{name: "tls"})
	ch.AddLast(&namedStage{name: "stats"})

	repl := &namedStage{name: "tls"}
	ch.AddFirst(repl)

	want := []string{"tls", "stats"}
	if diff := cmp.Diff(want, ch.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if ch.Get("tls") != Stage(repl) {
		t.Fatal("stage was not replaced")
	}
}

func TestChainRemoveAbsent(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{})
	ch := c.Chain()

	ch.AddLast(&namedStage{name: "only"})
	if ch.Remove("ghost") {
		t.Fatal("removed a stage that was never installed")
	}
	if diff := cmp.Diff([]string{"only"}, ch.Names()); diff != "" {
		t.Fatalf("residual chain changed (-want +got):\n%s", diff)
	}
	if !ch.Remove("only") {
		t.Fatal("failed to remove installed stage")
	}
}

func TestChainActivePropagationOrder(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{})
	ch := c.Chain()

	var fired []string
	ch.AddLast(&recordingActive{name: "first", fired: &fired})
	ch.AddLast(&namedStage{name: "inert"})
	ch.AddLast(&recordingActive{name: "second", fired: &fired})

	c.activate()
	waitFor(t, c.Ready(), "active")
	if diff := cmp.Diff([]string{"first", "second"}, fired); diff != "" {
		t.Fatalf("propagation order (-want +got):\n%s", diff)
	}
}

// selfRemoving mimics the handshake reader: it removes itself during
// propagation and still forwards the signal.
type selfRemoving struct {
	name string
}

func (s *selfRemoving) Name() string { return s.name }

func (s *selfRemoving) OnActive(ctx *ChainContext) {
	ctx.Conn().Chain().Remove(s.name)
	ctx.FireActive()
}

func TestChainSelfRemovalDuringPropagation(t *testing.T) {
	nc, _ := tcpPair(t)
	c := testConn(t, nc, connConfig{})
	ch := c.Chain()

	var fired []string
	ch.AddLast(&selfRemoving{name: "reader"})
	ch.AddLast(&recordingActive{name: "tail", fired: &fired})

	c.activate()
	waitFor(t, c.Ready(), "active")
	if diff := cmp.Diff([]string{"tail"}, fired); diff != "" {
		t.Fatalf("tail not reached (-want +got):\n%s", diff)
	}
	if ch.Get("reader") != nil {
		t.Fatal("reader still installed after self-removal")
	}
}
