package ipc

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

type stubIdentity struct {
	users  map[uint32]string
	groups map[uint32]string
}

func (s stubIdentity) LookupUser(uid uint32) (string, bool) {
	n, ok := s.users[uid]
	return n, ok
}

func (s stubIdentity) LookupGroup(gid uint32) (string, bool) {
	n, ok := s.groups[gid]
	return n, ok
}

type stubPorts struct {
	next     int
	held     map[int]bool
	exhausted bool
}

func (p *stubPorts) ReserveLeftmostBindable() int {
	if p.exhausted {
		return -1
	}
	if p.held == nil {
		p.held = map[int]bool{}
	}
	p.next++
	p.held[p.next] = true
	return p.next
}

func (p *stubPorts) Release(port int) {
	delete(p.held, port)
}

func newTestPair(t *testing.T) (*Client, *Host) {
	t.Helper()
	a, b := net.Pipe()
	identity := stubIdentity{
		users:  map[uint32]string{1000: "alice"},
		groups: map[uint32]string{1000: "alice"},
	}
	ports := &stubPorts{}
	host := NewHost(b, identity, ports, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go host.Serve()
	return NewClient(a), host
}

func TestLookupUserKnown(t *testing.T) {
	c, _ := newTestPair(t)
	defer c.Close()

	name, err := c.LookupUser(1000)
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if name != "alice" {
		t.Errorf("name = %q, want alice", name)
	}
}

func TestLookupUserUnknown(t *testing.T) {
	c, _ := newTestPair(t)
	defer c.Close()

	name, err := c.LookupUser(9999)
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if name != "unknown" {
		t.Errorf("name = %q, want unknown", name)
	}
}

func TestLookupGroup(t *testing.T) {
	c, _ := newTestPair(t)
	defer c.Close()

	name, err := c.LookupGroup(1000)
	if err != nil {
		t.Fatalf("LookupGroup: %v", err)
	}
	if name != "alice" {
		t.Errorf("name = %q, want alice", name)
	}
}

func TestReservePassivePortRoundTrip(t *testing.T) {
	c, host := newTestPair(t)
	defer c.Close()

	port, ok, err := c.ReservePassivePort()
	if err != nil {
		t.Fatalf("ReservePassivePort: %v", err)
	}
	if !ok || port != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", port, ok)
	}
	if host.HeldPort() != 1 {
		t.Errorf("host.HeldPort() = %d, want 1", host.HeldPort())
	}

	if err := c.ReleasePassivePort(port); err != nil {
		t.Fatalf("ReleasePassivePort: %v", err)
	}
	if host.HeldPort() != 0 {
		t.Errorf("expected held port cleared, got %d", host.HeldPort())
	}
}

func TestReservePassivePortExhausted(t *testing.T) {
	a, b := net.Pipe()
	ports := &stubPorts{exhausted: true}
	host := NewHost(b, stubIdentity{}, ports, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go host.Serve()
	c := NewClient(a)
	defer c.Close()

	_, ok, err := c.ReservePassivePort()
	if err != nil {
		t.Fatalf("ReservePassivePort: %v", err)
	}
	if ok {
		t.Error("expected exhausted pool to report ok=false")
	}
}

func TestAskTimesOutWhenSupervisorHangs(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := NewClient(a)
	c.SetTimeout(50 * time.Millisecond)
	defer c.Close()

	_, err := c.LookupUser(1)
	if err == nil {
		t.Fatal("expected timeout error when nothing answers")
	}
}
