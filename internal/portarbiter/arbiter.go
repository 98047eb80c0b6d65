// Package portarbiter implements a segment-tree-backed leftmost-free port
// allocator for passive-mode data connections.
//
// Only the supervisor process calls into an Arbiter, but it does so from
// several goroutines (one IPC host per worker, plus each worker's reaping
// goroutine releasing a leftover port); the tree is protected by a mutex,
// which serializes those reserve/release calls.
package portarbiter

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Arbiter tracks availability of ports in [Lo, Hi] and hands out the
// leftmost port that both (a) is marked free and (b) can be bound at the
// instant of the call.
type Arbiter struct {
	mu   sync.Mutex
	lo   int
	hi   int
	tree []int // 1-based segment tree over n = hi-lo+1 leaves; leaf i -> port lo+i
	n    int

	// probeBind is overridable in tests; defaults to a real bind-probe.
	probeBind func(port int) bool
}

// New builds an arbiter over [lo, hi], swapping the bounds if reversed and
// clamping to the valid TCP port range. It fails only if the resulting
// range is empty.
func New(lo, hi int) (*Arbiter, error) {
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo < 1 {
		lo = 1
	}
	if hi > 65535 {
		hi = 65535
	}
	n := hi - lo + 1
	if n <= 0 {
		return nil, fmt.Errorf("portarbiter: empty range [%d,%d]", lo, hi)
	}

	a := &Arbiter{
		lo:   lo,
		hi:   hi,
		n:    n,
		tree: make([]int, 4*n),
	}
	a.build(1, 0, n-1)
	a.probeBind = defaultProbeBind
	return a, nil
}

func (a *Arbiter) build(v, tl, tr int) {
	if tl == tr {
		a.tree[v] = 1
		return
	}
	tm := (tl + tr) / 2
	a.build(v*2, tl, tm)
	a.build(v*2+1, tm+1, tr)
	a.tree[v] = a.tree[v*2] + a.tree[v*2+1]
}

func (a *Arbiter) update(v, tl, tr, i, val int) {
	if tl == tr {
		a.tree[v] = val
		return
	}
	tm := (tl + tr) / 2
	if i <= tm {
		a.update(v*2, tl, tm, i, val)
	} else {
		a.update(v*2+1, tm+1, tr, i, val)
	}
	a.tree[v] = a.tree[v*2] + a.tree[v*2+1]
}

func (a *Arbiter) leftmostPositive(v, tl, tr int) int {
	if a.tree[v] == 0 {
		return -1
	}
	if tl == tr {
		return tl
	}
	tm := (tl + tr) / 2
	if a.tree[v*2] > 0 {
		return a.leftmostPositive(v*2, tl, tm)
	}
	return a.leftmostPositive(v*2+1, tm+1, tr)
}

// ReserveLeftmostBindable repeatedly finds the leftmost free port and
// probes it with a transient bind. The first port that binds successfully
// is marked held and returned. Ports that fail to bind are temporarily
// marked held so the next search skips them, then restored to free once
// the search concludes (success or exhaustion). Returns -1 if no port in
// the range can be bound right now.
//
// The caller must promptly bind its own real listener on the returned
// port; a race window exists between this probe and that bind, and the
// caller must be prepared to Release and retry if its own bind fails.
func (a *Arbiter) ReserveLeftmostBindable() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var scratch []int
	defer func() {
		for _, i := range scratch {
			a.update(1, 0, a.n-1, i, 1)
		}
	}()

	for {
		i := a.leftmostPositive(1, 0, a.n-1)
		if i < 0 {
			return -1
		}
		port := a.lo + i

		if a.probeBind(port) {
			a.update(1, 0, a.n-1, i, 0)
			return port
		}

		a.update(1, 0, a.n-1, i, 0)
		scratch = append(scratch, i)
	}
}

// Release returns port to the free pool. Ports outside [Lo, Hi] are a no-op.
func (a *Arbiter) Release(port int) {
	if port < a.lo || port > a.hi {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.update(1, 0, a.n-1, port-a.lo, 1)
}

// Held reports how many ports are currently held, for tests and metrics.
func (a *Arbiter) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n - a.tree[1]
}

// Range returns the configured [lo, hi] bounds.
func (a *Arbiter) Range() (int, int) {
	return a.lo, a.hi
}

// defaultProbeBind attempts a transient bind on INADDR_ANY and closes it
// immediately; it never leaves a listening socket behind.
func defaultProbeBind(port int) bool {
	ln, err := net.Listen("tcp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// SetProbeBindForTest overrides the bind probe; used only by tests that
// need deterministic bind outcomes without touching real sockets.
func (a *Arbiter) SetProbeBindForTest(f func(port int) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probeBind = f
}
