package portarbiter

import "testing"

func TestNewSwapsReversedRange(t *testing.T) {
	a, err := New(100, 50)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lo, hi := a.Range()
	if lo != 50 || hi != 100 {
		t.Errorf("expected [50,100], got [%d,%d]", lo, hi)
	}
}

func TestNewClampsToValidPortRange(t *testing.T) {
	a, err := New(0, 70000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lo, hi := a.Range()
	if lo != 1 || hi != 65535 {
		t.Errorf("expected [1,65535], got [%d,%d]", lo, hi)
	}
}

func TestNewEmptyRangeFails(t *testing.T) {
	if _, err := New(70000, 70001); err == nil {
		t.Error("expected error for out-of-range empty result")
	}
}

func TestReserveLeftmostBindable(t *testing.T) {
	a, err := New(40000, 40010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetProbeBindForTest(func(port int) bool { return true })

	got := a.ReserveLeftmostBindable()
	if got != 40000 {
		t.Errorf("expected leftmost port 40000, got %d", got)
	}
	got2 := a.ReserveLeftmostBindable()
	if got2 != 40001 {
		t.Errorf("expected next leftmost port 40001, got %d", got2)
	}
	if a.Held() != 2 {
		t.Errorf("expected 2 held, got %d", a.Held())
	}
}

func TestReserveSkipsUnbindablePorts(t *testing.T) {
	a, err := New(40000, 40005)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 40000 and 40001 fail to bind (e.g. already in use by something else);
	// 40002 succeeds.
	unbindable := map[int]bool{40000: true, 40001: true}
	a.SetProbeBindForTest(func(port int) bool { return !unbindable[port] })

	got := a.ReserveLeftmostBindable()
	if got != 40002 {
		t.Errorf("expected 40002, got %d", got)
	}

	// The scratch rollback must have restored 40000/40001 to free so a
	// later real bind attempt on them can be retried.
	a.SetProbeBindForTest(func(port int) bool { return true })
	got2 := a.ReserveLeftmostBindable()
	if got2 != 40000 {
		t.Errorf("expected rollback to restore 40000 as leftmost, got %d", got2)
	}
}

func TestReserveExhaustedReturnsMinusOne(t *testing.T) {
	a, err := New(40000, 40002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetProbeBindForTest(func(port int) bool { return false })

	if got := a.ReserveLeftmostBindable(); got != -1 {
		t.Errorf("expected -1 when no port can bind, got %d", got)
	}
	// Everything should have rolled back to free, not leaked as held.
	if a.Held() != 0 {
		t.Errorf("expected 0 held after full rollback, got %d", a.Held())
	}
}

func TestReleaseOutsideRangeIsNoop(t *testing.T) {
	a, err := New(40000, 40002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Release(39999)
	a.Release(50000)
	if a.Held() != 0 {
		t.Errorf("expected 0 held, got %d", a.Held())
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	a, err := New(40000, 40010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetProbeBindForTest(func(port int) bool { return true })

	held := make(map[int]bool)
	for i := 0; i < 11; i++ {
		p := a.ReserveLeftmostBindable()
		if p < 40000 || p > 40010 {
			t.Fatalf("port %d out of range", p)
		}
		if held[p] {
			t.Fatalf("port %d reserved twice", p)
		}
		held[p] = true
	}
	// Pool exhausted now.
	if p := a.ReserveLeftmostBindable(); p != -1 {
		t.Fatalf("expected exhaustion, got %d", p)
	}

	for p := range held {
		a.Release(p)
	}
	if a.Held() != 0 {
		t.Errorf("expected 0 held after releasing all, got %d", a.Held())
	}
}
