package lifecycle

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSession struct {
	mu      sync.Mutex
	id      string
	drained bool
	closed  bool
	idle    time.Time
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Drain() {
	f.mu.Lock()
	f.drained = true
	f.mu.Unlock()
}

func (f *fakeSession) Close(error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) Drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

func (f *fakeSession) IdleSince() time.Time { return f.idle }

func TestController_RegisterUnregister(t *testing.T) {
	c := New(zap.NewNop())
	if !c.Ready() {
		t.Fatal("new controller should be Ready")
	}

	s := &fakeSession{id: "a"}
	if err := c.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if c.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", c.SessionCount())
	}
	c.Unregister("a")
	if c.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", c.SessionCount())
	}
	// Unregister with no drain pending must not terminate the process.
	select {
	case <-c.Terminated():
		t.Error("terminated without a drain")
	default:
	}
}

func TestController_DrainRefusesNewSessions(t *testing.T) {
	c := New(zap.NewNop())
	s := &fakeSession{id: "a"}
	if err := c.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	c.Drain()
	if c.State() != StateDraining {
		t.Fatalf("State() = %v, want draining", c.State())
	}
	if !s.Drained() {
		t.Error("live session was not told to drain")
	}
	if err := c.Register(&fakeSession{id: "b"}); err == nil {
		t.Error("Register() during drain should fail")
	}

	// The last session leaving finishes termination.
	c.Unregister("a")
	select {
	case <-c.Terminated():
	case <-time.After(time.Second):
		t.Fatal("termination did not complete")
	}
	if c.State() != StateTerminated {
		t.Errorf("State() = %v, want terminated", c.State())
	}
}

func TestController_DrainWithNoSessionsTerminatesImmediately(t *testing.T) {
	c := New(zap.NewNop())
	c.Drain()
	select {
	case <-c.Terminated():
	case <-time.After(time.Second):
		t.Fatal("empty drain should terminate immediately")
	}
}

func TestController_DrainGraceForceCloses(t *testing.T) {
	c := New(zap.NewNop())
	c.DrainGrace = 10 * time.Millisecond

	s := &fakeSession{id: "stuck"}
	if err := c.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c.Drain()

	deadline := time.Now().Add(time.Second)
	for !s.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("session not force-closed after grace period")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestController_Shutdown(t *testing.T) {
	c := New(zap.NewNop())
	s1 := &fakeSession{id: "a"}
	s2 := &fakeSession{id: "b"}
	if err := c.Register(s1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(s2); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	c.Shutdown()
	if !s1.Closed() || !s2.Closed() {
		t.Error("Shutdown() must close every session")
	}
	select {
	case <-c.Terminated():
	default:
		t.Error("Shutdown() must terminate")
	}
	if c.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after shutdown", c.SessionCount())
	}
}

func TestController_SecondDrainIsNoop(t *testing.T) {
	c := New(zap.NewNop())
	s := &fakeSession{id: "a"}
	if err := c.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	c.Drain()
	c.Drain()
	if c.State() != StateDraining {
		t.Errorf("State() = %v", c.State())
	}
}

func TestController_HotSwapWaitsForReadiness(t *testing.T) {
	c := New(zap.NewNop())
	// The successor signals on inherited descriptor 3; with no live
	// sessions the drain that follows terminates immediately.
	if err := c.HotSwap("/bin/sh", []string{"-c", "printf x >&3"}); err != nil {
		t.Fatalf("HotSwap() error = %v", err)
	}
	select {
	case <-c.Terminated():
	case <-time.After(time.Second):
		t.Fatal("predecessor did not drain after the readiness signal")
	}
}

func TestController_HotSwapFailedSuccessorKeepsServing(t *testing.T) {
	c := New(zap.NewNop())
	// A successor that exits before signaling must not trigger a drain.
	if err := c.HotSwap("/bin/sh", []string{"-c", "exit 1"}); err == nil {
		t.Fatal("HotSwap() expected error for a successor that dies during startup")
	}
	if c.State() != StateRunning {
		t.Errorf("State() = %v, want running", c.State())
	}
	if !c.Ready() {
		t.Error("controller must keep accepting after a failed swap")
	}
}

func TestController_HotSwapMissingBinary(t *testing.T) {
	c := New(zap.NewNop())
	if err := c.HotSwap("/nonexistent/no-such-binary", nil); err == nil {
		t.Fatal("HotSwap() expected error for a missing binary")
	}
	if c.State() != StateRunning {
		t.Errorf("State() = %v, want running", c.State())
	}
}

func TestSignalReady(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	t.Setenv("NGHTTPX_READY_FD", strconv.Itoa(int(w.Fd())))

	SignalReady()
	runtime.KeepAlive(w)

	buf := make([]byte, 1)
	if n, err := r.Read(buf); err != nil || n != 1 {
		t.Fatalf("Read() = %d, %v; want the readiness byte", n, err)
	}
}

func TestController_ForEach(t *testing.T) {
	c := New(zap.NewNop())
	for _, id := range []string{"a", "b", "c"} {
		if err := c.Register(&fakeSession{id: id}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	seen := map[string]bool{}
	c.ForEach(func(s Session) { seen[s.ID()] = true })
	if len(seen) != 3 {
		t.Errorf("ForEach visited %d sessions, want 3", len(seen))
	}
}
