// Package lifecycle drives the process state machine: Running accepts new
// connections, Draining finishes in-flight work while refusing new
// sessions, Terminated is final. It also owns the zero-downtime handover:
// a successor process inherits the listening sockets as open file
// descriptors while the predecessor drains.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/logging"
	"github.com/iwanaga/nghttp2/internal/metrics"
)

// State is the process life-cycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Session is the slice of a frontend session the controller manages.
type Session interface {
	ID() string
	Drain()
	Close(cause error)
	Closed() bool
	IdleSince() time.Time
}

// readyFDEnv names the descriptor a successor process signals on once it
// accepts connections.
const readyFDEnv = "NGHTTPX_READY_FD"

// Controller tracks live sessions and the process state.
type Controller struct {
	logger *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	sessions map[string]Session

	// terminated closes once the last session after Drain is gone.
	terminated chan struct{}
	termOnce   sync.Once

	// DrainGrace force-closes sessions that outlive a drain.
	DrainGrace time.Duration
	// SwapTimeout bounds the wait for a successor's readiness signal.
	SwapTimeout time.Duration
}

// New creates a controller in the Running state.
func New(logger *zap.Logger) *Controller {
	return &Controller{
		logger:      logger,
		sessions:    make(map[string]Session),
		terminated:  make(chan struct{}),
		DrainGrace:  30 * time.Second,
		SwapTimeout: 30 * time.Second,
	}
}

// State returns the current process state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Ready reports whether new connections are welcome. The transport refuses
// accepts when this is false.
func (c *Controller) Ready() bool { return c.State() == StateRunning }

// Register tracks a new session. It fails during drain so the transport
// can refuse the connection.
func (c *Controller) Register(s Session) error {
	if c.State() != StateRunning {
		return errors.New("not accepting new sessions")
	}
	c.mu.Lock()
	c.sessions[s.ID()] = s
	n := len(c.sessions)
	c.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	return nil
}

// Unregister drops a finished session and completes termination when the
// drain is waiting on it.
func (c *Controller) Unregister(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	n := len(c.sessions)
	c.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
	if n == 0 && c.State() == StateDraining {
		c.finishTermination()
	}
}

// ForEach calls fn for a snapshot of the tracked sessions.
func (c *Controller) ForEach(fn func(Session)) {
	c.mu.Lock()
	live := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()
	for _, s := range live {
		fn(s)
	}
}

// SessionCount returns the number of tracked sessions.
func (c *Controller) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Drain moves to Draining: every session is told to finish and refuse new
// streams, and once the last one closes the process is Terminated. Calling
// Drain again is a no-op.
func (c *Controller) Drain() {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	c.logger.Info("draining", zap.Int("sessions", c.SessionCount()))

	c.mu.Lock()
	live := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	empty := len(live) == 0
	c.mu.Unlock()

	for _, s := range live {
		s.Drain()
	}
	if empty {
		c.finishTermination()
		return
	}

	grace := c.DrainGrace
	go func() {
		select {
		case <-c.terminated:
			return
		case <-time.After(grace):
		}
		c.mu.Lock()
		stuck := make([]Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			stuck = append(stuck, s)
		}
		c.mu.Unlock()
		for _, s := range stuck {
			s.Close(errors.New("drain grace period expired"))
		}
	}()
}

// Shutdown force-closes everything regardless of state.
func (c *Controller) Shutdown() {
	c.state.Store(int32(StateTerminated))
	c.mu.Lock()
	live := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.sessions = make(map[string]Session)
	c.mu.Unlock()
	for _, s := range live {
		s.Close(errors.New("shutting down"))
	}
	c.finishTermination()
}

func (c *Controller) finishTermination() {
	c.termOnce.Do(func() {
		c.state.Store(int32(StateTerminated))
		close(c.terminated)
		c.logger.Info("terminated")
	})
}

// Terminated returns a channel closed once the process reached its final
// state.
func (c *Controller) Terminated() <-chan struct{} { return c.terminated }

// LogReopen re-opens log sinks after rotation. TLS material and listener
// sockets are untouched; collaborators that rotate their own state hook in
// through the logging package.
func (c *Controller) LogReopen() {
	logging.Reopen()
	c.logger.Info("log files reopened")
}

// HotSwap spawns a successor process and waits for its readiness signal
// before draining this one. The successor shares the port through
// SO_REUSEPORT; until the signal arrives the predecessor keeps full
// service, so a replacement that dies during startup leaves no gap.
func (c *Controller) HotSwap(binary string, args []string) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("readiness pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=3", readyFDEnv))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return fmt.Errorf("start successor: %w", err)
	}
	// The child holds the only remaining write end; its exit closes the
	// pipe, which the wait below reads as a failed startup.
	_ = w.Close()
	c.logger.Info("successor started", zap.Int("pid", cmd.Process.Pid))
	go func() { _ = cmd.Wait() }()

	ready := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		n, err := r.Read(buf)
		if n == 1 {
			ready <- nil
			return
		}
		if err == nil {
			err = io.EOF
		}
		ready <- err
	}()

	timeout := c.SwapTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("successor never became ready: %w", err)
		}
	case <-time.After(timeout):
		return errors.New("successor readiness timeout")
	}

	// The successor accepts connections now; this process serves out its
	// remaining streams and exits.
	c.logger.Info("successor ready, draining", zap.Int("pid", cmd.Process.Pid))
	c.Drain()
	return nil
}

// SignalReady notifies a waiting predecessor that this process accepts
// connections. Started without a handover in progress it does nothing.
func SignalReady() {
	v := os.Getenv(readyFDEnv)
	if v == "" {
		return
	}
	// The descriptor is signaled at most once; the variable is cleared so
	// a later call cannot write to a recycled fd.
	_ = os.Unsetenv(readyFDEnv)
	var fd int
	if _, err := fmt.Sscanf(v, "%d", &fd); err != nil || fd < 3 {
		return
	}
	f := os.NewFile(uintptr(fd), "ready-pipe")
	if f == nil {
		return
	}
	_, _ = f.Write([]byte{1})
	_ = f.Close()
}
