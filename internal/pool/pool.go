// Package pool manages HTTP/1.1 backend connections: a bounded set per
// target with an idle list for keep-alive reuse, a reaper that retires
// connections past their idle or lifetime limits, and a circuit breaker per
// target so a dead backend fails fast instead of stacking dial timeouts.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/session"
)

// Config bounds the pool's behaviour.
type Config struct {
	// MaxPerTarget caps live connections per backend address.
	MaxPerTarget int
	// MaxIdlePerTarget caps connections parked for reuse.
	MaxIdlePerTarget int
	// IdleTimeout retires a parked connection that sat unused this long.
	IdleTimeout time.Duration
	// MaxLifetime retires a connection regardless of activity.
	MaxLifetime time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerTarget <= 0 {
		c.MaxPerTarget = 64
	}
	if c.MaxIdlePerTarget <= 0 {
		c.MaxIdlePerTarget = 16
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 10 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

type targetState struct {
	idle    []*session.Backend
	live    int
	breaker *gobreaker.CircuitBreaker
}

// Pool hands out backend connections, preferring parked keep-alive ones.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	dialer net.Dialer

	mu      sync.Mutex
	targets map[string]*targetState
	closed  bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a pool and starts its reaper.
func New(cfg Config, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		targets:    make(map[string]*targetState),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *Pool) state(target string) *targetState {
	ts, ok := p.targets[target]
	if !ok {
		ts = &targetState{
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        target,
				MaxRequests: 1,
				Interval:    30 * time.Second,
				Timeout:     10 * time.Second,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= 3
				},
			}),
		}
		p.targets[target] = ts
	}
	return ts
}

// Acquire returns a connection to target, reused=true when it came from
// the idle list. The caller owns the connection until Release or Discard.
func (p *Pool) Acquire(ctx context.Context, target string) (b *session.Backend, reused bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, &proto.BackendError{Target: target, Err: context.Canceled}
	}
	ts := p.state(target)

	// Stale entries are closed in place; freshness is re-checked at
	// acquire time, not only by the reaper.
	for len(ts.idle) > 0 {
		last := len(ts.idle) - 1
		cand := ts.idle[last]
		ts.idle = ts.idle[:last]
		if cand.IdleFor() > p.cfg.IdleTimeout || cand.Age() > p.cfg.MaxLifetime {
			ts.live--
			p.mu.Unlock()
			_ = cand.Close()
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		metrics.PoolReuse.Inc()
		metrics.BackendDials.WithLabelValues("reused").Inc()
		return cand, true, nil
	}

	if ts.live >= p.cfg.MaxPerTarget {
		p.mu.Unlock()
		return nil, false, &proto.BackendError{Target: target, Err: errExhausted}
	}
	ts.live++
	breaker := ts.breaker
	p.mu.Unlock()

	conn, err := p.dial(ctx, breaker, target)
	if err != nil {
		p.mu.Lock()
		ts.live--
		p.mu.Unlock()
		metrics.BackendDials.WithLabelValues("error").Inc()
		return nil, false, err
	}
	metrics.BackendDials.WithLabelValues("new").Inc()
	return session.NewBackend(conn, target), false, nil
}

func (p *Pool) dial(ctx context.Context, breaker *gobreaker.CircuitBreaker, target string) (net.Conn, error) {
	v, err := breaker.Execute(func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		return p.dialer.DialContext(dctx, "tcp", target)
	})
	if err != nil {
		return nil, &proto.BackendError{Target: target, Err: err}
	}
	return v.(net.Conn), nil
}

// Release returns a connection after a clean exchange. Connections that are
// not reusable, or that exceed the idle capacity, are closed instead.
func (p *Pool) Release(b *session.Backend) {
	if !b.Reusable() {
		p.Discard(b)
		return
	}
	b.MarkIdle()
	p.mu.Lock()
	ts := p.state(b.Target())
	if p.closed || len(ts.idle) >= p.cfg.MaxIdlePerTarget {
		ts.live--
		p.mu.Unlock()
		_ = b.Close()
		return
	}
	ts.idle = append(ts.idle, b)
	p.mu.Unlock()
}

// Discard closes a connection that must not be reused.
func (p *Pool) Discard(b *session.Backend) {
	p.mu.Lock()
	if ts, ok := p.targets[b.Target()]; ok {
		ts.live--
	}
	p.mu.Unlock()
	_ = b.Close()
}

// reap walks the idle lists retiring expired connections.
func (p *Pool) reap() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
		}
		var doomed []*session.Backend
		p.mu.Lock()
		for _, ts := range p.targets {
			kept := ts.idle[:0]
			for _, b := range ts.idle {
				if b.IdleFor() > p.cfg.IdleTimeout || b.Age() > p.cfg.MaxLifetime {
					doomed = append(doomed, b)
					ts.live--
					continue
				}
				kept = append(kept, b)
			}
			ts.idle = kept
		}
		p.mu.Unlock()
		for _, b := range doomed {
			_ = b.Close()
		}
		if len(doomed) > 0 {
			p.logger.Debug("reaped idle backend connections", zap.Int("count", len(doomed)))
		}
	}
}

// IdleCount reports parked connections for a target, for tests and stats.
func (p *Pool) IdleCount(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.targets[target]; ok {
		return len(ts.idle)
	}
	return 0
}

// Close shuts the reaper down and closes every parked connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var doomed []*session.Backend
	for _, ts := range p.targets {
		doomed = append(doomed, ts.idle...)
		ts.idle = nil
	}
	p.mu.Unlock()
	close(p.stopReaper)
	<-p.reaperDone
	for _, b := range doomed {
		_ = b.Close()
	}
}

var errExhausted = &exhaustedError{}

type exhaustedError struct{}

func (*exhaustedError) Error() string { return "backend connection limit reached" }
