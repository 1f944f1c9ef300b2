package pool

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/session"
)

// startBackend runs a minimal keep-alive HTTP/1.1 origin that answers every
// request with an empty 200.
func startBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					sawBlank := false
					for !sawBlank {
						line, err := br.ReadString('\n')
						if err != nil {
							return
						}
						if line == "\r\n" {
							sawBlank = true
						}
					}
					if _, err := c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// exchange runs one empty GET so the connection becomes reusable.
func exchange(t *testing.T, b *session.Backend) {
	t.Helper()
	headers := [][2]string{{"host", "test"}, {"content-length", "0"}}
	if err := b.WriteHead("GET", "/", headers, false, time.Second); err != nil {
		t.Fatalf("WriteHead() error = %v", err)
	}
	resp, err := b.ReadHead(time.Second)
	if err != nil {
		t.Fatalf("ReadHead() error = %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("Status = %d", resp.Status)
	}
	if !b.Reusable() {
		t.Fatal("connection should be reusable after a clean empty-body exchange")
	}
}

func TestPool_AcquireReleaseReuse(t *testing.T) {
	addr := startBackend(t)
	p := New(Config{}, zap.NewNop())
	defer p.Close()

	b, reused, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if reused {
		t.Error("first acquire must dial fresh")
	}
	if b.Target() != addr {
		t.Errorf("Target() = %q, want %q", b.Target(), addr)
	}
	exchange(t, b)

	p.Release(b)
	if p.IdleCount(addr) != 1 {
		t.Fatalf("IdleCount() = %d, want 1", p.IdleCount(addr))
	}

	b2, reused, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if !reused || b2 != b {
		t.Errorf("expected the parked connection back, reused = %v", reused)
	}
	if p.IdleCount(addr) != 0 {
		t.Errorf("IdleCount() = %d after reuse", p.IdleCount(addr))
	}
	// The reused connection still works.
	exchange(t, b2)
	p.Discard(b2)
}

func TestPool_ReleaseNotReusableCloses(t *testing.T) {
	addr := startBackend(t)
	p := New(Config{}, zap.NewNop())
	defer p.Close()

	b, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// No exchange happened, so the connection is not reusable.
	p.Release(b)
	if p.IdleCount(addr) != 0 {
		t.Errorf("IdleCount() = %d, want 0 for non-reusable release", p.IdleCount(addr))
	}
}

func TestPool_LiveLimit(t *testing.T) {
	addr := startBackend(t)
	p := New(Config{MaxPerTarget: 2}, zap.NewNop())
	defer p.Close()

	b1, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b2, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, _, err = p.Acquire(context.Background(), addr)
	var be *proto.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Acquire() over limit error = %v, want BackendError", err)
	}

	// Discarding frees a slot.
	p.Discard(b1)
	b3, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() after discard error = %v", err)
	}
	p.Discard(b2)
	p.Discard(b3)
}

func TestPool_IdleCap(t *testing.T) {
	addr := startBackend(t)
	p := New(Config{MaxIdlePerTarget: 1}, zap.NewNop())
	defer p.Close()

	b1, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b2, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	exchange(t, b1)
	exchange(t, b2)

	p.Release(b1)
	p.Release(b2)
	if p.IdleCount(addr) != 1 {
		t.Errorf("IdleCount() = %d, want 1 with cap 1", p.IdleCount(addr))
	}
}

func TestPool_StaleIdleConnectionNotHandedOut(t *testing.T) {
	addr := startBackend(t)
	p := New(Config{IdleTimeout: time.Millisecond}, zap.NewNop())
	defer p.Close()

	b, _, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	exchange(t, b)
	p.Release(b)
	time.Sleep(5 * time.Millisecond)

	b2, reused, err := p.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if reused {
		t.Error("stale idle connection must not be reused")
	}
	p.Discard(b2)
}

func TestPool_DialFailure(t *testing.T) {
	// A closed listener port refuses immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p := New(Config{DialTimeout: time.Second}, zap.NewNop())
	defer p.Close()

	_, _, err = p.Acquire(context.Background(), addr)
	var be *proto.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Acquire() error = %v, want BackendError", err)
	}
	if proto.SessionFatal(err) {
		t.Error("backend failure must not be session fatal")
	}
}

func TestPool_BreakerTripsAfterConsecutiveFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	p := New(Config{DialTimeout: time.Second}, zap.NewNop())
	defer p.Close()

	for i := 0; i < 3; i++ {
		if _, _, err := p.Acquire(context.Background(), addr); err == nil {
			t.Fatalf("Acquire() %d unexpectedly succeeded", i)
		}
	}
	// Breaker is open now; the failure is immediate without a dial.
	start := time.Now()
	_, _, err = p.Acquire(context.Background(), addr)
	if err == nil {
		t.Fatal("Acquire() with open breaker should fail")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("open breaker took %v, want immediate failure", elapsed)
	}
}

func TestPool_AcquireAfterClose(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	p.Close()
	if _, _, err := p.Acquire(context.Background(), "127.0.0.1:1"); err == nil {
		t.Error("Acquire() on closed pool should fail")
	}
}
