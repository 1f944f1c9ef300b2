// Package bridge pairs frontend streams with HTTP/1.1 backend exchanges.
// Each opened stream becomes one pumped exchange on a worker pool: request
// headers are translated to a request line, the body is forwarded with flow
// control driving replenishment, and the backend response is streamed back
// through the owning session's framing.
package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/pool"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/session"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// Config tunes the coordinator.
type Config struct {
	// Backends lists upstream host:port addresses, used round-robin.
	Backends []string
	// ViaToken names this proxy in via and forwarding headers.
	ViaToken string
	// Workers caps concurrently pumped exchanges.
	Workers int
	// BackendTimeout bounds each backend read and write.
	BackendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ViaToken == "" {
		c.ViaToken = "nghttpx"
	}
	if c.Workers <= 0 {
		c.Workers = 1024
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 30 * time.Second
	}
	return c
}

// exchange is the bridge-side record of one in-flight pairing.
type exchange struct {
	cancel  context.CancelFunc
	backend atomic.Pointer[session.Backend]
}

// Coordinator implements session.Dispatcher: it owns the worker pool and
// the pairing table from frontend streams to backend exchanges.
type Coordinator struct {
	cfg    Config
	pool   *pool.Pool
	logger *zap.Logger
	tracer trace.Tracer
	tasks  *ants.Pool

	mu       sync.Mutex
	inflight map[*stream.Stream]*exchange

	next atomic.Uint64
}

// New creates a coordinator with its worker pool.
func New(cfg Config, p *pool.Pool, logger *zap.Logger) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	tasks, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:      cfg,
		pool:     p,
		logger:   logger,
		tracer:   otel.Tracer("bridge"),
		tasks:    tasks,
		inflight: make(map[*stream.Stream]*exchange),
	}, nil
}

// pick selects the upstream for the next exchange.
func (c *Coordinator) pick() string {
	n := c.next.Add(1)
	return c.cfg.Backends[int(n-1)%len(c.cfg.Backends)]
}

// StreamOpened pairs the stream with a backend exchange and pumps it on
// the worker pool.
func (c *Coordinator) StreamOpened(fe session.Frontend, st *stream.Stream) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &exchange{cancel: cancel}
	c.mu.Lock()
	c.inflight[st] = ex
	c.mu.Unlock()

	err := c.tasks.Submit(func() {
		defer c.finish(st, cancel)
		c.run(ctx, ex, fe, st)
	})
	if err != nil {
		c.finish(st, cancel)
		c.gateway(fe, st, 503, err)
	}
}

// StreamClosed cancels the paired exchange; the pump observes the
// cancellation and abandons its backend connection.
func (c *Coordinator) StreamClosed(fe session.Frontend, st *stream.Stream, cause error) {
	c.mu.Lock()
	ex, ok := c.inflight[st]
	delete(c.inflight, st)
	c.mu.Unlock()
	if !ok {
		return
	}
	ex.cancel()
	// Closing the backend connection unblocks a pump stuck in IO.
	if b := ex.backend.Load(); b != nil {
		_ = b.Close()
	}
}

func (c *Coordinator) finish(st *stream.Stream, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	delete(c.inflight, st)
	c.mu.Unlock()
}

// Close stops the worker pool. In-flight exchanges are cancelled by their
// owning sessions tearing down.
func (c *Coordinator) Close() {
	c.tasks.Release()
}

// run drives one exchange end to end.
func (c *Coordinator) run(ctx context.Context, ex *exchange, fe session.Frontend, st *stream.Stream) {
	ctx, span := c.tracer.Start(ctx, "proxy.exchange",
		trace.WithAttributes(
			attribute.String("session", fe.ID()),
			attribute.String("protocol", fe.Variant().String()),
			attribute.Int64("stream", int64(st.ID)),
		))
	defer span.End()

	head, err := splitRequest(st.ID, st.Headers())
	if err != nil {
		c.gateway(fe, st, 400, err)
		return
	}
	span.SetAttributes(
		attribute.String("http.method", head.method),
		attribute.String("http.target", head.path))

	target := c.pick()
	responded, err := c.attempt(ctx, ex, fe, st, head, target, true)
	if err == nil {
		return
	}
	if !responded && errors.Is(err, errStaleConn) {
		// A pooled connection died under us before any response byte; one
		// fresh attempt is safe because nothing reached the client yet.
		c.logger.Debug("retrying exchange on fresh connection",
			zap.String("target", target), zap.Uint32("stream", st.ID))
		responded, err = c.attempt(ctx, ex, fe, st, head, target, false)
		if err == nil {
			return
		}
	}
	span.RecordError(err)
	if responded {
		// Part of the response already left; the only honest signal is a
		// stream abort.
		fe.ResetStream(st, err)
		return
	}
	status := 502
	if errors.Is(err, proto.ErrTimeout) {
		status = 504
	}
	c.gateway(fe, st, status, err)
}

// errStaleConn marks a failure on a pooled connection before any response
// byte arrived.
var errStaleConn = errors.New("pooled backend connection failed before response")

// attempt performs one request/response cycle against the target.
// responded reports whether any response bytes reached the frontend.
func (c *Coordinator) attempt(ctx context.Context, ex *exchange, fe session.Frontend, st *stream.Stream,
	head *requestHead, target string, allowReuse bool) (responded bool, err error) {

	b, reused, err := c.pool.Acquire(ctx, target)
	if err != nil {
		return false, err
	}
	for reused && !allowReuse {
		// The retry needs a fresh dial; pooled siblings of the connection
		// that just died are suspect too.
		c.pool.Discard(b)
		b, reused, err = c.pool.Acquire(ctx, target)
		if err != nil {
			return false, err
		}
	}
	ex.backend.Store(b)
	defer ex.backend.Store(nil)

	release := func(clean bool) {
		if clean {
			c.pool.Release(b)
		} else {
			c.pool.Discard(b)
		}
	}

	stale := func(e error) error {
		if reused && !errors.Is(e, proto.ErrTimeout) {
			return errStaleConn
		}
		return e
	}

	// Request body framing: a declared content-length passes through
	// unchanged; anything still streaming goes chunked; a finished empty
	// body sends no framing at all.
	headers := backendHeaders(head, remoteOf(fe), c.cfg.ViaToken)
	chunked := false
	var earlyBody []byte
	bodyDone := false
	switch {
	case head.contentLength != "":
		headers = append(headers, [2]string{"content-length", head.contentLength})
	default:
		earlyBody, bodyDone, err = st.TakeBody()
		if err != nil {
			release(false)
			return false, err
		}
		if bodyDone && len(earlyBody) == 0 {
			// Bodyless request.
		} else if bodyDone {
			headers = append(headers, [2]string{"content-length", strconv.Itoa(len(earlyBody))})
		} else {
			chunked = true
			headers = append(headers, [2]string{"transfer-encoding", "chunked"})
		}
	}

	if err := b.WriteHead(head.method, head.path, headers, chunked, c.cfg.BackendTimeout); err != nil {
		release(false)
		return false, stale(err)
	}
	if len(earlyBody) > 0 {
		if err := b.WriteBody(earlyBody, c.cfg.BackendTimeout); err != nil {
			release(false)
			return false, stale(err)
		}
		fe.ConsumedBody(st, len(earlyBody))
	}
	if !bodyDone {
		if err := c.pumpRequestBody(ctx, fe, st, b); err != nil {
			release(false)
			return false, stale(err)
		}
	}

	resp, err := b.ReadHead(c.cfg.BackendTimeout)
	if err != nil {
		release(false)
		return false, stale(err)
	}

	respHeaders := filterResponseHeaders(resp.Headers, c.cfg.ViaToken)
	// Responses to HEAD and 204/304 statuses never carry a body even when
	// a content-length is declared, so no body read may wait on them.
	bodyless := head.method == "HEAD" || resp.Status == 204 || resp.Status == 304 ||
		(!resp.Chunked && resp.ContentLength == 0)
	if err := fe.WriteHeaders(st, resp.Status, respHeaders, bodyless); err != nil {
		release(false)
		return true, err
	}
	if bodyless {
		release(resp.KeepAlive)
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			release(false)
			return true, ctx.Err()
		default:
		}
		payload, done, err := b.ReadBody(resp.KeepAlive, c.cfg.BackendTimeout)
		if err != nil {
			release(false)
			return true, err
		}
		if err := fe.WriteData(st, payload, done); err != nil {
			release(false)
			return true, err
		}
		if done {
			release(true)
			return true, nil
		}
	}
}

// pumpRequestBody forwards buffered request bytes to the backend until the
// client finished, replenishing receive windows as it drains.
func (c *Coordinator) pumpRequestBody(ctx context.Context, fe session.Frontend, st *stream.Stream, b *session.Backend) error {
	for {
		data, done, err := st.TakeBody()
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := b.WriteBody(data, c.cfg.BackendTimeout); err != nil {
				return err
			}
			fe.ConsumedBody(st, len(data))
		}
		if done {
			if err := validateTrailers(st.ID, st.Trailers()); err != nil {
				return err
			}
			return b.FinishBody(c.cfg.BackendTimeout)
		}
		select {
		case <-st.BodyReady():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.BackendTimeout):
			return proto.ErrTimeout
		}
	}
}

// gateway answers a stream that never saw a response byte with a synthetic
// status.
func (c *Coordinator) gateway(fe session.Frontend, st *stream.Stream, status int, cause error) {
	if st.State().Terminal() {
		return
	}
	metrics.GatewayErrors.WithLabelValues(strconv.Itoa(status)).Inc()
	c.logger.Warn("gateway error",
		zap.Int("status", status),
		zap.Uint32("stream", st.ID),
		zap.String("session", fe.ID()),
		zap.Error(cause))
	if err := fe.WriteHeaders(st, status, [][2]string{
		{"content-length", "0"},
	}, true); err != nil {
		fe.ResetStream(st, cause)
	}
}

func remoteOf(fe session.Frontend) string {
	if r, ok := fe.(interface{ RemoteAddr() string }); ok {
		return r.RemoteAddr()
	}
	return ""
}
