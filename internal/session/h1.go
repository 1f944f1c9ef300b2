package session

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/h1"
	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// maxRequestHead bounds the request line plus headers before a request is
// rejected outright.
const maxRequestHead = 64 * 1024

// H1 is an HTTP/1.1 frontend session. Each request becomes a synthetic
// stream so the bridge sees the same shape as the multiplexed protocols;
// requests are handled strictly one at a time, so pipelined input waits in
// the buffer until the previous response finished.
type H1 struct {
	id         string
	tr         Transport
	streams    *stream.Manager
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       Options

	mu      sync.Mutex
	buf     bytes.Buffer
	current *stream.Stream
	body    *h1.BodyDecoder
	// responding is set while the current stream's response is being
	// written; parsing resumes when it clears.
	responding bool
	keepAlive  bool
	respChunk  bool

	draining   atomic.Bool
	closed     atomic.Bool
	lastActive atomic.Int64
}

// NewH1 creates an HTTP/1.1 frontend session.
func NewH1(tr Transport, d Dispatcher, logger *zap.Logger, opts Options) *H1 {
	s := &H1{
		id:         uuid.NewString(),
		tr:         tr,
		dispatcher: d,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
	s.streams = stream.NewManager(s.id, false)
	s.touch()
	return s
}

// ID returns the session id used in pairing handles and logs.
func (s *H1) ID() string { return s.id }

// Variant returns the negotiated protocol.
func (s *H1) Variant() proto.Variant { return proto.VariantHTTP1 }

// Streams returns the session's stream table.
func (s *H1) Streams() *stream.Manager { return s.streams }

// RemoteAddr returns the client address for forwarding headers and logs.
func (s *H1) RemoteAddr() string { return s.tr.RemoteAddr() }

func (s *H1) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleSince returns the time of the last request activity.
func (s *H1) IdleSince() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Receive feeds transport bytes. A returned error is fatal to the
// connection; recoverable request problems are answered with a status
// response instead.
func (s *H1) Receive(data []byte) error {
	if s.closed.Load() {
		return errClosed
	}
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(data)
	return s.pumpLocked()
}

// pumpLocked advances the parse state machine over buffered bytes.
func (s *H1) pumpLocked() error {
	for {
		if s.current == nil {
			if s.responding || s.buf.Len() == 0 {
				return nil
			}
			advanced, err := s.parseHeadLocked()
			if err != nil {
				return err
			}
			if !advanced {
				return nil
			}
			continue
		}
		if s.body == nil {
			return nil
		}
		payload, consumed, err := s.body.Decode(s.buf.Bytes())
		if err != nil {
			s.rejectLocked(400, "Bad Request")
			return err
		}
		if consumed == 0 && len(payload) == 0 && !s.body.Done() {
			return nil
		}
		s.buf.Next(consumed)
		if len(payload) > 0 {
			if err := s.current.AppendBody(payload); err != nil {
				return err
			}
			metrics.BytesIn.Add(float64(len(payload)))
		}
		if s.body.Done() {
			st := s.current
			s.body = nil
			if err := st.CloseRemote(); err != nil {
				return err
			}
			// The next request is parsed once this response finished.
		}
	}
}

func (s *H1) parseHeadLocked() (bool, error) {
	var req h1.Request
	consumed, err := h1.ParseRequest(s.buf.Bytes(), &req)
	if err != nil {
		s.rejectLocked(400, "Bad Request")
		return false, err
	}
	if consumed == 0 {
		if s.buf.Len() > maxRequestHead {
			s.rejectLocked(431, "Request Header Fields Too Large")
			return false, proto.Framingf("request head exceeds %d bytes", maxRequestHead)
		}
		return false, nil
	}
	s.buf.Next(consumed)

	if s.draining.Load() {
		s.rejectLocked(503, "Service Unavailable")
		return false, errClosed
	}

	// Synthetic ids mirror the client-initiated odd id space.
	id := s.streams.LastPeerID() + 2
	if id == 2 {
		id = 1
	}
	st, err := s.streams.OpenPeer(id)
	if err != nil {
		s.rejectLocked(503, "Service Unavailable")
		return false, err
	}

	fields := make([][2]string, 0, len(req.Headers)+4)
	fields = append(fields,
		[2]string{":method", req.Method},
		[2]string{":path", req.Path},
		[2]string{":scheme", "http"},
		[2]string{":authority", req.Host})
	fields = append(fields, req.Headers...)
	st.SetHeaders(fields)

	s.current = st
	s.responding = true
	s.keepAlive = req.KeepAlive && !s.draining.Load()

	hasBody := req.Chunked || req.ContentLength > 0
	if hasBody {
		s.body = h1.NewBodyDecoder(req.ContentLength, req.Chunked)
	} else {
		s.body = nil
		if err := st.CloseRemote(); err != nil {
			return false, err
		}
	}
	metrics.ActiveStreams.Inc()

	d := s.dispatcher
	// Dispatch outside the parse lock: the bridge may respond synchronously.
	s.mu.Unlock()
	d.StreamOpened(s, st)
	s.mu.Lock()
	return true, nil
}

// rejectLocked answers a malformed or refused request directly and closes.
func (s *H1) rejectLocked(status int, reason string) {
	_ = h1.WriteResponseHead(s.tr, status, reason, [][2]string{
		{"content-length", "0"},
		{"connection", "close"},
	})
	s.mu.Unlock()
	s.Close(proto.Framingf("request rejected with %d", status))
	s.mu.Lock()
}

// ConsumedBody is a no-op: HTTP/1.1 has no flow control windows and
// backpressure rides on the transport.
func (s *H1) ConsumedBody(st *stream.Stream, n int) {}

// WriteHeaders writes the response status line and headers. Unless the
// caller supplied a content-length, the body is chunked.
func (s *H1) WriteHeaders(st *stream.Stream, status int, headers [][2]string, endStream bool) error {
	if s.closed.Load() {
		return errClosed
	}
	s.mu.Lock()
	if st != s.current {
		s.mu.Unlock()
		return proto.Streamf(st.ID, "response out of order")
	}

	hasLength := false
	for _, f := range headers {
		if f[0] == "content-length" {
			hasLength = true
			break
		}
	}
	out := make([][2]string, 0, len(headers)+2)
	out = append(out, headers...)
	switch {
	case endStream && !hasLength:
		out = append(out, [2]string{"content-length", "0"})
		s.respChunk = false
	case !endStream && !hasLength:
		out = append(out, [2]string{"transfer-encoding", "chunked"})
		s.respChunk = true
	default:
		s.respChunk = false
	}
	if !s.keepAlive {
		out = append(out, [2]string{"connection", "close"})
	}
	s.mu.Unlock()

	if err := h1.WriteResponseHead(s.tr, status, h1.StatusText(status), out); err != nil {
		return err
	}
	if endStream {
		s.finishResponse(st)
	}
	return nil
}

// WriteData writes response body bytes using the framing chosen by
// WriteHeaders.
func (s *H1) WriteData(st *stream.Stream, data []byte, endStream bool) error {
	if s.closed.Load() {
		return errClosed
	}
	s.mu.Lock()
	if st != s.current {
		s.mu.Unlock()
		return proto.Streamf(st.ID, "response out of order")
	}
	chunked := s.respChunk
	s.mu.Unlock()

	if len(data) > 0 {
		var err error
		if chunked {
			err = h1.WriteChunk(s.tr, data)
		} else {
			_, err = s.tr.Write(data)
		}
		if err != nil {
			return err
		}
		metrics.BytesOut.Add(float64(len(data)))
	}
	if endStream {
		if chunked {
			if err := h1.WriteChunkEnd(s.tr); err != nil {
				return err
			}
		}
		s.finishResponse(st)
	}
	return nil
}

// finishResponse completes the exchange and resumes parsing pipelined
// input, or closes when keep-alive is off.
func (s *H1) finishResponse(st *stream.Stream) {
	_ = st.CloseLocal()
	s.streams.Remove(st.ID)
	metrics.ActiveStreams.Dec()

	s.mu.Lock()
	s.current = nil
	s.body = nil
	s.responding = false
	keep := s.keepAlive
	s.mu.Unlock()

	if !keep || s.draining.Load() {
		s.Close(nil)
		return
	}
	s.touch()
	s.mu.Lock()
	_ = s.pumpLocked()
	s.mu.Unlock()
}

// ResetStream aborts the exchange. HTTP/1.1 cannot signal a mid-response
// abort in-band, so the connection is closed.
func (s *H1) ResetStream(st *stream.Stream, cause error) {
	if st.State().Terminal() {
		return
	}
	st.Reset(cause)
	metrics.StreamResets.WithLabelValues("backend").Inc()
	s.Close(cause)
}

// Drain lets the current exchange finish and closes after it; an idle
// connection closes immediately.
func (s *H1) Drain() {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	idle := s.current == nil && !s.responding
	s.mu.Unlock()
	if idle {
		s.Close(nil)
	}
}

// Draining reports whether the session refuses new requests.
func (s *H1) Draining() bool { return s.draining.Load() }

// Close tears down the connection and cancels any in-flight exchange.
func (s *H1) Close(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if cause == nil {
		cause = errClosed
	}
	s.mu.Lock()
	st := s.current
	s.current = nil
	s.body = nil
	s.mu.Unlock()

	if st != nil {
		if !st.State().Terminal() {
			st.Reset(cause)
			metrics.ActiveStreams.Dec()
		}
		s.dispatcher.StreamClosed(s, st, cause)
		s.streams.Remove(st.ID)
	}
	_ = s.tr.Close()
	s.logger.Info("session closed",
		zap.String("session", s.id),
		zap.String("proto", "http/1.1"),
		zap.String("remote", s.tr.RemoteAddr()),
		zap.NamedError("cause", cause))
}

// Closed reports whether the session is dead.
func (s *H1) Closed() bool { return s.closed.Load() }
