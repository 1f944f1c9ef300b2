package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/iwanaga/nghttp2/internal/h2/frame"
	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// blockKind says what a complete header block means for its stream.
type blockKind int

const (
	blockRequest blockKind = iota
	blockTrailers
	blockRefused
)

// continuation tracks a header block split across HEADERS + CONTINUATION.
// While it is open, any other frame on the connection is a fatal framing
// error per RFC 7540 §6.10.
type continuation struct {
	streamID  uint32
	block     []byte
	endStream bool
	kind      blockKind
}

// H2 is an HTTP/2 frontend session.
type H2 struct {
	id         string
	tr         Transport
	reader     *frame.Reader
	writer     *frame.Writer
	enc        *frame.HeaderEncoder
	dec        *frame.HeaderDecoder
	streams    *stream.Manager
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       Options

	prefaceDone  bool
	prefaceFrom  time.Time
	cont         *continuation
	peerMaxFrame uint32
	peerInitial  atomic.Int64

	// encMu serializes HPACK encoding with the frame write so blocks hit
	// the wire in the order they mutated the dynamic table.
	encMu sync.Mutex

	// connReady wakes writers blocked on the connection send window.
	connReady chan struct{}

	draining   atomic.Bool
	goneAway   atomic.Bool
	closed     atomic.Bool
	lastActive atomic.Int64

	// streamConsumed accumulates replenishment owed per stream.
	consumedMu     sync.Mutex
	streamConsumed map[uint32]int64
}

// NewH2 creates an HTTP/2 frontend session over an established transport.
func NewH2(tr Transport, d Dispatcher, logger *zap.Logger, opts Options) *H2 {
	opts = opts.withDefaults()
	s := &H2{
		id:             uuid.NewString(),
		tr:             tr,
		reader:         frame.NewReader(opts.MaxFrameSize),
		writer:         frame.NewWriter(tr),
		enc:            frame.NewHeaderEncoder(),
		dec:            frame.NewHeaderDecoder(4096),
		dispatcher:     d,
		logger:         logger,
		opts:           opts,
		prefaceFrom:    time.Now(),
		peerMaxFrame:   proto.DefaultMaxFrameSize,
		connReady:      make(chan struct{}, 1),
		streamConsumed: make(map[uint32]int64),
	}
	s.streams = stream.NewManager(s.id, false)
	s.streams.SetMaxFrameSize(opts.MaxFrameSize)
	s.streams.SetInitialWindow(opts.InitialWindow)
	s.streams.SetMaxStreams(opts.MaxStreams)
	s.touch()
	return s
}

// ID returns the session id used in pairing handles and logs.
func (s *H2) ID() string { return s.id }

// Variant returns the negotiated protocol.
func (s *H2) Variant() proto.Variant { return proto.VariantHTTP2 }

// Streams returns the session's stream table.
func (s *H2) Streams() *stream.Manager { return s.streams }

// RemoteAddr returns the client address for forwarding headers and logs.
func (s *H2) RemoteAddr() string { return s.tr.RemoteAddr() }

func (s *H2) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleSince returns the time of the last frame activity.
func (s *H2) IdleSince() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Receive feeds transport bytes into the session in arrival order. It is
// called only from the owning event loop. A returned error is fatal to the
// session; the caller must close the transport.
func (s *H2) Receive(data []byte) error {
	if s.closed.Load() {
		return errClosed
	}
	s.touch()

	if !s.prefaceDone {
		s.reader.Feed(data)
		data = nil
		_, needMore, err := s.checkPreface()
		if err != nil {
			return err
		}
		if needMore {
			if time.Since(s.prefaceFrom) > s.opts.PrefaceTimeout {
				return proto.Framingf("connection preface timeout")
			}
			return nil
		}
		// Server preface: our SETTINGS must be the first frame out.
		if err := s.writer.WriteSettings(
			http2.Setting{ID: http2.SettingMaxFrameSize, Val: s.opts.MaxFrameSize},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(s.opts.InitialWindow)},
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.opts.MaxStreams},
		); err != nil {
			return err
		}
	} else {
		s.reader.Feed(data)
	}

	for {
		f, err := s.reader.Next()
		if err != nil {
			s.fatal(err, http2.ErrCodeProtocol)
			return err
		}
		if f == nil {
			return nil
		}
		if err := s.dispatch(f); err != nil {
			if proto.SessionFatal(err) {
				s.fatal(err, errCode(err))
				return err
			}
			// Stream-scoped errors were already answered with RST_STREAM.
			s.logger.Debug("stream error",
				zap.String("session", s.id), zap.Error(err))
		}
	}
}

// checkPreface consumes the client preface from the reader's buffer.
func (s *H2) checkPreface() (ok, needMore bool, err error) {
	// The preface precedes any frame, so it is safe to look at the raw
	// buffer the reader has not started decoding yet.
	buffered := s.reader.Buffered()
	if buffered == 0 {
		return false, true, nil
	}
	ok, needMore, err = s.reader.ConsumePreface()
	if err != nil {
		return false, false, err
	}
	if ok {
		s.prefaceDone = true
	}
	return ok, needMore, nil
}

func errCode(err error) http2.ErrCode {
	var fc *proto.FlowControlError
	if errors.As(err, &fc) {
		return http2.ErrCodeFlowControl
	}
	var ce *proto.CompressionError
	if errors.As(err, &ce) {
		return http2.ErrCodeCompression
	}
	return http2.ErrCodeProtocol
}

// dispatch routes one decoded frame. Frames arrive and are processed in
// strict wire order; the HPACK decoder depends on it.
func (s *H2) dispatch(f http2.Frame) error {
	if s.cont != nil {
		cf, isCont := f.(*http2.ContinuationFrame)
		if !isCont || cf.Header().StreamID != s.cont.streamID {
			return proto.Framingf("expected CONTINUATION for stream %d, got %v",
				s.cont.streamID, f.Header().Type)
		}
		return s.handleContinuation(cf)
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return s.handleSettings(f)
	case *http2.HeadersFrame:
		return s.handleHeaders(f)
	case *http2.ContinuationFrame:
		return proto.Framingf("CONTINUATION without preceding HEADERS")
	case *http2.DataFrame:
		return s.handleData(f)
	case *http2.WindowUpdateFrame:
		return s.handleWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return s.handleRSTStream(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return s.writer.WritePing(true, f.Data)
	case *http2.GoAwayFrame:
		s.draining.Store(true)
		return nil
	case *http2.PriorityFrame:
		return nil
	case *http2.PushPromiseFrame:
		return proto.Framingf("client sent PUSH_PROMISE")
	default:
		// Unknown extension frames outside a header block are ignored.
		return nil
	}
}

func (s *H2) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var applyErr error
	if err := f.ForeachSetting(func(st http2.Setting) error {
		switch st.ID {
		case http2.SettingInitialWindowSize:
			if st.Val > uint32(proto.MaxWindow) {
				applyErr = &proto.FlowControlError{Window: int64(st.Val)}
				return applyErr
			}
			// Delta applies to every live stream's send window.
			delta := int64(st.Val) - int64(s.peerInitialWindow())
			s.peerInitial.Store(int64(st.Val))
			if err := s.streams.AdjustStreamSendWindows(delta); err != nil {
				applyErr = err
				return err
			}
		case http2.SettingMaxFrameSize:
			if st.Val >= 16384 && st.Val <= (1<<24)-1 {
				s.peerMaxFrame = st.Val
			}
		case http2.SettingHeaderTableSize:
			s.encMu.Lock()
			s.enc.SetMaxDynamicTableSize(st.Val)
			s.encMu.Unlock()
		}
		return nil
	}); err != nil {
		if applyErr != nil {
			return applyErr
		}
		return proto.Framingf("malformed SETTINGS: %v", err)
	}
	return s.writer.WriteSettingsAck()
}

func (s *H2) handleHeaders(f *http2.HeadersFrame) error {
	id := f.Header().StreamID
	if id == 0 {
		return proto.Framingf("HEADERS on stream 0")
	}
	if id%2 == 0 {
		return proto.Framingf("client used even stream id %d", id)
	}

	kind := blockRequest
	if existing, ok := s.streams.Get(id); ok {
		// HEADERS on a live stream are trailers when they end the stream;
		// anything else after the request head is a protocol violation.
		st := existing.State()
		if st == stream.StateClosed || st == stream.StateHalfClosedRemote || st == stream.StateReset {
			return proto.Framingf("HEADERS on closed stream %d", id)
		}
		if !f.StreamEnded() {
			return proto.Framingf("trailers without END_STREAM on stream %d", id)
		}
		kind = blockTrailers
	} else {
		if s.streams.KnownPeerID(id) {
			return proto.Framingf("stream id %d reused", id)
		}
		if s.draining.Load() || s.goneAway.Load() {
			// Refused during drain; the block is still decoded below to
			// keep the compression context in sync.
			kind = blockRefused
		}
	}
	return s.beginHeaderBlock(id, f.HeaderBlockFragment(), f.HeadersEnded(), f.StreamEnded(), kind)
}

func (s *H2) beginHeaderBlock(id uint32, fragment []byte, ended, endStream bool, kind blockKind) error {
	if !ended {
		block := make([]byte, len(fragment))
		copy(block, fragment)
		s.cont = &continuation{streamID: id, block: block, endStream: endStream, kind: kind}
		return nil
	}
	return s.finishHeaderBlock(id, fragment, endStream, kind)
}

func (s *H2) handleContinuation(f *http2.ContinuationFrame) error {
	s.cont.block = append(s.cont.block, f.HeaderBlockFragment()...)
	if !f.HeadersEnded() {
		return nil
	}
	c := s.cont
	s.cont = nil
	return s.finishHeaderBlock(c.streamID, c.block, c.endStream, c.kind)
}

// finishHeaderBlock decodes a complete header block. The decode happens
// exactly once per block, in wire order, whatever later becomes of the
// stream; skipping it would corrupt the compression context.
func (s *H2) finishHeaderBlock(id uint32, block []byte, endStream bool, kind blockKind) error {
	fields, err := s.dec.Decode(block)
	if err != nil {
		return err
	}

	switch kind {
	case blockRefused:
		_ = s.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
		return nil
	case blockTrailers:
		st, ok := s.streams.Get(id)
		if !ok {
			return proto.Streamf(id, "trailers for unknown stream")
		}
		for _, f := range fields {
			st.AddTrailer(f[0], f[1])
		}
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, http2.ErrCodeStreamClosed, err)
			return err
		}
		s.retire(st)
		return nil
	}

	st, err := s.streams.OpenPeer(id)
	if err != nil {
		var se *proto.StreamError
		if errors.As(err, &se) {
			_ = s.writer.WriteRSTStream(id, http2.ErrCodeRefusedStream)
			return err
		}
		return err
	}
	st.SetHeaders(fields)
	if endStream {
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, http2.ErrCodeStreamClosed, err)
			return err
		}
	}
	metrics.ActiveStreams.Inc()
	s.dispatcher.StreamOpened(s, st)
	return nil
}

func (s *H2) handleData(f *http2.DataFrame) error {
	id := f.Header().StreamID
	if id == 0 {
		return proto.Framingf("DATA on stream 0")
	}
	n := int64(f.Header().Length)

	// Connection-level accounting covers the whole frame, padding
	// included, and applies even when the stream is already gone.
	if err := s.streams.ConsumeConnRecv(n); err != nil {
		return err
	}
	metrics.BytesIn.Add(float64(len(f.Data())))

	st, ok := s.streams.Get(id)
	if !ok {
		if !s.streams.KnownPeerID(id) {
			// Never validly opened: connection error.
			return proto.Framingf("DATA on idle stream %d", id)
		}
		// Stream finished earlier; its frames still drain the connection
		// window but the violation stays stream-scoped.
		_ = s.writer.WriteRSTStream(id, http2.ErrCodeStreamClosed)
		s.replenishConn(n)
		return proto.Streamf(id, "DATA on closed stream")
	}

	if err := st.ConsumeRecv(n); err != nil {
		return err
	}
	if err := st.AppendBody(f.Data()); err != nil {
		s.resetWith(st, http2.ErrCodeStreamClosed, err)
		return err
	}
	if f.StreamEnded() {
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, http2.ErrCodeStreamClosed, err)
			return err
		}
		s.retire(st)
	}
	// Padding carries no payload; hand its window back immediately.
	if pad := n - int64(len(f.Data())); pad > 0 {
		s.ConsumedBody(st, int(pad))
	}
	return nil
}

func (s *H2) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.Increment == 0 {
		if f.Header().StreamID == 0 {
			return proto.Framingf("WINDOW_UPDATE with zero increment on connection")
		}
		if st, ok := s.streams.Get(f.Header().StreamID); ok {
			err := proto.Streamf(st.ID, "WINDOW_UPDATE with zero increment")
			s.resetWith(st, http2.ErrCodeProtocol, err)
			return err
		}
		return nil
	}
	if f.Header().StreamID == 0 {
		if err := s.streams.ReplenishConnSend(int64(f.Increment)); err != nil {
			return err
		}
		s.wakeConn()
		return nil
	}
	st, ok := s.streams.Get(f.Header().StreamID)
	if !ok {
		// Updates for finished streams are expected races; ignore.
		return nil
	}
	if err := st.ReplenishSend(int64(f.Increment)); err != nil {
		// Stream window overflow resets the stream, not the connection.
		s.resetWith(st, http2.ErrCodeFlowControl,
			proto.Streamf(st.ID, "send window overflow"))
		return proto.Streamf(st.ID, "send window overflow")
	}
	return nil
}

func (s *H2) handleRSTStream(f *http2.RSTStreamFrame) error {
	id := f.Header().StreamID
	if id == 0 {
		return proto.Framingf("RST_STREAM on stream 0")
	}
	st, ok := s.streams.Get(id)
	if !ok {
		if !s.streams.KnownPeerID(id) {
			return proto.Framingf("RST_STREAM on idle stream %d", id)
		}
		return nil
	}
	cause := proto.Streamf(id, "reset by client (code %v)", f.ErrCode)
	st.Reset(cause)
	metrics.StreamResets.WithLabelValues("frontend").Inc()
	s.dispatcher.StreamClosed(s, st, cause)
	s.streams.Remove(id)
	s.dropConsumed(id)
	return nil
}

func (s *H2) peerInitialWindow() int64 {
	if v := s.peerInitial.Load(); v != 0 {
		return v
	}
	return proto.DefaultInitialWindow
}

// replenishConn returns unused connection window for frames whose payload
// was discarded.
func (s *H2) replenishConn(n int64) {
	if n <= 0 {
		return
	}
	if delta, ok := s.streams.NoteConnConsumed(n); ok {
		_ = s.writer.WriteWindowUpdate(0, uint32(delta))
	}
}

func (s *H2) wakeConn() {
	select {
	case s.connReady <- struct{}{}:
	default:
	}
}

// ConsumedBody replenishes receive windows once the bridge has drained n
// request-body bytes. The threshold policy lives in the stream manager.
func (s *H2) ConsumedBody(st *stream.Stream, n int) {
	if n <= 0 || s.closed.Load() {
		return
	}
	s.replenishConn(int64(n))

	s.consumedMu.Lock()
	s.streamConsumed[st.ID] += int64(n)
	owed := s.streamConsumed[st.ID]
	send := owed >= s.opts.InitialWindow/2
	if send {
		s.streamConsumed[st.ID] = 0
	}
	s.consumedMu.Unlock()

	if send && !st.State().Terminal() && !st.RemoteDone() {
		st.ReplenishRecv(owed)
		_ = s.writer.WriteWindowUpdate(st.ID, uint32(owed))
	}
}

// WriteHeaders encodes and sends the response head. Encoding and writing
// are one critical section so HPACK blocks leave in table-mutation order.
func (s *H2) WriteHeaders(st *stream.Stream, status int, headers [][2]string, endStream bool) error {
	if s.closed.Load() {
		return errClosed
	}
	fields := make([][2]string, 0, len(headers)+1)
	fields = append(fields, [2]string{":status", statusString(status)})
	fields = append(fields, headers...)

	s.encMu.Lock()
	defer s.encMu.Unlock()
	block, err := s.enc.Encode(fields)
	if err != nil {
		return err
	}
	if err := s.writer.WriteHeaders(st.ID, endStream, block, s.peerMaxFrame); err != nil {
		return err
	}
	if endStream {
		s.finishLocal(st)
	}
	return nil
}

// WriteData sends response body bytes, blocking while send windows are
// exhausted. Backpressure from the client therefore pauses the bridge pump
// that is reading from the backend.
func (s *H2) WriteData(st *stream.Stream, data []byte, endStream bool) error {
	for {
		if s.closed.Load() {
			return errClosed
		}
		if st.State() == stream.StateReset {
			return proto.Streamf(st.ID, "stream reset")
		}
		if len(data) == 0 {
			if endStream {
				if err := s.writer.WriteData(st.ID, true, nil); err != nil {
					return err
				}
				s.finishLocal(st)
			}
			return nil
		}

		allowed := int64(len(data))
		if w := st.SendWindow(); w < allowed {
			allowed = w
		}
		if w := s.streams.ConnSendWindow(); w < allowed {
			allowed = w
		}
		if max := int64(s.peerMaxFrame); allowed > max {
			allowed = max
		}

		if allowed <= 0 {
			select {
			case <-st.WindowReady():
			case <-s.connReady:
			case <-time.After(s.opts.IdleTimeout):
				return proto.ErrTimeout
			}
			continue
		}

		chunk := data[:allowed]
		data = data[allowed:]
		last := endStream && len(data) == 0
		if err := s.writer.WriteData(st.ID, last, chunk); err != nil {
			return err
		}
		st.ConsumeSend(allowed)
		s.streams.ConsumeConnSend(allowed)
		metrics.BytesOut.Add(float64(allowed))
		if last {
			s.finishLocal(st)
			return nil
		}
	}
}

// finishLocal records our end-of-stream and retires the stream once both
// directions are done.
func (s *H2) finishLocal(st *stream.Stream) {
	_ = st.CloseLocal()
	s.retire(st)
}

// retire drops a stream from the table once both directions finished.
func (s *H2) retire(st *stream.Stream) {
	if st.State() != stream.StateClosed {
		return
	}
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
}

// dropConsumed clears the replenishment counter of a finished stream so
// the table does not grow with the connection's lifetime.
func (s *H2) dropConsumed(id uint32) {
	s.consumedMu.Lock()
	delete(s.streamConsumed, id)
	s.consumedMu.Unlock()
}

// resetWith aborts a stream after a protocol violation scoped to it, and
// tells the dispatcher so any paired backend work is cancelled.
func (s *H2) resetWith(st *stream.Stream, code http2.ErrCode, cause error) {
	if st.State().Terminal() {
		return
	}
	st.Reset(cause)
	_ = s.writer.WriteRSTStream(st.ID, code)
	s.dispatcher.StreamClosed(s, st, cause)
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
	metrics.StreamResets.WithLabelValues("frontend").Inc()
}

// ResetStream aborts one stream with RST_STREAM; a no-op when already
// terminal.
func (s *H2) ResetStream(st *stream.Stream, cause error) {
	if st.State().Terminal() {
		return
	}
	st.Reset(cause)
	_ = s.writer.WriteRSTStream(st.ID, resetCode(cause))
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
	metrics.StreamResets.WithLabelValues("backend").Inc()
}

func resetCode(cause error) http2.ErrCode {
	var fc *proto.FlowControlError
	if errors.As(cause, &fc) {
		return http2.ErrCodeFlowControl
	}
	if errors.Is(cause, proto.ErrTimeout) {
		return http2.ErrCodeCancel
	}
	return http2.ErrCodeInternal
}

// Drain stops accepting new streams and tells the client via GOAWAY;
// in-flight streams finish naturally.
func (s *H2) Drain() {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	_ = s.writer.WriteGoAway(s.streams.LastPeerID(), http2.ErrCodeNo, nil)
}

// Draining reports whether the session refuses new streams.
func (s *H2) Draining() bool { return s.draining.Load() }

// fatal sends GOAWAY with the mapped error code and marks the session dead.
func (s *H2) fatal(err error, code http2.ErrCode) {
	if s.goneAway.CompareAndSwap(false, true) {
		_ = s.writer.WriteGoAway(s.streams.LastPeerID(), code, []byte(err.Error()))
	}
	metrics.ProtocolErrors.WithLabelValues(errKind(err)).Inc()
	s.Close(err)
}

func errKind(err error) string {
	var fe *proto.FramingError
	if errors.As(err, &fe) {
		return "framing"
	}
	var ce *proto.CompressionError
	if errors.As(err, &ce) {
		return "compression"
	}
	var fc *proto.FlowControlError
	if errors.As(err, &fc) {
		return "flow_control"
	}
	var se *proto.StreamError
	if errors.As(err, &se) {
		return "stream"
	}
	if errors.Is(err, proto.ErrTimeout) {
		return "timeout"
	}
	return "other"
}

// Close tears down the session: every remaining stream is reset with the
// cause and the bridge is told so paired backend work stops.
func (s *H2) Close(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if cause == nil {
		cause = errClosed
	}
	var doomed []*stream.Stream
	s.streams.ForEach(func(st *stream.Stream) {
		doomed = append(doomed, st)
	})
	for _, st := range doomed {
		if !st.State().Terminal() {
			st.Reset(cause)
			metrics.ActiveStreams.Dec()
		}
		s.dispatcher.StreamClosed(s, st, cause)
		s.streams.Remove(st.ID)
	}
	s.wakeConn()
	_ = s.tr.Close()
	s.logger.Info("session closed",
		zap.String("session", s.id),
		zap.String("proto", "h2"),
		zap.String("remote", s.tr.RemoteAddr()),
		zap.NamedError("cause", cause))
}

// Closed reports whether the session is dead.
func (s *H2) Closed() bool { return s.closed.Load() }

func statusString(status int) string {
	switch status {
	case 200:
		return "200"
	case 204:
		return "204"
	case 404:
		return "404"
	case 500:
		return "500"
	case 502:
		return "502"
	case 504:
		return "504"
	}
	b := [3]byte{byte('0' + status/100%10), byte('0' + status/10%10), byte('0' + status%10)}
	return string(b[:])
}
