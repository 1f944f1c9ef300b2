package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/h1"
	"github.com/iwanaga/nghttp2/internal/metrics"
	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/spdy"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// SPDY is a SPDY/3.1 frontend session. The header compression context is
// connection-scoped and order-sensitive, so every received block is fed to
// the decompressor in arrival order before anything else is decided about
// the stream, and every sent block is compressed under the write lock.
type SPDY struct {
	id         string
	tr         Transport
	reader     *spdy.Reader
	writer     *spdy.Writer
	comp       *spdy.Compressor
	decomp     *spdy.Decompressor
	streams    *stream.Manager
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       Options

	// compMu pairs compression with the frame write so blocks reach the
	// wire in the order they mutated the zlib state.
	compMu sync.Mutex

	connReady chan struct{}

	peerInitial atomic.Int64

	draining   atomic.Bool
	goneAway   atomic.Bool
	closed     atomic.Bool
	lastActive atomic.Int64

	consumedMu     sync.Mutex
	streamConsumed map[uint32]int64
}

// NewSPDY creates a SPDY/3.1 frontend session and sends the initial
// SETTINGS advertising our limits.
func NewSPDY(tr Transport, d Dispatcher, logger *zap.Logger, opts Options) (*SPDY, error) {
	opts = opts.withDefaults()
	comp, err := spdy.NewCompressor()
	if err != nil {
		return nil, err
	}
	s := &SPDY{
		id:             uuid.NewString(),
		tr:             tr,
		reader:         spdy.NewReader(opts.MaxFrameSize),
		writer:         spdy.NewWriter(tr),
		comp:           comp,
		decomp:         spdy.NewDecompressor(),
		dispatcher:     d,
		logger:         logger,
		opts:           opts,
		connReady:      make(chan struct{}, 1),
		streamConsumed: make(map[uint32]int64),
	}
	s.streams = stream.NewManager(s.id, false)
	s.streams.SetMaxFrameSize(opts.MaxFrameSize)
	s.streams.SetInitialWindow(opts.InitialWindow)
	s.streams.SetMaxStreams(opts.MaxStreams)
	s.touch()

	if err := s.writer.WriteSettings(
		spdy.SettingEntry{ID: spdy.SettingInitialWindowSize, Value: uint32(opts.InitialWindow)},
		spdy.SettingEntry{ID: spdy.SettingMaxConcurrentStreams, Value: opts.MaxStreams},
	); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id used in pairing handles and logs.
func (s *SPDY) ID() string { return s.id }

// Variant returns the negotiated protocol.
func (s *SPDY) Variant() proto.Variant { return proto.VariantSPDY31 }

// Streams returns the session's stream table.
func (s *SPDY) Streams() *stream.Manager { return s.streams }

// RemoteAddr returns the client address for forwarding headers and logs.
func (s *SPDY) RemoteAddr() string { return s.tr.RemoteAddr() }

func (s *SPDY) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// IdleSince returns the time of the last frame activity.
func (s *SPDY) IdleSince() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Receive feeds transport bytes in arrival order. A returned error is fatal
// to the session.
func (s *SPDY) Receive(data []byte) error {
	if s.closed.Load() {
		return errClosed
	}
	s.touch()
	s.reader.Feed(data)
	for {
		f, err := s.reader.Next()
		if err != nil {
			s.fatal(err, spdy.StatusProtocolError)
			return err
		}
		if f == nil {
			return nil
		}
		if err := s.dispatch(f); err != nil {
			if proto.SessionFatal(err) {
				s.fatal(err, spdyGoAwayStatus(err))
				return err
			}
			s.logger.Debug("stream error",
				zap.String("session", s.id), zap.Error(err))
		}
	}
}

func spdyGoAwayStatus(err error) uint32 {
	var fc *proto.FlowControlError
	if errors.As(err, &fc) {
		return spdy.StatusFlowControlError
	}
	var ce *proto.CompressionError
	if errors.As(err, &ce) {
		return spdy.StatusInternalError
	}
	return spdy.StatusProtocolError
}

func (s *SPDY) dispatch(f spdy.Frame) error {
	switch f := f.(type) {
	case *spdy.SynStream:
		return s.handleSynStream(f)
	case *spdy.SynReply:
		// Only servers send SYN_REPLY.
		return proto.Framingf("client sent SYN_REPLY")
	case *spdy.Headers:
		return s.handleHeaders(f)
	case *spdy.Data:
		return s.handleData(f)
	case *spdy.WindowUpdate:
		return s.handleWindowUpdate(f)
	case *spdy.RstStream:
		return s.handleRstStream(f)
	case *spdy.Settings:
		return s.handleSettings(f)
	case *spdy.Ping:
		// Odd ids originate at the client and are echoed back verbatim.
		if f.ID%2 == 1 {
			return s.writer.WritePing(f.ID)
		}
		return nil
	case *spdy.GoAway:
		s.draining.Store(true)
		return nil
	default:
		return nil
	}
}

// handleSynStream opens a client stream. The header block is decompressed
// unconditionally first: even a stream that will be refused has already
// advanced the shared zlib state.
func (s *SPDY) handleSynStream(f *spdy.SynStream) error {
	fields, err := s.decomp.Decompress(f.HeaderBlock)
	if err != nil {
		return err
	}

	if f.StreamID == 0 {
		return proto.Framingf("SYN_STREAM on stream 0")
	}
	if f.StreamID%2 == 0 {
		return proto.Framingf("client used even stream id %d", f.StreamID)
	}
	if s.draining.Load() || s.goneAway.Load() {
		_ = s.writer.WriteRstStream(f.StreamID, spdy.StatusRefusedStream)
		return nil
	}

	st, err := s.streams.OpenPeer(f.StreamID)
	if err != nil {
		var se *proto.StreamError
		if errors.As(err, &se) {
			_ = s.writer.WriteRstStream(f.StreamID, spdy.StatusRefusedStream)
			return err
		}
		return err
	}
	st.SetHeaders(normalizeSpdyHeaders(fields))
	if f.Fin {
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, spdy.StatusStreamAlreadyClosed, err)
			return err
		}
	}
	metrics.ActiveStreams.Inc()
	s.dispatcher.StreamOpened(s, st)
	return nil
}

// normalizeSpdyHeaders maps the SPDY pseudo-header dialect onto the common
// form the bridge expects: :host becomes :authority and :version is
// dropped, since the backend line is always HTTP/1.1.
func normalizeSpdyHeaders(fields [][2]string) [][2]string {
	out := fields[:0]
	for _, f := range fields {
		switch f[0] {
		case ":host":
			out = append(out, [2]string{":authority", f[1]})
		case ":version":
		default:
			out = append(out, f)
		}
	}
	return out
}

func (s *SPDY) handleHeaders(f *spdy.Headers) error {
	fields, err := s.decomp.Decompress(f.HeaderBlock)
	if err != nil {
		return err
	}
	st, ok := s.streams.Get(f.StreamID)
	if !ok {
		if !s.streams.KnownPeerID(f.StreamID) {
			return proto.Framingf("HEADERS on idle stream %d", f.StreamID)
		}
		return nil
	}
	for _, h := range fields {
		st.AddTrailer(h[0], h[1])
	}
	if f.Fin {
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, spdy.StatusStreamAlreadyClosed, err)
			return err
		}
		s.retire(st)
	}
	return nil
}

func (s *SPDY) handleData(f *spdy.Data) error {
	n := int64(len(f.Payload))
	if err := s.streams.ConsumeConnRecv(n); err != nil {
		return err
	}
	metrics.BytesIn.Add(float64(n))

	st, ok := s.streams.Get(f.StreamID)
	if !ok {
		if !s.streams.KnownPeerID(f.StreamID) {
			return proto.Framingf("DATA on idle stream %d", f.StreamID)
		}
		_ = s.writer.WriteRstStream(f.StreamID, spdy.StatusStreamAlreadyClosed)
		s.replenishConn(n)
		return proto.Streamf(f.StreamID, "DATA on closed stream")
	}

	if err := st.ConsumeRecv(n); err != nil {
		return err
	}
	if err := st.AppendBody(f.Payload); err != nil {
		s.resetWith(st, spdy.StatusStreamAlreadyClosed, err)
		return err
	}
	if f.Fin {
		if err := st.CloseRemote(); err != nil {
			s.resetWith(st, spdy.StatusStreamAlreadyClosed, err)
			return err
		}
		s.retire(st)
	}
	return nil
}

func (s *SPDY) handleWindowUpdate(f *spdy.WindowUpdate) error {
	if f.Delta == 0 {
		return proto.Framingf("WINDOW_UPDATE with zero delta")
	}
	if f.StreamID == 0 {
		if err := s.streams.ReplenishConnSend(int64(f.Delta)); err != nil {
			return err
		}
		s.wakeConn()
		return nil
	}
	st, ok := s.streams.Get(f.StreamID)
	if !ok {
		return nil
	}
	if err := st.ReplenishSend(int64(f.Delta)); err != nil {
		s.resetWith(st, spdy.StatusFlowControlError,
			proto.Streamf(st.ID, "send window overflow"))
		return proto.Streamf(st.ID, "send window overflow")
	}
	return nil
}

func (s *SPDY) handleRstStream(f *spdy.RstStream) error {
	st, ok := s.streams.Get(f.StreamID)
	if !ok {
		if !s.streams.KnownPeerID(f.StreamID) {
			return proto.Framingf("RST_STREAM on idle stream %d", f.StreamID)
		}
		return nil
	}
	cause := proto.Streamf(f.StreamID, "reset by client (status %d)", f.Status)
	st.Reset(cause)
	metrics.StreamResets.WithLabelValues("frontend").Inc()
	metrics.ActiveStreams.Dec()
	s.dispatcher.StreamClosed(s, st, cause)
	s.streams.Remove(f.StreamID)
	s.dropConsumed(f.StreamID)
	return nil
}

func (s *SPDY) handleSettings(f *spdy.Settings) error {
	for _, e := range f.Entries {
		switch e.ID {
		case spdy.SettingInitialWindowSize:
			if int64(e.Value) > proto.MaxWindow {
				return &proto.FlowControlError{Window: int64(e.Value)}
			}
			delta := int64(e.Value) - s.peerInitialWindow()
			s.peerInitial.Store(int64(e.Value))
			if err := s.streams.AdjustStreamSendWindows(delta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SPDY) peerInitialWindow() int64 {
	if v := s.peerInitial.Load(); v != 0 {
		return v
	}
	return proto.DefaultInitialWindow
}

func (s *SPDY) replenishConn(n int64) {
	if n <= 0 {
		return
	}
	if delta, ok := s.streams.NoteConnConsumed(n); ok {
		_ = s.writer.WriteWindowUpdate(0, uint32(delta))
	}
}

func (s *SPDY) wakeConn() {
	select {
	case s.connReady <- struct{}{}:
	default:
	}
}

// ConsumedBody replenishes receive windows once the bridge drained n
// request-body bytes.
func (s *SPDY) ConsumedBody(st *stream.Stream, n int) {
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

// WriteHeaders compresses and sends the response head as SYN_REPLY. The
// SPDY response dialect wants :status and :version alongside the regular
// fields.
func (s *SPDY) WriteHeaders(st *stream.Stream, status int, headers [][2]string, endStream bool) error {
	if s.closed.Load() {
		return errClosed
	}
	fields := make([][2]string, 0, len(headers)+2)
	fields = append(fields,
		[2]string{":status", fmt.Sprintf("%d %s", status, h1.StatusText(status))},
		[2]string{":version", "HTTP/1.1"})
	fields = append(fields, headers...)

	s.compMu.Lock()
	defer s.compMu.Unlock()
	block, err := s.comp.Compress(fields)
	if err != nil {
		return err
	}
	if err := s.writer.WriteSynReply(st.ID, endStream, block); err != nil {
		return err
	}
	if endStream {
		s.finishLocal(st)
	}
	return nil
}

// WriteData sends response body bytes, blocking while send windows are
// exhausted.
func (s *SPDY) WriteData(st *stream.Stream, data []byte, endStream bool) error {
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
		if limit := int64(s.opts.MaxFrameSize); allowed > limit {
			allowed = limit
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

func (s *SPDY) finishLocal(st *stream.Stream) {
	_ = st.CloseLocal()
	s.retire(st)
}

func (s *SPDY) retire(st *stream.Stream) {
	if st.State() != stream.StateClosed {
		return
	}
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
}

// dropConsumed clears the replenishment counter of a finished stream so
// the table does not grow with the connection's lifetime.
func (s *SPDY) dropConsumed(id uint32) {
	s.consumedMu.Lock()
	delete(s.streamConsumed, id)
	s.consumedMu.Unlock()
}

func (s *SPDY) resetWith(st *stream.Stream, status uint32, cause error) {
	if st.State().Terminal() {
		return
	}
	st.Reset(cause)
	_ = s.writer.WriteRstStream(st.ID, status)
	s.dispatcher.StreamClosed(s, st, cause)
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
	metrics.StreamResets.WithLabelValues("frontend").Inc()
}

// ResetStream aborts one stream; a no-op when already terminal.
func (s *SPDY) ResetStream(st *stream.Stream, cause error) {
	if st.State().Terminal() {
		return
	}
	st.Reset(cause)
	status := spdy.StatusInternalError
	if errors.Is(cause, proto.ErrTimeout) {
		status = spdy.StatusCancel
	}
	_ = s.writer.WriteRstStream(st.ID, status)
	s.streams.Remove(st.ID)
	s.dropConsumed(st.ID)
	metrics.ActiveStreams.Dec()
	metrics.StreamResets.WithLabelValues("backend").Inc()
}

// Drain refuses new streams and announces shutdown via GOAWAY.
func (s *SPDY) Drain() {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	_ = s.writer.WriteGoAway(s.streams.LastPeerID(), 0)
}

// Draining reports whether the session refuses new streams.
func (s *SPDY) Draining() bool { return s.draining.Load() }

func (s *SPDY) fatal(err error, status uint32) {
	if s.goneAway.CompareAndSwap(false, true) {
		_ = s.writer.WriteGoAway(s.streams.LastPeerID(), status)
	}
	metrics.ProtocolErrors.WithLabelValues(errKind(err)).Inc()
	s.Close(err)
}

// Close tears down the session, resetting every remaining stream.
func (s *SPDY) Close(cause error) {
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
		zap.String("proto", "spdy/3.1"),
		zap.String("remote", s.tr.RemoteAddr()),
		zap.NamedError("cause", cause))
}

// Closed reports whether the session is dead.
func (s *SPDY) Closed() bool { return s.closed.Load() }
