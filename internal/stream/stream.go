// Package stream implements the logical request/response exchange: its state
// machine, flow control windows, buffered headers and body, and the weak
// pairing handle that links a frontend stream to its backend counterpart.
package stream

import (
	"bytes"
	"sync"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// State is the stream life-cycle state.
type State int

// Stream states. Reset is terminal and reachable from any non-terminal
// state; Closed is reached when both directions saw end-of-stream.
const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	StateReset
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateReset
}

// Handle is a weak reference to a stream on another session: the owning
// session's id plus the stream id and the slot generation at pairing time.
// Tearing down either side invalidates the handle instead of leaving a
// dangling pointer; Manager.Resolve checks the generation.
type Handle struct {
	Session string
	ID      uint32
	Gen     uint64
}

// Zero reports whether the handle refers to nothing.
func (h Handle) Zero() bool { return h.ID == 0 && h.Session == "" }

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuf() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Stream is one logical exchange, owned exclusively by one session.
type Stream struct {
	ID uint32

	mu       sync.RWMutex
	state    State
	gen      uint64
	headers  [][2]string
	trailers [][2]string
	body     *bytes.Buffer
	// remoteClosed is set once the peer signalled end-of-stream; body bytes
	// buffered before that remain readable.
	remoteClosed bool
	resetErr     error

	sendWindow int64
	recvWindow int64

	peer Handle

	// bodyReady is signalled whenever body bytes or end-of-stream arrive,
	// and whenever the send window is replenished. Capacity one: it is a
	// wakeup, not a queue.
	bodyReady   chan struct{}
	windowReady chan struct{}

	manager *Manager
}

func newStream(id uint32, gen uint64, initialWindow int64) *Stream {
	return &Stream{
		ID:          id,
		state:       StateIdle,
		gen:         gen,
		body:        getBuf(),
		sendWindow:  initialWindow,
		recvWindow:  initialWindow,
		bodyReady:   make(chan struct{}, 1),
		windowReady: make(chan struct{}, 1),
	}
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Open transitions Idle -> Open. Opening an already-open stream is a no-op;
// opening a terminal stream is a stream protocol error.
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.setStateLocked(StateOpen)
		return nil
	case StateOpen:
		return nil
	default:
		return proto.Streamf(s.ID, "cannot open stream in state %s", s.state)
	}
}

// CloseRemote records end-of-stream from the peer.
func (s *Stream) CloseRemote() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen, StateIdle:
		s.setStateLocked(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		s.setStateLocked(StateClosed)
	case StateHalfClosedRemote, StateClosed, StateReset:
		return proto.Streamf(s.ID, "end-of-stream in state %s", s.state)
	}
	s.remoteClosed = true
	s.signalBody()
	return nil
}

// CloseLocal records end-of-stream sent by this side.
func (s *Stream) CloseLocal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen, StateIdle:
		s.setStateLocked(StateHalfClosedLocal)
	case StateHalfClosedRemote:
		s.setStateLocked(StateClosed)
	case StateHalfClosedLocal, StateClosed, StateReset:
		return proto.Streamf(s.ID, "local end-of-stream in state %s", s.state)
	}
	return nil
}

// Reset moves the stream to the Reset terminal state. Resetting a stream
// that is already Closed or Reset is a no-op. The cause is retained for
// readers blocked on the body.
func (s *Stream) Reset(cause error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateReset)
	s.resetErr = cause
	s.remoteClosed = true
	s.signalBody()
	s.signalWindow()
	s.mu.Unlock()
}

// ResetError returns the cause recorded by Reset, or nil.
func (s *Stream) ResetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resetErr
}

func (s *Stream) setStateLocked(next State) {
	prev := s.state
	s.state = next
	if s.manager != nil {
		s.manager.noteTransition(prev, next)
	}
}

// AddHeader appends one header field, preserving arrival order.
func (s *Stream) AddHeader(name, value string) {
	s.mu.Lock()
	s.headers = append(s.headers, [2]string{name, value})
	s.mu.Unlock()
}

// SetHeaders replaces the header list wholesale.
func (s *Stream) SetHeaders(headers [][2]string) {
	s.mu.Lock()
	s.headers = headers
	s.mu.Unlock()
}

// Headers returns a copy of the accumulated header fields.
func (s *Stream) Headers() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][2]string, len(s.headers))
	copy(out, s.headers)
	return out
}

// AddTrailer appends a trailing header field.
func (s *Stream) AddTrailer(name, value string) {
	s.mu.Lock()
	s.trailers = append(s.trailers, [2]string{name, value})
	s.mu.Unlock()
}

// Trailers returns a copy of the trailing header fields.
func (s *Stream) Trailers() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][2]string, len(s.trailers))
	copy(out, s.trailers)
	return out
}

// AppendBody buffers body bytes. Body data is only legal while the remote
// direction is still open.
func (s *Stream) AppendBody(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen, StateHalfClosedLocal:
	default:
		return proto.Streamf(s.ID, "data in state %s", s.state)
	}
	s.body.Write(data)
	s.signalBody()
	return nil
}

// TakeBody drains and returns the buffered body bytes, plus whether the
// remote side has finished sending. Returns the reset cause if the stream
// was reset.
func (s *Stream) TakeBody() (data []byte, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReset {
		return nil, true, s.resetErr
	}
	if s.body.Len() > 0 {
		data = make([]byte, s.body.Len())
		copy(data, s.body.Bytes())
		s.body.Reset()
	}
	return data, s.remoteClosed && s.body.Len() == 0, nil
}

// BodyReady returns the channel signalled when body bytes, end-of-stream,
// or a reset arrive.
func (s *Stream) BodyReady() <-chan struct{} { return s.bodyReady }

// WindowReady returns the channel signalled when the send window grows.
func (s *Stream) WindowReady() <-chan struct{} { return s.windowReady }

func (s *Stream) signalBody() {
	select {
	case s.bodyReady <- struct{}{}:
	default:
	}
}

func (s *Stream) signalWindow() {
	select {
	case s.windowReady <- struct{}{}:
	default:
	}
}

// SendWindow returns the bytes this side may still transmit on the stream.
func (s *Stream) SendWindow() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendWindow
}

// RecvWindow returns the bytes the peer may still send on the stream.
func (s *Stream) RecvWindow() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recvWindow
}

// ConsumeSend decrements the send window after transmitting n payload bytes.
func (s *Stream) ConsumeSend(n int64) {
	s.mu.Lock()
	s.sendWindow -= n
	s.mu.Unlock()
}

// ReplenishSend applies a window-update delta from the peer. Overflowing
// the protocol maximum is a flow control violation.
func (s *Stream) ReplenishSend(delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendWindow += delta
	if s.sendWindow > proto.MaxWindow {
		return &proto.FlowControlError{StreamID: s.ID, Window: s.sendWindow}
	}
	s.signalWindow()
	return nil
}

// ConsumeRecv accounts for n received payload bytes. The receive window may
// not go negative: a frame larger than the remaining window violates flow
// control and, per the propagation policy, terminates the session.
func (s *Stream) ConsumeRecv(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.recvWindow {
		return &proto.FlowControlError{StreamID: s.ID, Window: s.recvWindow - n}
	}
	s.recvWindow -= n
	return nil
}

// ReplenishRecv restores the peer's ability to send after we consumed data.
func (s *Stream) ReplenishRecv(delta int64) {
	s.mu.Lock()
	s.recvWindow += delta
	s.mu.Unlock()
}

// SetPeer records the weak back-reference to the bridged counterpart.
func (s *Stream) SetPeer(h Handle) {
	s.mu.Lock()
	s.peer = h
	s.mu.Unlock()
}

// Peer returns the pairing handle; resolve it through the counterpart's
// Manager before use.
func (s *Stream) Peer() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Gen returns the slot generation assigned when the stream was created.
func (s *Stream) Gen() uint64 {
	return s.gen
}

// RemoteDone reports whether the peer finished sending.
func (s *Stream) RemoteDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteClosed
}
