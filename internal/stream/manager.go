package stream

import (
	"sync"
	"sync/atomic"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// Manager owns the stream table of one session. Sessions are single-owner
// (one event loop touches a session at a time), but the bridge resolves
// pairing handles from pump goroutines, so the table itself is guarded.
type Manager struct {
	mu sync.RWMutex

	sessionID string
	streams   map[uint32]*Stream
	gen       uint64

	// lastPeerID is the highest peer-initiated stream id seen; ids must be
	// monotonically increasing and reuse is invalid.
	lastPeerID  uint32
	nextLocalID uint32

	initialWindow int64
	maxFrameSize  uint32
	maxStreams    uint32
	active        atomic.Int32

	connSend int64
	connRecv int64
	// recvConsumed accumulates connection-level bytes consumed since the
	// last window update we emitted.
	recvConsumed int64
}

// NewManager creates a stream table for one session. localOdd selects odd
// ids for locally initiated streams (client side) or even ids (server side).
func NewManager(sessionID string, localOdd bool) *Manager {
	next := uint32(2)
	if localOdd {
		next = 1
	}
	return &Manager{
		sessionID:     sessionID,
		streams:       make(map[uint32]*Stream),
		nextLocalID:   next,
		initialWindow: proto.DefaultInitialWindow,
		maxFrameSize:  proto.DefaultMaxFrameSize,
		maxStreams:    100,
		connSend:      proto.DefaultInitialWindow,
		connRecv:      proto.DefaultInitialWindow,
	}
}

// SessionID returns the owning session's id, used in pairing handles.
func (m *Manager) SessionID() string { return m.sessionID }

// SetInitialWindow updates the initial window applied to new streams.
func (m *Manager) SetInitialWindow(w int64) {
	m.mu.Lock()
	m.initialWindow = w
	m.mu.Unlock()
}

// AdjustStreamSendWindows applies an INITIAL_WINDOW_SIZE delta to every
// live stream's send window, as SETTINGS requires.
func (m *Manager) AdjustStreamSendWindows(delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		if err := s.ReplenishSend(delta); err != nil {
			return err
		}
	}
	return nil
}

// SetMaxFrameSize records the negotiated maximum frame payload size.
func (m *Manager) SetMaxFrameSize(n uint32) {
	m.mu.Lock()
	m.maxFrameSize = n
	m.mu.Unlock()
}

// MaxFrameSize returns the negotiated maximum frame payload size.
func (m *Manager) MaxFrameSize() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxFrameSize
}

// SetMaxStreams bounds concurrently active peer-initiated streams.
func (m *Manager) SetMaxStreams(n uint32) {
	m.mu.Lock()
	m.maxStreams = n
	m.mu.Unlock()
}

// OpenPeer validates and opens a peer-initiated stream. A zero, reused, or
// non-increasing id is a connection-level violation; exceeding the stream
// limit is a stream-level refusal.
func (m *Manager) OpenPeer(id uint32) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 {
		return nil, proto.Framingf("stream id 0 is reserved")
	}
	if id <= m.lastPeerID {
		return nil, proto.Framingf("stream id %d not above last id %d", id, m.lastPeerID)
	}
	if uint32(m.active.Load()) >= m.maxStreams {
		return nil, proto.Streamf(id, "concurrent stream limit %d exceeded", m.maxStreams)
	}
	m.lastPeerID = id
	s := m.createLocked(id)
	s.state = StateOpen
	m.active.Add(1)
	return s, nil
}

// OpenLocal allocates the next locally initiated stream id and opens it.
func (m *Manager) OpenLocal() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextLocalID
	m.nextLocalID += 2
	s := m.createLocked(id)
	s.state = StateOpen
	m.active.Add(1)
	return s
}

func (m *Manager) createLocked(id uint32) *Stream {
	m.gen++
	s := newStream(id, m.gen, m.initialWindow)
	s.manager = m
	m.streams[id] = s
	return s
}

// Get returns the stream with the given id.
func (m *Manager) Get(id uint32) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// KnownPeerID reports whether a peer-initiated id was ever validly
// allocated on this session. Frames for an id above the high-water mark
// were never opened and are a connection error; at or below, the stream
// simply finished already and the violation is stream-scoped.
func (m *Manager) KnownPeerID(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id != 0 && id <= m.lastPeerID
}

// LastPeerID returns the highest peer-initiated stream id accepted.
func (m *Manager) LastPeerID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPeerID
}

// Resolve turns a pairing handle into a live stream. It fails when the
// stream is gone or its slot was reused by a newer generation.
func (m *Manager) Resolve(h Handle) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h.Session != m.sessionID {
		return nil, false
	}
	s, ok := m.streams[h.ID]
	if !ok || s.gen != h.Gen {
		return nil, false
	}
	return s, true
}

// Handle builds the weak reference for a stream owned by this manager.
func (m *Manager) Handle(s *Stream) Handle {
	return Handle{Session: m.sessionID, ID: s.ID, Gen: s.gen}
}

// Remove drops a stream from the table once it reached a terminal state.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Count returns the number of streams currently in the table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// ActiveCount returns streams in Open or half-closed states.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

// ForEach calls fn for every stream. The table lock is held; fn must not
// call back into the manager.
func (m *Manager) ForEach(fn func(*Stream)) {
	m.mu.RLock()
	for _, s := range m.streams {
		fn(s)
	}
	m.mu.RUnlock()
}

func (m *Manager) noteTransition(prev, next State) {
	wasActive := prev == StateOpen || prev == StateHalfClosedLocal || prev == StateHalfClosedRemote
	isActive := next == StateOpen || next == StateHalfClosedLocal || next == StateHalfClosedRemote
	if wasActive == isActive {
		return
	}
	// Called with the stream's lock held, so the counter is atomic rather
	// than guarded by the table lock.
	if isActive {
		m.active.Add(1)
	} else if m.active.Load() > 0 {
		m.active.Add(-1)
	}
}

// ConnSendWindow returns the connection-level send window.
func (m *Manager) ConnSendWindow() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connSend
}

// ConnRecvWindow returns the connection-level receive window.
func (m *Manager) ConnRecvWindow() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connRecv
}

// ConsumeConnSend decrements the connection send window after a DATA write.
func (m *Manager) ConsumeConnSend(n int64) {
	m.mu.Lock()
	m.connSend -= n
	m.mu.Unlock()
}

// ReplenishConnSend applies a connection-level window update from the peer.
func (m *Manager) ReplenishConnSend(delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connSend += delta
	if m.connSend > proto.MaxWindow {
		return &proto.FlowControlError{StreamID: 0, Window: m.connSend}
	}
	return nil
}

// ConsumeConnRecv accounts for received payload bytes against the
// connection window. Exceeding the window is unrecoverable for the session.
func (m *Manager) ConsumeConnRecv(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.connRecv {
		return &proto.FlowControlError{StreamID: 0, Window: m.connRecv - n}
	}
	m.connRecv -= n
	return nil
}

// NoteConnConsumed records bytes handed off to the application side and
// reports the replenishment delta to send, if the threshold was crossed.
// The policy replenishes once half the initial window has been consumed,
// which never lets the peer's view of our window reach zero under
// sustained consumption.
func (m *Manager) NoteConnConsumed(n int64) (delta int64, update bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvConsumed += n
	if m.recvConsumed >= m.initialWindow/2 {
		delta = m.recvConsumed
		m.recvConsumed = 0
		m.connRecv += delta
		return delta, true
	}
	return 0, false
}
