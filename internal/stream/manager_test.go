package stream

import (
	"errors"
	"testing"

	"github.com/iwanaga/nghttp2/internal/proto"
)

func TestManager_OpenPeerIDRules(t *testing.T) {
	m := NewManager("s1", false)

	if _, err := m.OpenPeer(0); err == nil {
		t.Error("stream id 0 should be rejected")
	}

	if _, err := m.OpenPeer(5); err != nil {
		t.Fatalf("OpenPeer(5) error = %v", err)
	}

	// Reused and non-increasing ids are connection-level violations.
	for _, id := range []uint32{5, 3} {
		_, err := m.OpenPeer(id)
		var fe *proto.FramingError
		if !errors.As(err, &fe) {
			t.Errorf("OpenPeer(%d) error = %v, want FramingError", id, err)
		}
	}

	if _, err := m.OpenPeer(7); err != nil {
		t.Errorf("OpenPeer(7) error = %v", err)
	}
	if m.LastPeerID() != 7 {
		t.Errorf("LastPeerID() = %d, want 7", m.LastPeerID())
	}
}

func TestManager_ConcurrentStreamLimit(t *testing.T) {
	m := NewManager("s1", false)
	m.SetMaxStreams(2)

	if _, err := m.OpenPeer(1); err != nil {
		t.Fatalf("OpenPeer(1) error = %v", err)
	}
	if _, err := m.OpenPeer(3); err != nil {
		t.Fatalf("OpenPeer(3) error = %v", err)
	}

	_, err := m.OpenPeer(5)
	var se *proto.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("OpenPeer(5) error = %v, want StreamError", err)
	}
	if proto.SessionFatal(err) {
		t.Error("stream limit refusal must stay stream-scoped")
	}

	// Finishing a stream frees a slot.
	s, _ := m.Get(1)
	if err := s.CloseRemote(); err != nil {
		t.Fatalf("CloseRemote() error = %v", err)
	}
	if err := s.CloseLocal(); err != nil {
		t.Fatalf("CloseLocal() error = %v", err)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if _, err := m.OpenPeer(5); err != nil {
		t.Errorf("OpenPeer(5) after slot freed error = %v", err)
	}
}

func TestManager_KnownPeerID(t *testing.T) {
	m := NewManager("s1", false)
	if _, err := m.OpenPeer(5); err != nil {
		t.Fatalf("OpenPeer(5) error = %v", err)
	}
	m.Remove(5)

	if !m.KnownPeerID(3) || !m.KnownPeerID(5) {
		t.Error("ids at or below the high-water mark were validly allocated")
	}
	if m.KnownPeerID(7) {
		t.Error("id above the high-water mark was never allocated")
	}
	if m.KnownPeerID(0) {
		t.Error("id 0 is never a peer stream")
	}
}

func TestManager_OpenLocalIDs(t *testing.T) {
	even := NewManager("backend", false)
	if s := even.OpenLocal(); s.ID != 2 {
		t.Errorf("first even-side local id = %d, want 2", s.ID)
	}
	if s := even.OpenLocal(); s.ID != 4 {
		t.Errorf("second even-side local id = %d, want 4", s.ID)
	}

	odd := NewManager("client", true)
	if s := odd.OpenLocal(); s.ID != 1 {
		t.Errorf("first odd-side local id = %d, want 1", s.ID)
	}
	if s := odd.OpenLocal(); s.ID != 3 {
		t.Errorf("second odd-side local id = %d, want 3", s.ID)
	}
}

func TestManager_HandleResolve(t *testing.T) {
	m := NewManager("s1", false)
	s, err := m.OpenPeer(1)
	if err != nil {
		t.Fatalf("OpenPeer() error = %v", err)
	}
	h := m.Handle(s)

	got, ok := m.Resolve(h)
	if !ok || got != s {
		t.Fatalf("Resolve() = %v, %v", got, ok)
	}

	// Wrong session id never resolves.
	if _, ok := m.Resolve(Handle{Session: "other", ID: 1, Gen: h.Gen}); ok {
		t.Error("Resolve() with foreign session id succeeded")
	}

	// Removing the stream invalidates the handle.
	m.Remove(1)
	if _, ok := m.Resolve(h); ok {
		t.Error("Resolve() after Remove succeeded")
	}
}

func TestManager_HandleGenerationGuardsReuse(t *testing.T) {
	m := NewManager("s1", false)
	s1, _ := m.OpenPeer(1)
	h := m.Handle(s1)
	m.Remove(1)

	// Simulate a different exchange occupying state for a new id; the stale
	// handle's generation must not match any newer stream.
	s2, err := m.OpenPeer(3)
	if err != nil {
		t.Fatalf("OpenPeer(3) error = %v", err)
	}
	if s2.Gen() == h.Gen {
		t.Fatal("generations must be unique per stream")
	}
	if _, ok := m.Resolve(Handle{Session: "s1", ID: 3, Gen: h.Gen}); ok {
		t.Error("stale generation resolved against newer stream")
	}
}

func TestManager_ConnWindows(t *testing.T) {
	m := NewManager("s1", false)

	if err := m.ConsumeConnRecv(proto.DefaultInitialWindow); err != nil {
		t.Fatalf("ConsumeConnRecv(full) error = %v", err)
	}
	err := m.ConsumeConnRecv(1)
	var fce *proto.FlowControlError
	if !errors.As(err, &fce) {
		t.Errorf("ConsumeConnRecv() past window error = %v, want FlowControlError", err)
	}

	m.ConsumeConnSend(100)
	if m.ConnSendWindow() != proto.DefaultInitialWindow-100 {
		t.Errorf("ConnSendWindow() = %d", m.ConnSendWindow())
	}
	if err := m.ReplenishConnSend(100); err != nil {
		t.Fatalf("ReplenishConnSend() error = %v", err)
	}
	if err := m.ReplenishConnSend(proto.MaxWindow); err == nil {
		t.Error("ReplenishConnSend() overflow should fail")
	}
}

func TestManager_NoteConnConsumedThreshold(t *testing.T) {
	m := NewManager("s1", false)
	half := int64(proto.DefaultInitialWindow) / 2

	if delta, update := m.NoteConnConsumed(half - 1); update {
		t.Errorf("update below threshold: delta = %d", delta)
	}
	delta, update := m.NoteConnConsumed(1)
	if !update || delta != half {
		t.Errorf("NoteConnConsumed() = %d, %v, want %d, true", delta, update, half)
	}
	// Counter resets after an update.
	if _, update := m.NoteConnConsumed(1); update {
		t.Error("counter should reset after replenish")
	}
}

func TestManager_AdjustStreamSendWindows(t *testing.T) {
	m := NewManager("s1", false)
	s, _ := m.OpenPeer(1)
	if err := m.AdjustStreamSendWindows(-1000); err != nil {
		t.Fatalf("AdjustStreamSendWindows() error = %v", err)
	}
	if s.SendWindow() != proto.DefaultInitialWindow-1000 {
		t.Errorf("SendWindow() = %d", s.SendWindow())
	}
}
