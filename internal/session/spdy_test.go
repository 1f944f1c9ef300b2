package session

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/spdy"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// spdyClient is the test's client half with its own compression context.
type spdyClient struct {
	t      *testing.T
	comp   *spdy.Compressor
	decomp *spdy.Decompressor
	rd     *spdy.Reader
}

func newSPDYClient(t *testing.T) *spdyClient {
	comp, err := spdy.NewCompressor()
	if err != nil {
		t.Fatalf("NewCompressor() error = %v", err)
	}
	return &spdyClient{
		t:      t,
		comp:   comp,
		decomp: spdy.NewDecompressor(),
		rd:     spdy.NewReader(proto.DefaultMaxFrameSize),
	}
}

func (c *spdyClient) synStream(streamID uint32, fin bool, fields [][2]string) []byte {
	block, err := c.comp.Compress(fields)
	if err != nil {
		c.t.Fatalf("compress: %v", err)
	}
	var buf bytes.Buffer
	w := spdy.NewWriter(&buf)
	if err := w.WriteSynStream(streamID, 0, fin, block); err != nil {
		c.t.Fatalf("write syn_stream: %v", err)
	}
	return buf.Bytes()
}

func (c *spdyClient) dataFrame(streamID uint32, fin bool, payload []byte) []byte {
	var buf bytes.Buffer
	w := spdy.NewWriter(&buf)
	if err := w.WriteData(streamID, fin, payload); err != nil {
		c.t.Fatalf("write data: %v", err)
	}
	return buf.Bytes()
}

func (c *spdyClient) frames(wire []byte) []spdy.Frame {
	c.rd.Feed(wire)
	var out []spdy.Frame
	for {
		f, err := c.rd.Next()
		if err != nil {
			c.t.Fatalf("decode server frame: %v", err)
		}
		if f == nil {
			return out
		}
		out = append(out, f)
	}
}

func spdyRequestFields(path string) [][2]string {
	return [][2]string{
		{":method", "GET"},
		{":path", path},
		{":host", "example.com"},
		{":scheme", "http"},
		{":version", "HTTP/1.1"},
	}
}

// newSPDYSession constructs a session and consumes the initial SETTINGS.
func newSPDYSession(t *testing.T) (*SPDY, *fakeTransport, *fakeDispatcher, *spdyClient) {
	t.Helper()
	tr := &fakeTransport{}
	d := &fakeDispatcher{}
	c := newSPDYClient(t)
	s, err := NewSPDY(tr, d, zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("NewSPDY() error = %v", err)
	}
	frames := c.frames(tr.take())
	if len(frames) != 1 {
		t.Fatalf("initial frames = %d, want SETTINGS", len(frames))
	}
	settings, ok := frames[0].(*spdy.Settings)
	if !ok {
		t.Fatalf("initial frame = %T, want SETTINGS", frames[0])
	}
	found := false
	for _, e := range settings.Entries {
		if e.ID == spdy.SettingInitialWindowSize && e.Value == proto.DefaultInitialWindow {
			found = true
		}
	}
	if !found {
		t.Fatalf("SETTINGS entries = %+v, want initial window advertised", settings.Entries)
	}
	return s, tr, d, c
}

func TestSPDY_SynStreamDispatch(t *testing.T) {
	s, _, d, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, true, spdyRequestFields("/index"))); err != nil {
		t.Fatalf("Receive(SYN_STREAM) error = %v", err)
	}
	if d.openedCount() != 1 {
		t.Fatalf("opened = %d, want 1", d.openedCount())
	}
	st := d.opened[0]
	if st.ID != 1 {
		t.Errorf("stream id = %d", st.ID)
	}
	if st.State() != stream.StateHalfClosedRemote {
		t.Errorf("state = %v, want half-closed-remote", st.State())
	}

	// :host is normalized to :authority and :version dropped.
	var authority string
	for _, h := range st.Headers() {
		if h[0] == ":authority" {
			authority = h[1]
		}
		if h[0] == ":host" || h[0] == ":version" {
			t.Errorf("header %q leaked through normalization", h[0])
		}
	}
	if authority != "example.com" {
		t.Errorf("authority = %q", authority)
	}
}

func TestSPDY_RequestBody(t *testing.T) {
	s, _, d, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, false, spdyRequestFields("/upload"))); err != nil {
		t.Fatalf("Receive(SYN_STREAM) error = %v", err)
	}
	if err := s.Receive(c.dataFrame(1, false, []byte("part one "))); err != nil {
		t.Fatalf("Receive(DATA) error = %v", err)
	}
	if err := s.Receive(c.dataFrame(1, true, []byte("part two"))); err != nil {
		t.Fatalf("Receive(DATA fin) error = %v", err)
	}

	data, done, err := d.opened[0].TakeBody()
	if err != nil {
		t.Fatalf("TakeBody() error = %v", err)
	}
	if string(data) != "part one part two" || !done {
		t.Errorf("TakeBody() = %q, %v", data, done)
	}
}

func TestSPDY_ResponseRoundTrip(t *testing.T) {
	s, tr, d, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, true, spdyRequestFields("/"))); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	st := d.opened[0]

	if err := s.WriteHeaders(st, 200, [][2]string{{"content-length", "5"}}, false); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := s.WriteData(st, []byte("hello"), true); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	frames := c.frames(tr.take())
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want SYN_REPLY and DATA", len(frames))
	}
	reply, ok := frames[0].(*spdy.SynReply)
	if !ok || reply.StreamID != 1 || reply.Fin {
		t.Fatalf("frame 0 = %T %+v", frames[0], frames[0])
	}
	fields, err := c.decomp.Decompress(reply.HeaderBlock)
	if err != nil {
		t.Fatalf("decompress reply: %v", err)
	}
	if fields[0] != [2]string{":status", "200 OK"} {
		t.Errorf("fields[0] = %v", fields[0])
	}
	if fields[1] != [2]string{":version", "HTTP/1.1"} {
		t.Errorf("fields[1] = %v", fields[1])
	}
	data, ok := frames[1].(*spdy.Data)
	if !ok || string(data.Payload) != "hello" || !data.Fin {
		t.Fatalf("frame 1 = %T %+v", frames[1], frames[1])
	}

	if s.Streams().Count() != 0 {
		t.Errorf("stream table count = %d, want 0", s.Streams().Count())
	}
}

func TestSPDY_DrainRefusesNewStreams(t *testing.T) {
	s, tr, d, c := newSPDYSession(t)

	s.Drain()
	frames := c.frames(tr.take())
	if len(frames) != 1 {
		t.Fatalf("frames after drain = %d, want GOAWAY", len(frames))
	}
	if ga, ok := frames[0].(*spdy.GoAway); !ok || ga.Status != 0 {
		t.Fatalf("frame = %T %+v", frames[0], frames[0])
	}

	if err := s.Receive(c.synStream(1, true, spdyRequestFields("/late"))); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if d.openedCount() != 0 {
		t.Error("stream dispatched during drain")
	}
	frames = c.frames(tr.take())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want RST_STREAM", len(frames))
	}
	rst, ok := frames[0].(*spdy.RstStream)
	if !ok || rst.StreamID != 1 || rst.Status != spdy.StatusRefusedStream {
		t.Errorf("frame = %T %+v", frames[0], frames[0])
	}
}

// A refused SYN_STREAM still advances the shared zlib context; the session
// must keep decompressing later blocks.
func TestSPDY_RefusedStreamKeepsContextInSync(t *testing.T) {
	s, tr, d, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, true, spdyRequestFields("/first"))); err != nil {
		t.Fatalf("Receive(first) error = %v", err)
	}
	s.Drain()
	if err := s.Receive(c.synStream(3, true, spdyRequestFields("/refused"))); err != nil {
		t.Fatalf("Receive(refused) error = %v", err)
	}
	if s.Closed() {
		t.Fatal("session must survive a refused stream")
	}

	// The accepted stream still works end to end.
	tr.take()
	if err := s.WriteHeaders(d.opened[0], 204, nil, true); err != nil {
		t.Errorf("WriteHeaders() error = %v", err)
	}
}

func TestSPDY_PingEcho(t *testing.T) {
	s, tr, _, c := newSPDYSession(t)

	var buf bytes.Buffer
	w := spdy.NewWriter(&buf)
	if err := w.WritePing(7); err != nil {
		t.Fatalf("client ping: %v", err)
	}
	if err := w.WritePing(8); err != nil {
		t.Fatalf("client ping: %v", err)
	}
	if err := s.Receive(buf.Bytes()); err != nil {
		t.Fatalf("Receive(PING) error = %v", err)
	}

	// Odd ids are echoed, even ids are ours and ignored.
	frames := c.frames(tr.take())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want one echo", len(frames))
	}
	if ping, ok := frames[0].(*spdy.Ping); !ok || ping.ID != 7 {
		t.Errorf("frame = %T %+v", frames[0], frames[0])
	}
}

func TestSPDY_ClientReset(t *testing.T) {
	s, _, d, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, false, spdyRequestFields("/"))); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	var buf bytes.Buffer
	w := spdy.NewWriter(&buf)
	if err := w.WriteRstStream(1, spdy.StatusCancel); err != nil {
		t.Fatalf("client rst: %v", err)
	}
	if err := s.Receive(buf.Bytes()); err != nil {
		t.Fatalf("Receive(RST) error = %v", err)
	}

	if d.closedCount() != 1 {
		t.Fatalf("closed = %d, want 1", d.closedCount())
	}
	if d.closed[0].State() != stream.StateReset {
		t.Errorf("state = %v, want reset", d.closed[0].State())
	}
	if s.Streams().Count() != 0 {
		t.Errorf("stream table count = %d", s.Streams().Count())
	}
}

// DATA kept within each stream's window can still overrun the shared
// connection window; that violation ends the whole session.
func TestSPDY_ConnWindowOverrunIsFatal(t *testing.T) {
	s, tr, _, c := newSPDYSession(t)

	if err := s.Receive(c.synStream(1, false, spdyRequestFields("/a"))); err != nil {
		t.Fatalf("Receive(SYN_STREAM 1) error = %v", err)
	}
	if err := s.Receive(c.synStream(3, false, spdyRequestFields("/b"))); err != nil {
		t.Fatalf("Receive(SYN_STREAM 3) error = %v", err)
	}

	// Four full frames split across two streams: 65536 bytes against the
	// 65535-byte connection window, 32768 per stream.
	chunk := make([]byte, 16384)
	var err error
	for _, id := range []uint32{1, 1, 3, 3} {
		if err = s.Receive(c.dataFrame(id, false, chunk)); err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("connection window overrun must be an error")
	}
	var fc *proto.FlowControlError
	if !errors.As(err, &fc) {
		t.Errorf("error = %v, want flow-control", err)
	}
	if !proto.SessionFatal(err) {
		t.Errorf("error %v should be session fatal", err)
	}
	if !s.Closed() || !tr.isClosed() {
		t.Error("session and transport should be closed")
	}
	foundGoAway := false
	for _, f := range c.frames(tr.take()) {
		if _, ok := f.(*spdy.GoAway); ok {
			foundGoAway = true
		}
	}
	if !foundGoAway {
		t.Error("expected GOAWAY before teardown")
	}
}

func TestSPDY_DataOnIdleStreamIsFatal(t *testing.T) {
	s, _, _, c := newSPDYSession(t)
	err := s.Receive(c.dataFrame(7, false, []byte("x")))
	if err == nil || !proto.SessionFatal(err) {
		t.Errorf("DATA on never-opened stream error = %v, want fatal", err)
	}
	if !s.Closed() {
		t.Error("session should be closed")
	}
}

func TestSPDY_EvenStreamIDIsFatal(t *testing.T) {
	s, tr, _, c := newSPDYSession(t)
	err := s.Receive(c.synStream(2, true, spdyRequestFields("/")))
	if err == nil || !proto.SessionFatal(err) {
		t.Fatalf("even stream id error = %v, want fatal", err)
	}
	frames := c.frames(tr.take())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want GOAWAY", len(frames))
	}
	if ga, ok := frames[0].(*spdy.GoAway); !ok || ga.Status != spdy.StatusProtocolError {
		t.Errorf("frame = %T %+v", frames[0], frames[0])
	}
}

func TestSPDY_CloseResetsStreams(t *testing.T) {
	s, _, d, c := newSPDYSession(t)
	if err := s.Receive(c.synStream(1, false, spdyRequestFields("/"))); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	st := d.opened[0]

	s.Close(proto.ErrTimeout)
	if !s.Closed() {
		t.Fatal("Closed() = false")
	}
	if st.State() != stream.StateReset {
		t.Errorf("stream state = %v, want reset", st.State())
	}
	if d.closedCount() != 1 {
		t.Errorf("closed = %d, want 1", d.closedCount())
	}
	if err := s.Receive([]byte{0}); err != errClosed {
		t.Errorf("Receive() after close error = %v, want errClosed", err)
	}
}
