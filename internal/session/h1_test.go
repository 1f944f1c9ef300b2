package session

import (
	"testing"

	"go.uber.org/zap"

	"github.com/iwanaga/nghttp2/internal/h1"
	"github.com/iwanaga/nghttp2/internal/stream"
)

func newH1Session(t *testing.T) (*H1, *fakeTransport, *fakeDispatcher) {
	t.Helper()
	tr := &fakeTransport{}
	d := &fakeDispatcher{}
	return NewH1(tr, d, zap.NewNop(), Options{}), tr, d
}

// readResponse parses one response head plus its body from captured bytes.
func readResponse(t *testing.T, wire []byte) (h1.Response, []byte) {
	t.Helper()
	var resp h1.Response
	consumed, err := h1.ParseResponse(wire, &resp)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if consumed == 0 {
		t.Fatalf("incomplete response head: %q", wire)
	}
	rest := wire[consumed:]
	if resp.ContentLength > 0 {
		if int64(len(rest)) < resp.ContentLength {
			t.Fatalf("short body: %d of %d bytes", len(rest), resp.ContentLength)
		}
		return resp, rest[:resp.ContentLength]
	}
	if resp.Chunked {
		dec := h1.NewBodyDecoder(-1, true)
		payload, n, err := dec.Decode(rest)
		if err != nil {
			t.Fatalf("decode chunked body: %v", err)
		}
		if !dec.Done() || n != len(rest) {
			t.Fatalf("chunked body incomplete after %d of %d bytes", n, len(rest))
		}
		return resp, payload
	}
	return resp, rest
}

func TestH1_RequestDispatch(t *testing.T) {
	s, _, d := newH1Session(t)

	err := s.Receive([]byte("GET /index HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"))
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if d.openedCount() != 1 {
		t.Fatalf("opened = %d, want 1", d.openedCount())
	}
	st := d.opened[0]
	if st.ID != 1 {
		t.Errorf("synthetic id = %d, want 1", st.ID)
	}
	if st.State() != stream.StateHalfClosedRemote {
		t.Errorf("state = %v, want half-closed-remote", st.State())
	}
	headers := st.Headers()
	want := [][2]string{
		{":method", "GET"},
		{":path", "/index"},
		{":scheme", "http"},
		{":authority", "example.com"},
	}
	for i, w := range want {
		if headers[i] != w {
			t.Errorf("headers[%d] = %v, want %v", i, headers[i], w)
		}
	}
}

func TestH1_KeepAliveSequence(t *testing.T) {
	s, tr, d := newH1Session(t)

	if err := s.Receive([]byte("GET /a HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := s.WriteHeaders(d.opened[0], 200, [][2]string{{"content-length", "2"}}, false); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := s.WriteData(d.opened[0], []byte("ok"), true); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	resp, body := readResponse(t, tr.take())
	if resp.Status != 200 || string(body) != "ok" {
		t.Fatalf("response = %d %q", resp.Status, body)
	}
	if !resp.KeepAlive {
		t.Error("keep-alive response should not carry connection: close")
	}
	if s.Closed() {
		t.Fatal("session closed after keep-alive exchange")
	}

	// The next request gets the next odd synthetic id.
	if err := s.Receive([]byte("GET /b HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive(second) error = %v", err)
	}
	if d.openedCount() != 2 {
		t.Fatalf("opened = %d, want 2", d.openedCount())
	}
	if d.opened[1].ID != 3 {
		t.Errorf("second synthetic id = %d, want 3", d.opened[1].ID)
	}
}

func TestH1_ChunkedResponse(t *testing.T) {
	s, tr, d := newH1Session(t)

	if err := s.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	st := d.opened[0]
	// No content-length and no end of stream: the body goes out chunked.
	if err := s.WriteHeaders(st, 200, nil, false); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := s.WriteData(st, []byte("hello "), false); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if err := s.WriteData(st, []byte("world"), true); err != nil {
		t.Fatalf("WriteData(fin) error = %v", err)
	}

	resp, body := readResponse(t, tr.take())
	if !resp.Chunked {
		t.Error("response should be chunked")
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q", body)
	}
}

func TestH1_RequestBodyContentLength(t *testing.T) {
	s, _, d := newH1Session(t)

	head := "POST /upload HTTP/1.1\r\nHost: a\r\nContent-Length: 17\r\n\r\n"
	if err := s.Receive([]byte(head + "part one ")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	st := d.opened[0]
	if st.State() != stream.StateOpen {
		t.Fatalf("state = %v, want open while body pending", st.State())
	}
	if err := s.Receive([]byte("part two")); err != nil {
		t.Fatalf("Receive(rest) error = %v", err)
	}

	data, done, err := st.TakeBody()
	if err != nil {
		t.Fatalf("TakeBody() error = %v", err)
	}
	if string(data) != "part one part two" || !done {
		t.Errorf("TakeBody() = %q, %v", data, done)
	}
	if st.State() != stream.StateHalfClosedRemote {
		t.Errorf("state = %v, want half-closed-remote", st.State())
	}
}

func TestH1_RequestBodyChunked(t *testing.T) {
	s, _, d := newH1Session(t)

	wire := "POST /upload HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	if err := s.Receive([]byte(wire)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	data, done, err := d.opened[0].TakeBody()
	if err != nil {
		t.Fatalf("TakeBody() error = %v", err)
	}
	if string(data) != "hello" || !done {
		t.Errorf("TakeBody() = %q, %v", data, done)
	}
}

func TestH1_PipelinedRequestsAreSequenced(t *testing.T) {
	s, tr, d := newH1Session(t)

	two := "GET /a HTTP/1.1\r\nHost: a\r\n\r\nGET /b HTTP/1.1\r\nHost: a\r\n\r\n"
	if err := s.Receive([]byte(two)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	// The second request waits until the first response completes.
	if d.openedCount() != 1 {
		t.Fatalf("opened = %d, want 1 before response", d.openedCount())
	}

	if err := s.WriteHeaders(d.opened[0], 204, nil, true); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if d.openedCount() != 2 {
		t.Fatalf("opened = %d, want 2 after response", d.openedCount())
	}
	if got := headerValue(d.opened[1].Headers(), ":path"); got != "/b" {
		t.Errorf("second request path = %q", got)
	}
	tr.take()
}

func headerValue(fields [][2]string, name string) string {
	for _, f := range fields {
		if f[0] == name {
			return f[1]
		}
	}
	return ""
}

func TestH1_ConnectionCloseEndsSession(t *testing.T) {
	s, tr, d := newH1Session(t)

	if err := s.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := s.WriteHeaders(d.opened[0], 204, nil, true); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}

	resp, _ := readResponse(t, tr.take())
	if resp.KeepAlive {
		t.Error("response should carry connection: close")
	}
	if !s.Closed() || !tr.isClosed() {
		t.Error("session should close after the exchange")
	}
}

func TestH1_MalformedRequestRejected(t *testing.T) {
	s, tr, _ := newH1Session(t)

	err := s.Receive([]byte("BOGUS\r\n\r\n"))
	if err == nil {
		t.Fatal("malformed request must be an error")
	}
	resp, _ := readResponse(t, tr.take())
	if resp.Status != 400 {
		t.Errorf("status = %d, want 400", resp.Status)
	}
	if resp.KeepAlive {
		t.Error("reject response should close the connection")
	}
	if !s.Closed() {
		t.Error("session should be closed")
	}
}

func TestH1_OutOfOrderResponseRejected(t *testing.T) {
	s, _, d := newH1Session(t)

	if err := s.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	other := s.Streams().OpenLocal()
	if err := s.WriteHeaders(other, 200, nil, true); err == nil {
		t.Error("response for a stream other than the current one must fail")
	}
	if err := s.WriteHeaders(d.opened[0], 204, nil, true); err != nil {
		t.Errorf("WriteHeaders(current) error = %v", err)
	}
}

func TestH1_DrainIdleCloses(t *testing.T) {
	s, _, _ := newH1Session(t)
	s.Drain()
	if !s.Closed() {
		t.Error("idle session should close on drain")
	}
}

func TestH1_DrainFinishesCurrentExchange(t *testing.T) {
	s, tr, d := newH1Session(t)

	if err := s.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	s.Drain()
	if s.Closed() {
		t.Fatal("session closed with an exchange in flight")
	}

	if err := s.WriteHeaders(d.opened[0], 204, nil, true); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	resp, _ := readResponse(t, tr.take())
	if resp.Status != 204 {
		t.Errorf("status = %d", resp.Status)
	}
	if !s.Closed() {
		t.Error("session should close after draining exchange finished")
	}
}

func TestH1_ResetStreamClosesConnection(t *testing.T) {
	s, tr, d := newH1Session(t)

	if err := s.Receive([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	st := d.opened[0]
	s.ResetStream(st, errClosed)

	if st.State() != stream.StateReset {
		t.Errorf("state = %v, want reset", st.State())
	}
	if !s.Closed() || !tr.isClosed() {
		t.Error("abort must close the connection")
	}
	if d.closedCount() != 1 {
		t.Errorf("closed = %d, want 1", d.closedCount())
	}
}
