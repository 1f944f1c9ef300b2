package session

import (
	"io"
	"net"
	"time"

	"github.com/iwanaga/nghttp2/internal/h1"
	"github.com/iwanaga/nghttp2/internal/proto"
)

// Backend is one HTTP/1.1 connection to an upstream server. It carries a
// single exchange at a time; the pool hands it out exclusively and takes it
// back when the exchange finished cleanly.
type Backend struct {
	conn   net.Conn
	target string

	buf  []byte
	tmp  [8 * 1024]byte
	body *h1.BodyDecoder

	chunked bool
	// untilClose marks a response body delimited only by connection close.
	untilClose bool
	// reusable tracks whether the connection can go back to the idle list:
	// the response allowed keep-alive and its body was fully drained.
	reusable bool
	created  time.Time
	idleFrom time.Time
}

// NewBackend wraps an established upstream connection.
func NewBackend(conn net.Conn, target string) *Backend {
	now := time.Now()
	return &Backend{conn: conn, target: target, created: now, idleFrom: now}
}

// Target returns the upstream address this connection belongs to.
func (b *Backend) Target() string { return b.target }

// Age returns how long ago the connection was established.
func (b *Backend) Age() time.Duration { return time.Since(b.created) }

// IdleFor returns how long the connection has sat unused.
func (b *Backend) IdleFor() time.Duration { return time.Since(b.idleFrom) }

// MarkIdle timestamps the return to the idle list.
func (b *Backend) MarkIdle() { b.idleFrom = time.Now() }

// WriteHead sends the request line and headers. chunked selects the request
// body framing; when false the caller must have set content-length.
func (b *Backend) WriteHead(method, path string, headers [][2]string, chunked bool, timeout time.Duration) error {
	b.reusable = false
	b.chunked = chunked
	if err := b.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return &proto.BackendError{Target: b.target, Err: err}
	}
	if err := h1.WriteRequestHead(b.conn, method, path, headers); err != nil {
		return b.ioErr(err)
	}
	return nil
}

// WriteBody sends request body bytes using the framing chosen by WriteHead.
func (b *Backend) WriteBody(data []byte, timeout time.Duration) error {
	if len(data) == 0 {
		return nil
	}
	if err := b.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return &proto.BackendError{Target: b.target, Err: err}
	}
	if b.chunked {
		if err := h1.WriteChunk(b.conn, data); err != nil {
			return b.ioErr(err)
		}
		return nil
	}
	if _, err := b.conn.Write(data); err != nil {
		return b.ioErr(err)
	}
	return nil
}

// FinishBody terminates a chunked request body.
func (b *Backend) FinishBody(timeout time.Duration) error {
	if !b.chunked {
		return nil
	}
	if err := b.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return &proto.BackendError{Target: b.target, Err: err}
	}
	if err := h1.WriteChunkEnd(b.conn); err != nil {
		return b.ioErr(err)
	}
	return nil
}

// ReadHead reads the response status line and headers, blocking up to
// timeout. It also primes the body decoder for ReadBody.
func (b *Backend) ReadHead(timeout time.Duration) (*h1.Response, error) {
	var resp h1.Response
	for {
		consumed, err := h1.ParseResponse(b.buf, &resp)
		if err != nil {
			return nil, &proto.BackendError{Target: b.target, Err: err}
		}
		if consumed > 0 {
			b.buf = b.buf[consumed:]
			b.body = nil
			b.untilClose = false
			switch {
			case resp.Chunked || resp.ContentLength > 0:
				b.body = h1.NewBodyDecoder(resp.ContentLength, resp.Chunked)
			case resp.ContentLength < 0:
				// No framing at all: the body runs until the server closes.
				b.untilClose = true
			default:
				b.reusable = resp.KeepAlive
			}
			return &resp, nil
		}
		if err := b.fill(timeout); err != nil {
			return nil, err
		}
	}
}

// ReadBody returns the next slice of decoded response body. done is true
// once the body is complete; the connection is then reusable if the
// response allowed it.
func (b *Backend) ReadBody(keepAlive bool, timeout time.Duration) (payload []byte, done bool, err error) {
	if b.untilClose {
		return b.readUntilClose(timeout)
	}
	if b.body == nil {
		return nil, true, nil
	}
	for {
		payload, consumed, err := b.body.Decode(b.buf)
		if err != nil {
			return nil, false, &proto.BackendError{Target: b.target, Err: err}
		}
		b.buf = b.buf[consumed:]
		if b.body.Done() {
			b.body = nil
			b.reusable = keepAlive
			return payload, true, nil
		}
		if len(payload) > 0 {
			return payload, false, nil
		}
		if err := b.fill(timeout); err != nil {
			return nil, false, err
		}
	}
}

func (b *Backend) readUntilClose(timeout time.Duration) (payload []byte, done bool, err error) {
	if len(b.buf) > 0 {
		payload = b.buf
		b.buf = nil
		return payload, false, nil
	}
	if err := b.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, false, &proto.BackendError{Target: b.target, Err: err}
	}
	n, err := b.conn.Read(b.tmp[:])
	if n > 0 {
		payload = append([]byte(nil), b.tmp[:n]...)
	}
	if err != nil {
		if err == io.EOF {
			b.untilClose = false
			return payload, true, nil
		}
		return payload, false, b.ioErr(err)
	}
	return payload, false, nil
}

// fill reads more bytes from the connection into the parse buffer.
func (b *Backend) fill(timeout time.Duration) error {
	if err := b.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return &proto.BackendError{Target: b.target, Err: err}
	}
	n, err := b.conn.Read(b.tmp[:])
	if n > 0 {
		b.buf = append(b.buf, b.tmp[:n]...)
	}
	if err != nil {
		return b.ioErr(err)
	}
	return nil
}

func (b *Backend) ioErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return proto.ErrTimeout
	}
	return &proto.BackendError{Target: b.target, Err: err}
}

// Reusable reports whether the connection may return to the idle pool.
func (b *Backend) Reusable() bool {
	return b.reusable && len(b.buf) == 0
}

// Close tears down the upstream connection.
func (b *Backend) Close() error {
	b.reusable = false
	return b.conn.Close()
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
