// Package frame is the HTTP/2 frame codec: it turns transport bytes into
// decoded frames and header/body data back into wire bytes. It knows nothing
// about streams or sessions; decode position is owned by the session feeding
// it.
package frame

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"golang.org/x/net/http2"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// http2Preface is the fixed client connection preface per RFC 7540 §3.5.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Preface returns the HTTP/2 client connection preface bytes.
func Preface() []byte { return []byte(http2Preface) }

// PrefaceLen is the length of the client connection preface.
const PrefaceLen = len(http2Preface)

// CheckPreface verifies buffered bytes against the connection preface.
// It returns ok=true once the full preface matched, needMore=true while the
// prefix is still consistent but incomplete, and an error on mismatch.
func CheckPreface(buf []byte) (ok, needMore bool, err error) {
	if len(buf) < PrefaceLen {
		if !bytes.HasPrefix([]byte(http2Preface), buf) {
			return false, false, proto.Framingf("invalid connection preface")
		}
		return false, true, nil
	}
	if string(buf[:PrefaceLen]) != http2Preface {
		return false, false, proto.Framingf("invalid connection preface")
	}
	return true, false, nil
}

// Reader decodes HTTP/2 frames from an append-only receive buffer. The
// underlying http2.Framer is bound to the buffer once so its internal state
// survives across reads.
type Reader struct {
	buf     bytes.Buffer
	framer  *http2.Framer
	maxSize uint32
}

// NewReader creates a frame reader enforcing the given maximum frame size.
func NewReader(maxFrameSize uint32) *Reader {
	r := &Reader{maxSize: maxFrameSize}
	r.framer = http2.NewFramer(io.Discard, &r.buf)
	r.framer.SetMaxReadFrameSize(maxFrameSize)
	// Header blocks are reassembled by the session, which must observe the
	// raw HEADERS/CONTINUATION sequence to keep HPACK state in wire order.
	r.framer.AllowIllegalReads = true
	return r
}

// Feed appends transport bytes to the decode buffer.
func (r *Reader) Feed(data []byte) {
	r.buf.Write(data)
}

// Buffered returns the number of undecoded bytes.
func (r *Reader) Buffered() int { return r.buf.Len() }

// ConsumePreface checks and consumes the client connection preface from the
// front of the buffer. It must be called before any call to Next.
func (r *Reader) ConsumePreface() (ok, needMore bool, err error) {
	ok, needMore, err = CheckPreface(r.buf.Bytes())
	if ok {
		r.buf.Next(PrefaceLen)
	}
	return ok, needMore, err
}

// PeekHeader decodes the fixed 9-byte frame header without consuming it.
// ok is false while fewer than 9 bytes are buffered.
func (r *Reader) PeekHeader() (length uint32, ftype http2.FrameType, flags http2.Flags, streamID uint32, ok bool) {
	b := r.buf.Bytes()
	if len(b) < 9 {
		return 0, 0, 0, 0, false
	}
	length = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	ftype = http2.FrameType(b[3])
	flags = http2.Flags(b[4])
	streamID = uint32(b[5])<<24 | uint32(b[6])<<16 | uint32(b[7])<<8 | uint32(b[8])
	streamID &= 0x7fffffff
	return length, ftype, flags, streamID, true
}

// Next decodes the next complete frame, or returns (nil, nil) when more
// bytes are needed. Oversized frames and malformed framing yield a
// FramingError, which is fatal to the session.
func (r *Reader) Next() (http2.Frame, error) {
	length, _, _, _, ok := r.PeekHeader()
	if !ok {
		return nil, nil
	}
	if length > r.maxSize {
		return nil, proto.Framingf("frame length %d exceeds maximum %d", length, r.maxSize)
	}
	if r.buf.Len() < int(9+length) {
		return nil, nil
	}
	f, err := r.framer.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, &proto.FramingError{Reason: err.Error()}
	}
	return f, nil
}

// Writer encodes HTTP/2 frames onto a transport. Writes from the event loop
// and from bridge pumps interleave, so each frame write is serialized.
type Writer struct {
	mu     sync.Mutex
	framer *http2.Framer
	w      io.Writer
}

// NewWriter creates a frame writer for the transport.
func NewWriter(w io.Writer) *Writer {
	return &Writer{framer: http2.NewFramer(w, nil), w: w}
}

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck acknowledges a received SETTINGS frame.
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes a header block as one HEADERS frame plus as many
// CONTINUATION frames as needed, never exceeding maxFrameSize per fragment.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, block []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = proto.DefaultMaxFrameSize
	}

	first := true
	remaining := block
	for first || len(remaining) > 0 {
		n := int(maxFrameSize)
		if len(remaining) < n {
			n = len(remaining)
		}
		frag := remaining[:n]
		remaining = remaining[n:]

		if first {
			first = false
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			continue
		}
		var flags http2.Flags
		if len(remaining) == 0 {
			flags |= http2.FlagContinuationEndHeaders
		}
		if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. Zero-length frames without END_STREAM are
// suppressed; they carry no information.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame; stream id zero targets
// the connection window.
func (w *Writer) WriteWindowUpdate(streamID, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream aborts one stream.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway signals connection shutdown.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debug)
}

// WritePing writes a PING frame or its acknowledgement.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}

// Flush flushes the transport if it supports it.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
