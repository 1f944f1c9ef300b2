package h1

import (
	"bytes"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// BodyDecoder incrementally deframes a message body fed in arbitrary
// chunks. One decoder instance covers one message.
type BodyDecoder struct {
	// remaining is the content-length still expected; -1 selects chunked
	// or read-to-close framing.
	remaining int64
	chunked   bool
	// chunkLeft is the unread payload of the current chunk, -1 while a
	// chunk-size line is expected.
	chunkLeft int64
	trailer   bool
	done      bool
}

// NewBodyDecoder builds a decoder for a message with the given framing.
// contentLength -1 with chunked=false means the body extends to connection
// close (responses only).
func NewBodyDecoder(contentLength int64, chunked bool) *BodyDecoder {
	d := &BodyDecoder{remaining: contentLength, chunked: chunked, chunkLeft: -1}
	if !chunked && contentLength == 0 {
		d.done = true
	}
	return d
}

// Done reports whether the body is complete.
func (d *BodyDecoder) Done() bool { return d.done }

// Decode consumes body bytes from buf, returning the deframed payload and
// the number of input bytes consumed. Callers feed it repeatedly as
// transport data arrives; payload may be empty while a chunk header is
// split across reads.
func (d *BodyDecoder) Decode(buf []byte) (payload []byte, consumed int, err error) {
	if d.done || len(buf) == 0 {
		return nil, 0, nil
	}
	if d.chunked {
		return d.decodeChunked(buf)
	}
	if d.remaining < 0 {
		// Read-to-close framing: everything is payload.
		return buf, len(buf), nil
	}
	n := int64(len(buf))
	if n > d.remaining {
		n = d.remaining
	}
	d.remaining -= n
	if d.remaining == 0 {
		d.done = true
	}
	return buf[:n], int(n), nil
}

func (d *BodyDecoder) decodeChunked(buf []byte) (payload []byte, consumed int, err error) {
	var out []byte
	for consumed < len(buf) && !d.done {
		rest := buf[consumed:]

		if d.trailer {
			// Discard trailer lines until the terminating blank line.
			i := bytes.Index(rest, crlf)
			if i == -1 {
				break
			}
			consumed += i + 2
			if i == 0 {
				d.done = true
			}
			continue
		}

		if d.chunkLeft == -1 {
			i := bytes.Index(rest, crlf)
			if i == -1 {
				break
			}
			size, perr := parseChunkSize(rest[:i])
			if perr != nil {
				return nil, 0, perr
			}
			consumed += i + 2
			if size == 0 {
				d.trailer = true
				continue
			}
			d.chunkLeft = size
			continue
		}

		if d.chunkLeft > 0 {
			n := int64(len(rest))
			if n > d.chunkLeft {
				n = d.chunkLeft
			}
			out = append(out, rest[:n]...)
			consumed += int(n)
			d.chunkLeft -= n
			continue
		}

		// Chunk payload finished; expect the trailing CRLF.
		if len(rest) < 2 {
			break
		}
		if rest[0] != '\r' || rest[1] != '\n' {
			return nil, 0, proto.Framingf("missing CRLF after chunk")
		}
		consumed += 2
		d.chunkLeft = -1
	}
	return out, consumed, nil
}

func parseChunkSize(line []byte) (int64, error) {
	// Chunk extensions are tolerated and ignored.
	if i := bytes.IndexByte(line, ';'); i != -1 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 16 {
		return 0, proto.Framingf("invalid chunk size %q", line)
	}
	var size int64
	for _, c := range line {
		var v int64
		switch {
		case c >= '0' && c <= '9':
			v = int64(c - '0')
		case c >= 'a' && c <= 'f':
			v = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int64(c-'A') + 10
		default:
			return 0, proto.Framingf("invalid chunk size %q", line)
		}
		// Another hex digit would shift past 63 bits and wrap negative.
		if size > (1<<59)-1 {
			return 0, proto.Framingf("chunk size overflow %q", line)
		}
		size = size<<4 | v
	}
	return size, nil
}
