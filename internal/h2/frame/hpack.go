package frame

import (
	"bytes"

	"golang.org/x/net/http2/hpack"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// HeaderEncoder is the outbound half of a connection's header compression
// context. The dynamic table it maintains is connection-scoped: header
// blocks must be encoded in the exact order they are written to the wire.
type HeaderEncoder struct {
	enc *hpack.Encoder
	buf bytes.Buffer
}

// NewHeaderEncoder creates an encoder with a fresh dynamic table.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// SetMaxDynamicTableSize applies the peer's negotiated header table size.
func (e *HeaderEncoder) SetMaxDynamicTableSize(n uint32) {
	e.enc.SetMaxDynamicTableSize(n)
}

// Encode compresses a header field sequence into an HPACK block, mutating
// the dynamic table. The returned slice is owned by the caller.
func (e *HeaderEncoder) Encode(fields [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			return nil, &proto.CompressionError{Err: err}
		}
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// HeaderDecoder is the inbound half of the compression context. Feeding it
// header blocks out of wire order corrupts every later decode, which is why
// a decode failure is fatal to the whole session.
type HeaderDecoder struct {
	dec    *hpack.Decoder
	fields [][2]string
}

// NewHeaderDecoder creates a decoder bounded by the given dynamic table
// size. Eviction within the table is insertion-ordered per the HPACK spec.
func NewHeaderDecoder(maxTableSize uint32) *HeaderDecoder {
	d := &HeaderDecoder{}
	d.dec = hpack.NewDecoder(maxTableSize, func(hf hpack.HeaderField) {
		d.fields = append(d.fields, [2]string{hf.Name, hf.Value})
	})
	return d
}

// Decode decompresses one complete header block, preserving field order and
// duplicates. A failure leaves the dictionary indeterminate and returns a
// CompressionError.
func (d *HeaderDecoder) Decode(block []byte) ([][2]string, error) {
	d.fields = d.fields[:0]
	if _, err := d.dec.Write(block); err != nil {
		return nil, &proto.CompressionError{Err: err}
	}
	if err := d.dec.Close(); err != nil {
		return nil, &proto.CompressionError{Err: err}
	}
	out := make([][2]string, len(d.fields))
	copy(out, d.fields)
	return out, nil
}
