package spdy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// headerDictionary seeds both directions of the zlib compression context,
// per the SPDY/3 convention of priming the dictionary with common header
// text. Both endpoints must use the identical dictionary.
var headerDictionary = []byte("optionsgetheadpostputdeletetraceacceptaccept-charsetaccept-encodingaccept-" +
	"languageaccept-rangesageallowauthorizationcache-controlconnectioncontent-basecontent-" +
	"encodingcontent-languagecontent-lengthcontent-locationcontent-md5content-rangecontent-" +
	"typedateetagexpectexpiresfromhostif-matchif-modified-sinceif-none-matchif-rangeif-" +
	"unmodified-sincelast-modifiedlocationmax-forwardspragmaproxy-authenticateproxy-" +
	"authorizationrangerefererretry-afterservertetrailertransfer-encodingupgradeuser-" +
	"agentvaryviawarningwww-authenticatemethodgetstatus200 OKversionHTTP/1.1urlpublicset-" +
	"cookiekeep-aliveorigin100101201202205206300302303304305306307402405406407408409410411" +
	"412413414415416417502504505203 Non-Authoritative Information204 No Content301 Moved " +
	"Permanently400 Bad Request401 Unauthorized403 Forbidden404 Not Found500 Internal Server " +
	"Error501 Not Implemented503 Service UnavailableJan Feb Mar Apr May Jun Jul Aug Sept Oct " +
	"Nov Dec 00:00:00 Mon, Tue, Wed, Thu, Fri, Sat, Sun, GMTchunked,text/html,image/png," +
	"image/jpg,image/gif,application/xml,application/xhtml+xml,text/plain,text/javascript," +
	"publicprivatemax-age=gzip,deflate,sdchcharset=utf-8charset=iso-8859-1,utf-,*,enq=0.")

// Compressor is the outbound half of a session's header compression
// context. Blocks must be compressed in the order they go on the wire; the
// deflate state is shared by every stream on the connection.
type Compressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

// NewCompressor creates a compression context primed with the shared
// dictionary.
func NewCompressor() (*Compressor, error) {
	c := &Compressor{}
	zw, err := zlib.NewWriterLevelDict(&c.buf, zlib.BestCompression, headerDictionary)
	if err != nil {
		return nil, &proto.CompressionError{Err: err}
	}
	c.zw = zw
	return c, nil
}

// Compress encodes a header field sequence into a compressed name/value
// block. Duplicate names are joined with NUL per the wire format, and field
// order is preserved.
func (c *Compressor) Compress(fields [][2]string) ([]byte, error) {
	raw := encodeNameValue(fields)
	c.buf.Reset()
	if _, err := c.zw.Write(raw); err != nil {
		return nil, &proto.CompressionError{Err: err}
	}
	if err := c.zw.Flush(); err != nil {
		return nil, &proto.CompressionError{Err: err}
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Decompressor is the inbound half of the compression context. A decode
// failure leaves the shared inflate state indeterminate for every remaining
// stream, so the caller must tear down the session.
type Decompressor struct {
	in  bytes.Buffer
	zr  io.ReadCloser
	out bytes.Buffer
}

// NewDecompressor creates the inbound compression context.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress decodes one name/value block in arrival order.
func (d *Decompressor) Decompress(block []byte) ([][2]string, error) {
	d.in.Write(block)
	if d.zr == nil {
		zr, err := zlib.NewReaderDict(&d.in, headerDictionary)
		if err != nil {
			return nil, &proto.CompressionError{Err: err}
		}
		d.zr = zr
	}
	d.out.Reset()
	// The stream never terminates while the connection lives; read until
	// the inflater runs out of input for this block.
	tmp := make([]byte, 4096)
	for {
		n, err := d.zr.Read(tmp)
		d.out.Write(tmp[:n])
		if err != nil {
			// A sync-flushed deflate stream has no terminator; running out
			// of input at a block boundary just means the block is done.
			if err == io.EOF || (errors.Is(err, io.ErrUnexpectedEOF) && d.in.Len() == 0) {
				break
			}
			return nil, &proto.CompressionError{Err: err}
		}
		if d.in.Len() == 0 && n < len(tmp) {
			break
		}
	}
	fields, err := decodeNameValue(d.out.Bytes())
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// encodeNameValue serializes fields as the v3 name/value block: a pair
// count followed by length-prefixed names and values. Consecutive duplicate
// names collapse into one entry with NUL-joined values.
func encodeNameValue(fields [][2]string) []byte {
	type entry struct {
		name  string
		value []byte
	}
	entries := make([]entry, 0, len(fields))
	index := make(map[string]int, len(fields))
	for _, f := range fields {
		if i, ok := index[f[0]]; ok {
			entries[i].value = append(entries[i].value, 0)
			entries[i].value = append(entries[i].value, f[1]...)
			continue
		}
		index[f[0]] = len(entries)
		entries = append(entries, entry{name: f[0], value: []byte(f[1])})
	}

	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(entries)))
	for _, e := range entries {
		b = binary.BigEndian.AppendUint32(b, uint32(len(e.name)))
		b = append(b, e.name...)
		b = binary.BigEndian.AppendUint32(b, uint32(len(e.value)))
		b = append(b, e.value...)
	}
	return b
}

func decodeNameValue(b []byte) ([][2]string, error) {
	if len(b) < 4 {
		return nil, proto.Framingf("short name/value block")
	}
	count := binary.BigEndian.Uint32(b)
	b = b[4:]
	// Every entry carries two 4-byte length prefixes, so the remaining
	// bytes bound the pair count before anything is allocated for it.
	if uint64(count) > uint64(len(b))/8 {
		return nil, proto.Framingf("name/value pair count %d exceeds block size", count)
	}
	fields := make([][2]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, rest, err := readString(b)
		if err != nil {
			return nil, err
		}
		value, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		b = rest
		// NUL-joined values expand back into one field per value,
		// preserving order.
		for _, v := range bytes.Split(value, []byte{0}) {
			fields = append(fields, [2]string{string(name), string(v)})
		}
	}
	if len(b) != 0 {
		return nil, proto.Framingf("trailing bytes in name/value block")
	}
	return fields, nil
}

func readString(b []byte) (s, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, proto.Framingf("truncated name/value block")
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)-4) < n {
		return nil, nil, proto.Framingf("truncated name/value entry")
	}
	return b[4 : 4+n], b[4+n:], nil
}
