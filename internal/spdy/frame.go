// Package spdy is the SPDY/3.1 frame codec and header compression context.
// Control and data frames share an 8-byte header; header blocks travel as
// zlib-compressed name/value blocks whose compression state is
// connection-scoped and strictly order-sensitive.
package spdy

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// Version is the SPDY protocol version spoken by this codec.
const Version = 3

// Control frame types.
const (
	TypeSynStream    uint16 = 1
	TypeSynReply     uint16 = 2
	TypeRstStream    uint16 = 3
	TypeSettings     uint16 = 4
	TypePing         uint16 = 6
	TypeGoAway       uint16 = 7
	TypeHeaders      uint16 = 8
	TypeWindowUpdate uint16 = 9
)

// Frame flags.
const (
	FlagFin            uint8 = 0x01
	FlagUnidirectional uint8 = 0x02
)

// RST_STREAM and GOAWAY status codes.
const (
	StatusProtocolError       uint32 = 1
	StatusInvalidStream       uint32 = 2
	StatusRefusedStream       uint32 = 3
	StatusCancel              uint32 = 5
	StatusInternalError       uint32 = 6
	StatusFlowControlError    uint32 = 7
	StatusStreamAlreadyClosed uint32 = 9
)

// headerLen is the fixed frame header length.
const headerLen = 8

// Frame is one decoded SPDY frame.
type Frame interface{ frame() }

// SynStream opens a peer-initiated stream. HeaderBlock is still compressed;
// the session feeds it to its Decompressor in arrival order.
type SynStream struct {
	StreamID    uint32
	AssocID     uint32
	Priority    uint8
	Fin         bool
	HeaderBlock []byte
}

// SynReply carries response headers for a stream.
type SynReply struct {
	StreamID    uint32
	Fin         bool
	HeaderBlock []byte
}

// Headers carries additional (trailing) headers for a stream.
type Headers struct {
	StreamID    uint32
	Fin         bool
	HeaderBlock []byte
}

// RstStream aborts one stream.
type RstStream struct {
	StreamID uint32
	Status   uint32
}

// Settings conveys peer configuration values.
type Settings struct {
	Entries []SettingEntry
}

// SettingEntry is one id/value pair in a SETTINGS frame.
type SettingEntry struct {
	ID    uint32
	Flags uint8
	Value uint32
}

// Settings ids used by the session layer.
const (
	SettingInitialWindowSize    uint32 = 7
	SettingMaxConcurrentStreams uint32 = 4
)

// Ping is a keep-alive probe; odd ids originate at the client.
type Ping struct {
	ID uint32
}

// GoAway announces connection shutdown.
type GoAway struct {
	LastStreamID uint32
	Status       uint32
}

// WindowUpdate replenishes a stream window, or the session window when
// StreamID is zero (SPDY/3.1 connection-level flow control).
type WindowUpdate struct {
	StreamID uint32
	Delta    uint32
}

// Data is a data frame.
type Data struct {
	StreamID uint32
	Fin      bool
	Payload  []byte
}

func (*SynStream) frame()    {}
func (*SynReply) frame()     {}
func (*Headers) frame()      {}
func (*RstStream) frame()    {}
func (*Settings) frame()     {}
func (*Ping) frame()         {}
func (*GoAway) frame()       {}
func (*WindowUpdate) frame() {}
func (*Data) frame()         {}

// Reader decodes frames from an append-only receive buffer.
type Reader struct {
	buf     bytes.Buffer
	maxSize uint32
}

// NewReader creates a reader enforcing the given maximum payload length.
func NewReader(maxFrameSize uint32) *Reader {
	return &Reader{maxSize: maxFrameSize}
}

// Feed appends transport bytes to the decode buffer.
func (r *Reader) Feed(data []byte) {
	r.buf.Write(data)
}

// Buffered returns the number of undecoded bytes.
func (r *Reader) Buffered() int { return r.buf.Len() }

// Next decodes the next complete frame, or (nil, nil) when more bytes are
// needed. Unknown control types in this version are a framing error.
func (r *Reader) Next() (Frame, error) {
	b := r.buf.Bytes()
	if len(b) < headerLen {
		return nil, nil
	}
	length := uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
	if length > r.maxSize {
		return nil, proto.Framingf("spdy frame length %d exceeds maximum %d", length, r.maxSize)
	}
	total := headerLen + int(length)
	if len(b) < total {
		return nil, nil
	}
	flags := b[4]
	payload := make([]byte, length)
	copy(payload, b[headerLen:total])
	r.buf.Next(total)

	if b[0]&0x80 == 0 {
		streamID := binary.BigEndian.Uint32(b[0:4]) & 0x7fffffff
		return &Data{StreamID: streamID, Fin: flags&FlagFin != 0, Payload: payload}, nil
	}

	version := binary.BigEndian.Uint16(b[0:2]) & 0x7fff
	if version != Version {
		return nil, proto.Framingf("spdy version %d not supported", version)
	}
	ftype := binary.BigEndian.Uint16(b[2:4])
	return parseControl(ftype, flags, payload)
}

func parseControl(ftype uint16, flags uint8, p []byte) (Frame, error) {
	switch ftype {
	case TypeSynStream:
		if len(p) < 10 {
			return nil, proto.Framingf("short SYN_STREAM")
		}
		return &SynStream{
			StreamID:    binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			AssocID:     binary.BigEndian.Uint32(p[4:8]) & 0x7fffffff,
			Priority:    p[8] >> 5,
			Fin:         flags&FlagFin != 0,
			HeaderBlock: p[10:],
		}, nil
	case TypeSynReply:
		if len(p) < 4 {
			return nil, proto.Framingf("short SYN_REPLY")
		}
		return &SynReply{
			StreamID:    binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			Fin:         flags&FlagFin != 0,
			HeaderBlock: p[4:],
		}, nil
	case TypeHeaders:
		if len(p) < 4 {
			return nil, proto.Framingf("short HEADERS")
		}
		return &Headers{
			StreamID:    binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			Fin:         flags&FlagFin != 0,
			HeaderBlock: p[4:],
		}, nil
	case TypeRstStream:
		if len(p) != 8 {
			return nil, proto.Framingf("RST_STREAM length %d", len(p))
		}
		return &RstStream{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			Status:   binary.BigEndian.Uint32(p[4:8]),
		}, nil
	case TypeSettings:
		if len(p) < 4 {
			return nil, proto.Framingf("short SETTINGS")
		}
		count := binary.BigEndian.Uint32(p[0:4])
		if uint32(len(p)-4) != count*8 {
			return nil, proto.Framingf("SETTINGS length mismatch")
		}
		entries := make([]SettingEntry, 0, count)
		for i := 4; i+8 <= len(p); i += 8 {
			idAndFlags := binary.BigEndian.Uint32(p[i : i+4])
			entries = append(entries, SettingEntry{
				Flags: uint8(idAndFlags >> 24),
				ID:    idAndFlags & 0xffffff,
				Value: binary.BigEndian.Uint32(p[i+4 : i+8]),
			})
		}
		return &Settings{Entries: entries}, nil
	case TypePing:
		if len(p) != 4 {
			return nil, proto.Framingf("PING length %d", len(p))
		}
		return &Ping{ID: binary.BigEndian.Uint32(p)}, nil
	case TypeGoAway:
		if len(p) != 8 {
			return nil, proto.Framingf("GOAWAY length %d", len(p))
		}
		return &GoAway{
			LastStreamID: binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			Status:       binary.BigEndian.Uint32(p[4:8]),
		}, nil
	case TypeWindowUpdate:
		if len(p) != 8 {
			return nil, proto.Framingf("WINDOW_UPDATE length %d", len(p))
		}
		return &WindowUpdate{
			StreamID: binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff,
			Delta:    binary.BigEndian.Uint32(p[4:8]) & 0x7fffffff,
		}, nil
	}
	return nil, proto.Framingf("unknown spdy control type %d", ftype)
}

// Writer encodes SPDY frames onto a transport, serializing concurrent
// writers.
type Writer struct {
	mu sync.Mutex
	w  interface{ Write([]byte) (int, error) }
}

// NewWriter creates a frame writer for the transport.
func NewWriter(w interface{ Write([]byte) (int, error) }) *Writer {
	return &Writer{w: w}
}

func controlHeader(ftype uint16, flags uint8, length int) []byte {
	b := make([]byte, headerLen, headerLen+length)
	binary.BigEndian.PutUint16(b[0:2], 0x8000|Version)
	binary.BigEndian.PutUint16(b[2:4], ftype)
	b[4] = flags
	b[5] = byte(length >> 16)
	b[6] = byte(length >> 8)
	b[7] = byte(length)
	return b
}

func (w *Writer) emit(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(frame)
	return err
}

// WriteSynStream opens a locally initiated stream with a pre-compressed
// header block.
func (w *Writer) WriteSynStream(streamID, assocID uint32, fin bool, block []byte) error {
	var flags uint8
	if fin {
		flags |= FlagFin
	}
	b := controlHeader(TypeSynStream, flags, 10+len(block))
	b = binary.BigEndian.AppendUint32(b, streamID&0x7fffffff)
	b = binary.BigEndian.AppendUint32(b, assocID&0x7fffffff)
	b = append(b, 0, 0)
	b = append(b, block...)
	return w.emit(b)
}

// WriteSynReply sends response headers for a stream.
func (w *Writer) WriteSynReply(streamID uint32, fin bool, block []byte) error {
	var flags uint8
	if fin {
		flags |= FlagFin
	}
	b := controlHeader(TypeSynReply, flags, 4+len(block))
	b = binary.BigEndian.AppendUint32(b, streamID&0x7fffffff)
	b = append(b, block...)
	return w.emit(b)
}

// WriteRstStream aborts one stream.
func (w *Writer) WriteRstStream(streamID, status uint32) error {
	b := controlHeader(TypeRstStream, 0, 8)
	b = binary.BigEndian.AppendUint32(b, streamID&0x7fffffff)
	b = binary.BigEndian.AppendUint32(b, status)
	return w.emit(b)
}

// WriteSettings sends configuration values.
func (w *Writer) WriteSettings(entries ...SettingEntry) error {
	b := controlHeader(TypeSettings, 0, 4+8*len(entries))
	b = binary.BigEndian.AppendUint32(b, uint32(len(entries)))
	for _, e := range entries {
		b = binary.BigEndian.AppendUint32(b, uint32(e.Flags)<<24|e.ID&0xffffff)
		b = binary.BigEndian.AppendUint32(b, e.Value)
	}
	return w.emit(b)
}

// WritePing echoes or originates a keep-alive probe.
func (w *Writer) WritePing(id uint32) error {
	b := controlHeader(TypePing, 0, 4)
	b = binary.BigEndian.AppendUint32(b, id)
	return w.emit(b)
}

// WriteGoAway announces connection shutdown.
func (w *Writer) WriteGoAway(lastStreamID, status uint32) error {
	b := controlHeader(TypeGoAway, 0, 8)
	b = binary.BigEndian.AppendUint32(b, lastStreamID&0x7fffffff)
	b = binary.BigEndian.AppendUint32(b, status)
	return w.emit(b)
}

// WriteWindowUpdate replenishes a stream or session window.
func (w *Writer) WriteWindowUpdate(streamID, delta uint32) error {
	b := controlHeader(TypeWindowUpdate, 0, 8)
	b = binary.BigEndian.AppendUint32(b, streamID&0x7fffffff)
	b = binary.BigEndian.AppendUint32(b, delta&0x7fffffff)
	return w.emit(b)
}

// WriteData writes a data frame.
func (w *Writer) WriteData(streamID uint32, fin bool, payload []byte) error {
	if len(payload) == 0 && !fin {
		return nil
	}
	b := make([]byte, headerLen, headerLen+len(payload))
	binary.BigEndian.PutUint32(b[0:4], streamID&0x7fffffff)
	if fin {
		b[4] = FlagFin
	}
	b[5] = byte(len(payload) >> 16)
	b[6] = byte(len(payload) >> 8)
	b[7] = byte(len(payload))
	b = append(b, payload...)
	return w.emit(b)
}
