// Package session implements one physical connection per instance: the
// protocol state machine driving a frame codec, the connection-scoped
// compression context, the stream table, and connection-level flow control.
// A session is owned by exactly one event loop; only the pairing table and
// the write path are touched from bridge pump goroutines.
package session

import (
	"time"

	"github.com/iwanaga/nghttp2/internal/proto"
	"github.com/iwanaga/nghttp2/internal/stream"
)

// Transport is the established, already-negotiated byte stream handed to
// the engine by the TLS/handshake collaborator. Write must be safe to call
// off the event loop (gnet's AsyncWrite satisfies this).
type Transport interface {
	Write(data []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// Frontend is the capability surface a frontend session exposes to the
// bridge: answer a stream, account consumed body bytes, reset. The three
// protocol variants form a closed set behind this surface, selected once at
// handshake time.
type Frontend interface {
	ID() string
	Variant() proto.Variant
	Streams() *stream.Manager

	// WriteHeaders sends the response head for a stream. endStream marks a
	// bodyless response.
	WriteHeaders(st *stream.Stream, status int, headers [][2]string, endStream bool) error

	// WriteData sends body bytes, blocking while the stream or connection
	// send window is exhausted. It fails once the stream or session dies.
	WriteData(st *stream.Stream, data []byte, endStream bool) error

	// ConsumedBody tells the session the bridge drained n request-body
	// bytes, so receive windows can be replenished toward the client.
	ConsumedBody(st *stream.Stream, n int)

	// ResetStream aborts one stream without touching the rest of the
	// session. Resetting a terminal stream is a no-op.
	ResetStream(st *stream.Stream, cause error)
}

// Dispatcher receives stream life-cycle events from frontend sessions; the
// bridge coordinator implements it.
type Dispatcher interface {
	// StreamOpened is called once a stream's request headers are complete.
	// Body bytes follow via the stream's buffer and BodyReady signal.
	StreamOpened(fe Frontend, st *stream.Stream)

	// StreamClosed is called when a stream was reset or torn down before
	// the bridge finished with it, so backend work can be cancelled.
	StreamClosed(fe Frontend, st *stream.Stream, cause error)
}

// Options configures a frontend session.
type Options struct {
	MaxFrameSize   uint32
	InitialWindow  int64
	MaxStreams     uint32
	PrefaceTimeout time.Duration
	IdleTimeout    time.Duration
}

// withDefaults normalizes zero fields.
func (o Options) withDefaults() Options {
	if o.MaxFrameSize < proto.DefaultMaxFrameSize {
		o.MaxFrameSize = proto.DefaultMaxFrameSize
	}
	if o.InitialWindow == 0 {
		o.InitialWindow = proto.DefaultInitialWindow
	}
	if o.MaxStreams == 0 {
		o.MaxStreams = 100
	}
	if o.PrefaceTimeout == 0 {
		o.PrefaceTimeout = time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 60 * time.Second
	}
	return o
}

// errClosed reports writes against a dead session.
var errClosed = proto.Framingf("session closed")
