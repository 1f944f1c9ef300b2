package proto

import (
	"errors"
	"fmt"
)

// FramingError reports malformed wire bytes. It is always fatal to the
// session that produced them.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// Framingf builds a FramingError from a format string.
func Framingf(format string, args ...any) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// CompressionError reports a corrupting header-compression failure. The
// shared dictionary state of the connection is indeterminate afterwards, so
// it is fatal to the session, never to a single stream.
type CompressionError struct {
	Err error
}

func (e *CompressionError) Error() string {
	return "header compression error: " + e.Err.Error()
}

func (e *CompressionError) Unwrap() error { return e.Err }

// StreamError reports a protocol violation scoped to one stream, such as
// data received after end-of-stream. Only the offending stream (and its
// bridged counterpart) is reset.
type StreamError struct {
	StreamID uint32
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d protocol error: %s", e.StreamID, e.Reason)
}

// Streamf builds a StreamError for the given stream.
func Streamf(streamID uint32, format string, args ...any) *StreamError {
	return &StreamError{StreamID: streamID, Reason: fmt.Sprintf(format, args...)}
}

// FlowControlError reports window accounting that became inconsistent.
// StreamID zero means the connection-level window; either way the session
// must be terminated.
type FlowControlError struct {
	StreamID uint32
	Window   int64
}

func (e *FlowControlError) Error() string {
	if e.StreamID == 0 {
		return fmt.Sprintf("connection flow control violated: window %d", e.Window)
	}
	return fmt.Sprintf("stream %d flow control violated: window %d", e.StreamID, e.Window)
}

// BackendError reports a failed backend exchange. It is recoverable: the
// frontend stream receives a synthesized gateway error if no response bytes
// were sent yet.
type BackendError struct {
	Target string
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Target, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ErrTimeout marks an expired idle or read deadline. A timeout is treated as
// the corresponding reset or close for the scope it expired on.
var ErrTimeout = errors.New("timeout")

// SessionFatal reports whether err must tear down the whole session rather
// than a single stream.
func SessionFatal(err error) bool {
	var fe *FramingError
	var ce *CompressionError
	var fc *FlowControlError
	return errors.As(err, &fe) || errors.As(err, &ce) || errors.As(err, &fc)
}
