// Package proto holds the protocol vocabulary shared by every layer of the
// proxy: the negotiated protocol variant, header field conventions, and the
// error taxonomy that decides whether a failure kills one stream or the
// whole session.
package proto

// Variant identifies the application protocol negotiated for one session.
// It is fixed at handshake time and never changes for the session's lifetime.
type Variant int

// Supported protocol variants.
const (
	VariantHTTP1 Variant = iota
	VariantHTTP2
	VariantSPDY31
)

// FromALPN maps a negotiated application-protocol name (as supplied by the
// TLS collaborator) to a protocol variant.
func FromALPN(name string) (Variant, bool) {
	switch name {
	case "http/1.1", "http/1.0", "":
		return VariantHTTP1, true
	case "h2", "h2c":
		return VariantHTTP2, true
	case "spdy/3.1", "spdy/3":
		return VariantSPDY31, true
	}
	return VariantHTTP1, false
}

// String returns the canonical protocol name.
func (v Variant) String() string {
	switch v {
	case VariantHTTP2:
		return "h2"
	case VariantSPDY31:
		return "spdy/3.1"
	default:
		return "http/1.1"
	}
}

// Multiplexed reports whether the variant carries multiple concurrent
// streams on one connection.
func (v Variant) Multiplexed() bool {
	return v == VariantHTTP2 || v == VariantSPDY31
}

// FlowControlled reports whether the variant has credit-based flow control.
// HTTP/1.1 serializes one exchange at a time instead.
func (v Variant) FlowControlled() bool {
	return v == VariantHTTP2 || v == VariantSPDY31
}

// SniffLen is how many leading bytes distinguish the HTTP/2 preface from a
// plain HTTP/1.1 request line when no ALPN result is available.
const SniffLen = 4

// Flow control defaults shared by HTTP/2 and SPDY/3.1.
const (
	// DefaultInitialWindow is the initial per-stream flow control window.
	DefaultInitialWindow = 65535
	// DefaultMaxFrameSize is the default maximum frame payload length.
	DefaultMaxFrameSize = 16384
	// MaxWindow is the largest legal flow control window (2^31-1).
	MaxWindow = 1<<31 - 1
)
