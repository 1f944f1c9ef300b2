package bridge

import (
	"strings"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// hopByHop lists header fields scoped to one transport hop. They never
// cross the proxy in either direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-connection":    true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"trailer":             true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
}

// requestHead is the protocol-neutral request line extracted from the
// pseudo-header form every frontend session produces.
type requestHead struct {
	method    string
	path      string
	authority string
	scheme    string
	regular   [][2]string

	contentLength string
}

// splitRequest validates the pseudo-header form and separates it from the
// regular fields. Pseudo-headers must be lowercase, unique, and precede
// every regular field.
func splitRequest(streamID uint32, fields [][2]string) (*requestHead, error) {
	head := &requestHead{}
	seenPseudo := make(map[string]bool, 4)
	seenRegular := false

	for _, f := range fields {
		name, value := f[0], f[1]
		if name != strings.ToLower(name) {
			return nil, proto.Streamf(streamID, "uppercase header name %q", name)
		}
		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return nil, proto.Streamf(streamID, "pseudo-header %s after regular header", name)
			}
			if seenPseudo[name] {
				return nil, proto.Streamf(streamID, "duplicate pseudo-header %s", name)
			}
			seenPseudo[name] = true
			switch name {
			case ":method":
				head.method = value
			case ":path":
				if value == "" {
					return nil, proto.Streamf(streamID, "empty :path")
				}
				head.path = value
			case ":authority":
				head.authority = value
			case ":scheme":
				head.scheme = value
			default:
				return nil, proto.Streamf(streamID, "unknown pseudo-header %s", name)
			}
			continue
		}
		seenRegular = true
		switch name {
		case "te":
			if value != "trailers" {
				return nil, proto.Streamf(streamID, "te header must be trailers")
			}
			continue
		case "content-length":
			head.contentLength = value
		case "host":
			if head.authority == "" {
				head.authority = value
			}
			continue
		}
		if hopByHop[name] {
			continue
		}
		head.regular = append(head.regular, f)
	}

	if head.method == "" {
		return nil, proto.Streamf(streamID, "missing :method")
	}
	if head.path == "" && head.method != "CONNECT" {
		return nil, proto.Streamf(streamID, "missing :path")
	}
	if head.authority == "" {
		return nil, proto.Streamf(streamID, "missing :authority")
	}
	return head, nil
}

// backendHeaders builds the header list for the upstream request: the
// authority becomes the host header, forwarding headers record the client,
// and the chosen body framing is appended by the caller.
func backendHeaders(head *requestHead, clientAddr, viaToken string) [][2]string {
	out := make([][2]string, 0, len(head.regular)+4)
	out = append(out, [2]string{"host", head.authority})

	var forwarded string
	for _, f := range head.regular {
		if f[0] == "x-forwarded-for" {
			forwarded = f[1]
			continue
		}
		if f[0] == "via" {
			continue
		}
		out = append(out, f)
	}
	if host := hostOnly(clientAddr); host != "" {
		if forwarded != "" {
			forwarded = forwarded + ", " + host
		} else {
			forwarded = host
		}
	}
	if forwarded != "" {
		out = append(out, [2]string{"x-forwarded-for", forwarded})
	}
	out = append(out,
		[2]string{"x-forwarded-proto", schemeOrDefault(head.scheme)},
		[2]string{"via", "1.1 " + viaToken})
	return out
}

// filterResponseHeaders drops hop-by-hop fields from the upstream response.
// content-length survives so the frontend can choose identity framing.
func filterResponseHeaders(headers [][2]string, viaToken string) [][2]string {
	out := make([][2]string, 0, len(headers)+1)
	for _, f := range headers {
		if hopByHop[f[0]] || f[0] == "te" {
			continue
		}
		out = append(out, f)
	}
	out = append(out, [2]string{"via", "1.1 " + viaToken})
	return out
}

// validateTrailers rejects pseudo-headers and hop-by-hop fields in a
// trailer block.
func validateTrailers(streamID uint32, fields [][2]string) error {
	for _, f := range fields {
		if strings.HasPrefix(f[0], ":") {
			return proto.Streamf(streamID, "pseudo-header %s in trailers", f[0])
		}
		if hopByHop[f[0]] {
			return proto.Streamf(streamID, "hop-by-hop header %s in trailers", f[0])
		}
	}
	return nil
}

func hostOnly(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 && !strings.Contains(addr[i:], "]") {
		return addr[:i]
	}
	return addr
}

func schemeOrDefault(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return scheme
}
