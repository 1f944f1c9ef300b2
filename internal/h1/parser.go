// Package h1 is the HTTP/1.1 message codec: request and status line parsing,
// header blocks, and body framing per content-length and chunked transfer
// rules. It operates on append-only buffers owned by the session feeding it.
package h1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/iwanaga/nghttp2/internal/proto"
)

// Request is a parsed HTTP/1.1 request head.
type Request struct {
	Method  string
	Path    string
	Version string
	Host    string
	Headers [][2]string

	// ContentLength is -1 when absent and the body is not chunked.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// Reset clears the request for reuse across a keep-alive connection.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Host = ""
	r.Headers = r.Headers[:0]
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
}

// Response is a parsed HTTP/1.1 response head.
type Response struct {
	Version string
	Status  int
	Reason  string
	Headers [][2]string

	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

var crlf = []byte("\r\n")

// ParseRequest parses a request head from buf. It returns the number of
// bytes consumed, zero when the head is still incomplete, or a FramingError
// on malformed input.
func ParseRequest(buf []byte, req *Request) (int, error) {
	head := bytes.Index(buf, []byte("\r\n\r\n"))
	if head == -1 {
		return 0, nil
	}

	lines := bytes.Split(buf[:head], crlf)
	if len(lines) == 0 {
		return 0, proto.Framingf("empty request head")
	}

	parts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(parts) != 3 {
		return 0, proto.Framingf("malformed request line")
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return 0, proto.Framingf("unsupported version %q", req.Version)
	}

	req.ContentLength = -1
	req.KeepAlive = req.Version == "HTTP/1.1"

	for _, line := range lines[1:] {
		name, value, err := splitHeaderLine(line)
		if err != nil {
			return 0, err
		}
		req.Headers = append(req.Headers, [2]string{name, value})
		switch name {
		case "host":
			req.Host = value
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return 0, proto.Framingf("invalid content-length %q", value)
			}
			req.ContentLength = n
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				req.Chunked = true
			}
		case "connection":
			switch strings.ToLower(value) {
			case "close":
				req.KeepAlive = false
			case "keep-alive":
				req.KeepAlive = true
			}
		}
	}

	if req.Host == "" {
		return 0, proto.Framingf("missing Host header")
	}
	if req.Chunked {
		// Chunked framing supersedes any content-length.
		req.ContentLength = -1
	}
	return head + 4, nil
}

// ParseResponse parses a response head from buf. Same contract as
// ParseRequest.
func ParseResponse(buf []byte, resp *Response) (int, error) {
	head := bytes.Index(buf, []byte("\r\n\r\n"))
	if head == -1 {
		return 0, nil
	}

	lines := bytes.Split(buf[:head], crlf)
	parts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(parts) < 2 {
		return 0, proto.Framingf("malformed status line")
	}
	resp.Version = string(parts[0])
	if resp.Version != "HTTP/1.1" && resp.Version != "HTTP/1.0" {
		return 0, proto.Framingf("unsupported version %q", resp.Version)
	}
	status, err := strconv.Atoi(string(parts[1]))
	if err != nil || status < 100 || status > 599 {
		return 0, proto.Framingf("invalid status %q", parts[1])
	}
	resp.Status = status
	if len(parts) == 3 {
		resp.Reason = string(parts[2])
	}

	resp.ContentLength = -1
	resp.KeepAlive = resp.Version == "HTTP/1.1"

	for _, line := range lines[1:] {
		name, value, err := splitHeaderLine(line)
		if err != nil {
			return 0, err
		}
		resp.Headers = append(resp.Headers, [2]string{name, value})
		switch name {
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return 0, proto.Framingf("invalid content-length %q", value)
			}
			resp.ContentLength = n
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				resp.Chunked = true
			}
		case "connection":
			switch strings.ToLower(value) {
			case "close":
				resp.KeepAlive = false
			case "keep-alive":
				resp.KeepAlive = true
			}
		}
	}

	if resp.Chunked {
		resp.ContentLength = -1
	}
	// 1xx/204/304 never carry a body.
	if resp.Status < 200 || resp.Status == 204 || resp.Status == 304 {
		resp.ContentLength = 0
		resp.Chunked = false
	}
	return head + 4, nil
}

// splitHeaderLine splits "Name: value", lowercasing the name. Header names
// are case-insensitive tokens on this wire; values are kept verbatim.
func splitHeaderLine(line []byte) (name, value string, err error) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", "", proto.Framingf("malformed header line %q", line)
	}
	rawName := line[:i]
	if bytes.IndexByte(rawName, ' ') != -1 {
		return "", "", proto.Framingf("whitespace in header name %q", rawName)
	}
	return strings.ToLower(string(rawName)), string(bytes.TrimSpace(line[i+1:])), nil
}
