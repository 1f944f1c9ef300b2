package h1

import (
	"io"
	"strconv"

	"github.com/iwanaga/nghttp2/internal/date"
)

var (
	colonSpace = []byte(": ")
	chunkEnd   = []byte("0\r\n\r\n")
)

// WriteRequestHead serializes a request line and header block. Headers are
// written in order, duplicates preserved.
func WriteRequestHead(w io.Writer, method, path string, headers [][2]string) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, method...)
	buf = append(buf, ' ')
	buf = append(buf, path...)
	buf = append(buf, " HTTP/1.1\r\n"...)
	buf = appendHeaders(buf, headers)
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}

// WriteResponseHead serializes a status line and header block, adding a
// Date header when the origin did not supply one.
func WriteResponseHead(w io.Writer, status int, reason string, headers [][2]string) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	if reason == "" {
		reason = StatusText(status)
	}
	buf = append(buf, reason...)
	buf = append(buf, crlf...)

	hasDate := false
	for _, h := range headers {
		if h[0] == "date" {
			hasDate = true
			break
		}
	}
	if !hasDate {
		buf = append(buf, "date: "...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}
	buf = appendHeaders(buf, headers)
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}

func appendHeaders(buf []byte, headers [][2]string) []byte {
	for _, h := range headers {
		buf = append(buf, h[0]...)
		buf = append(buf, colonSpace...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	return buf
}

// WriteChunk writes one chunk of a chunked body.
func WriteChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(data)+16)
	buf = strconv.AppendInt(buf, int64(len(data)), 16)
	buf = append(buf, crlf...)
	buf = append(buf, data...)
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}

// WriteChunkEnd terminates a chunked body.
func WriteChunkEnd(w io.Writer) error {
	_, err := w.Write(chunkEnd)
	return err
}

// StatusText returns the reason phrase for common status codes.
func StatusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	}
	return "Unknown"
}
