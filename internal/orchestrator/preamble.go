package orchestrator

import (
	"strconv"
	"strings"

	"bmpcam/internal/bitmap"
)

// ImageContentType is the content type of a frame response.
const ImageContentType = "image/bmp"

// Response status codes written on the camera socket.
const (
	StatusOK                 = 200
	StatusServiceUnavailable = 503
	StatusGatewayTimeout     = 504
)

// BuildPreamble returns the line-based status and header block that precedes
// a response body. Lines end in a bare LF, as the device always sent them. An
// empty contentType omits the Content-Type line.
func BuildPreamble(status int, contentType string, contentLength int) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteString("\n")
	if contentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(contentType)
		b.WriteString("\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(contentLength))
	b.WriteString("\n\n")
	return []byte(b.String())
}

// frameResponseHead is the preamble followed by the bitmap envelope; the
// grayscale payload follows it on the wire.
func frameResponseHead() []byte {
	pre := BuildPreamble(StatusOK, ImageContentType, bitmap.FileSize)
	head := make([]byte, 0, len(pre)+bitmap.HeaderSize)
	head = append(head, pre...)
	return append(head, bitmap.Header()...)
}

// errorResponse is a bodiless response with the given status.
func errorResponse(status int) []byte {
	return BuildPreamble(status, "", 0)
}
