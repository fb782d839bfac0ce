package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	// maxDecodeBuffer caps the decoder's accumulation buffer. A child
	// that streams garbage without ever completing a frame cannot grow
	// our memory without bound.
	maxDecodeBuffer = 1 << 20

	// decodeTailWindow is how much trailing data survives a buffer
	// overflow truncation. One in-flight frame is sacrificed to keep
	// the transport alive.
	decodeTailWindow = 4096
)

// Decoder converts a stream of byte chunks into complete JSON-RPC
// frames. The primary framing is a Content-Length header block
// terminated by a blank line; a bare balanced JSON value is accepted
// as a fallback for peers that ignore the header convention.
//
// Decoder is not safe for concurrent use; each transport owns one.
type Decoder struct {
	logger *slog.Logger
	buf    []byte
}

// NewDecoder creates a frame decoder. Malformed input is logged on
// logger and skipped, never fatal.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends a chunk of bytes and returns every frame completed by
// it, in arrival order. Unconsumed bytes are retained for the next
// call, so splitting a stream into arbitrary chunks yields the same
// frames as feeding it whole.
func (d *Decoder) Feed(p []byte) []json.RawMessage {
	d.buf = append(d.buf, p...)

	var frames []json.RawMessage
	for {
		frame, advanced := d.next()
		if !advanced {
			break
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}

	if len(d.buf) > maxDecodeBuffer {
		d.logger.Warn("frame decoder buffer overflow, truncating",
			"buffered", len(d.buf),
			"kept", decodeTailWindow,
		)
		tail := make([]byte, decodeTailWindow)
		copy(tail, d.buf[len(d.buf)-decodeTailWindow:])
		d.buf = tail
	}

	return frames
}

// next tries to consume one frame (or one discardable malformed block)
// from the front of the buffer. It returns advanced=false when more
// bytes are needed before anything can be consumed.
func (d *Decoder) next() (frame json.RawMessage, advanced bool) {
	d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
	if len(d.buf) == 0 {
		return nil, false
	}

	// A buffer starting with a JSON value means the peer skipped the
	// header convention entirely. Parse the value directly.
	if d.buf[0] == '{' || d.buf[0] == '[' {
		end, complete := scanBalancedJSON(d.buf)
		if !complete {
			return nil, false
		}
		return d.take(0, end, end), true
	}

	// Header path: find the blank line that terminates the header
	// block. Accept both CRLF CRLF and the lenient bare LF LF.
	sepIdx, sepLen := headerSeparator(d.buf)
	if sepIdx < 0 {
		return nil, false
	}

	length, ok := parseContentLength(d.buf[:sepIdx])
	if !ok {
		// A non-empty block with no recognizable length field is
		// discarded so a single bad header cannot stall the stream.
		d.logger.Warn("discarding malformed frame header",
			"header", string(d.buf[:sepIdx]),
		)
		d.buf = d.buf[sepIdx+sepLen:]
		return nil, true
	}

	bodyStart := sepIdx + sepLen
	if len(d.buf) < bodyStart+length {
		return nil, false
	}
	return d.take(bodyStart, bodyStart+length, bodyStart+length), true
}

// take copies buf[from:to] out as a frame, consumes the buffer through
// consumed, and validates the body as JSON. Invalid bodies are logged
// and dropped (nil frame).
func (d *Decoder) take(from, to, consumed int) json.RawMessage {
	body := make([]byte, to-from)
	copy(body, d.buf[from:to])
	d.buf = d.buf[consumed:]

	if !json.Valid(body) {
		d.logger.Warn("dropping frame with invalid JSON body",
			"length", len(body),
		)
		return nil
	}
	return json.RawMessage(body)
}

// headerSeparator locates the earliest blank-line separator in b.
// Returns (-1, 0) when no separator is present yet.
func headerSeparator(b []byte) (idx, length int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))

	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseContentLength extracts the Content-Length value from a header
// block. Field name matching is case-insensitive.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// scanBalancedJSON scans b for a complete JSON value starting at b[0],
// which must be '{' or '['. It counts brace/bracket depth while
// tracking quoted strings and backslash escapes. Returns the index one
// past the value and whether the value is complete.
func scanBalancedJSON(b []byte) (end int, complete bool) {
	var (
		depth    int
		inString bool
		escaped  bool
	)

	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// encodeFrame serializes msg and prepends the Content-Length header
// block. This is the only wire format we emit; the lenient decode
// paths exist for the benefit of non-conforming peers.
func encodeFrame(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "Content-Length: %d\r\n\r\n", len(body))
	out.Write(body)
	return out.Bytes(), nil
}
