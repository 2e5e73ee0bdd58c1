// Package sse implements a streaming decoder for the Server-Sent Events
// wire format, following the dispatch rules of the HTML specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"bytes"
	"strings"

	"github.com/praekeltfoundation/marathon-acme/errors"
)

// DefaultMaxLineLength is the longest line the decoder will accept,
// buffered or complete, before giving up on the stream.
const DefaultMaxLineLength = 16384

// DefaultEventName is the event name used when the stream does not set one.
const DefaultEventName = "message"

// Handler is called once per complete event with the event name and the
// newline-joined data lines.
type Handler func(event, data string)

// Decoder decodes a stream of bytes into events, invoking its handler as
// each event terminator is seen. It implements io.Writer so a response
// body can be copied straight into it.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	handler       Handler
	maxLineLength int

	buffer    []byte
	event     string
	dataLines []string
	failed    error
}

// Option customises a Decoder.
type Option func(*Decoder)

// WithMaxLineLength overrides DefaultMaxLineLength.
func WithMaxLineLength(n int) Option {
	return func(d *Decoder) {
		d.maxLineLength = n
	}
}

// NewDecoder creates a Decoder that dispatches events to handler.
func NewDecoder(handler Handler, opts ...Option) *Decoder {
	d := &Decoder{
		handler:       handler,
		maxLineLength: DefaultMaxLineLength,
		event:         DefaultEventName,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Write feeds a chunk of bytes to the decoder. Once a line longer than the
// maximum length is seen, Write returns a Protocol error, the rest of the
// chunk is discarded, and every subsequent call fails with the same error.
// The caller is expected to close the transport.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.failed != nil {
		return 0, d.failed
	}

	data := append(d.buffer, p...)
	lines := splitLines(data)

	// splitLines doesn't produce an entry for the text after a trailing
	// line terminator, so an unterminated final segment must go back into
	// the buffer for the next chunk.
	if endsWithLineTerminator(data) {
		d.buffer = nil
	} else {
		d.buffer = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if len(line) > d.maxLineLength {
			return len(p), d.fail()
		}
		d.lineReceived(string(line))
	}
	if len(d.buffer) > d.maxLineLength {
		return len(p), d.fail()
	}

	return len(p), nil
}

func (d *Decoder) fail() error {
	d.failed = errors.ProtocolError("sse: line length exceeded")
	d.buffer = nil
	return d.failed
}

func (d *Decoder) lineReceived(line string) {
	if line == "" {
		d.dispatchEvent()
		return
	}

	field, value, ok := parseFieldValue(line)
	if !ok {
		return
	}
	d.handleFieldValue(field, value)
}

func (d *Decoder) handleFieldValue(field, value string) {
	switch field {
	case "event":
		d.event = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id", "retry":
		// Not implemented.
	default:
		// Unknown fields are ignored.
	}
}

func (d *Decoder) dispatchEvent() {
	// An event without data lines resets state but is not dispatched.
	if len(d.dataLines) > 0 {
		d.handler(d.event, strings.Join(d.dataLines, "\n"))
	}
	d.event = DefaultEventName
	d.dataLines = nil
}

// parseFieldValue parses the field and value from a line. The third return
// value is false for comment lines, which are discarded.
func parseFieldValue(line string) (string, string, bool) {
	if strings.HasPrefix(line, ":") {
		return "", "", false
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		// The entire line is the field, the value is empty.
		return line, "", true
	}

	// A single leading space in the value is stripped.
	value = strings.TrimPrefix(value, " ")
	return field, value, true
}

// splitLines splits on any of CRLF, LF or CR, like strings.splitlines in
// other languages. It never produces an entry for text following a
// trailing line terminator.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			lines = append(lines, data[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, data[start:i])
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func endsWithLineTerminator(data []byte) bool {
	return bytes.HasSuffix(data, []byte("\n")) || bytes.HasSuffix(data, []byte("\r"))
}
