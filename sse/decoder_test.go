package sse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/praekeltfoundation/marathon-acme/errors"
	"github.com/praekeltfoundation/marathon-acme/test"
)

type message struct {
	event string
	data  string
}

func newTestDecoder(t *testing.T, opts ...Option) (*Decoder, *[]message) {
	t.Helper()
	var messages []message
	d := NewDecoder(func(event, data string) {
		messages = append(messages, message{event, data})
	}, opts...)
	return d, &messages
}

func write(t *testing.T, d *Decoder, chunk string) {
	t.Helper()
	n, err := d.Write([]byte(chunk))
	test.AssertNotError(t, err, "Write failed")
	test.AssertEquals(t, n, len(chunk))
}

func TestDefaultEvent(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:hello\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestMultilineData(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:hello\r\ndata:world\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello\nworld"}})
}

func TestDifferentNewlines(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:hello\ndata:world\r\r")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello\nworld"}})
}

func TestEmptyData(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", ""}})
}

func TestNoData(t *testing.T) {
	// An event terminator without any data lines dispatches nothing.
	d, messages := newTestDecoder(t)
	write(t, d, "\r\n")
	test.AssertEquals(t, len(*messages), 0)
}

func TestSpaceBeforeValue(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data: hello\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestSpaceBeforeValueStripOnlyFirstSpace(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:"+strings.Repeat(" ", 4)+"hello\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{
		{"message", strings.Repeat(" ", 3) + "hello"},
	})
}

func TestCustomEvent(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "event:my_event\r\ndata:hello\r\n\r\n")
	test.AssertDeepEquals(t, *messages, []message{{"my_event", "hello"}})
}

func TestMultipleEvents(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "event:test1\ndata:hello\n\n")
	write(t, d, "event:test2\ndata:world\n\n")
	test.AssertDeepEquals(t, *messages, []message{
		{"test1", "hello"},
		{"test2", "world"},
	})
}

func TestEventTypeResetsBetweenEvents(t *testing.T) {
	// The event name resets to the default after each dispatch, even when
	// the next event does not set one.
	d, messages := newTestDecoder(t)
	write(t, d, "event:status\ndata:hello\n\n")
	write(t, d, "data:world\n\n")
	test.AssertDeepEquals(t, *messages, []message{
		{"status", "hello"},
		{"message", "world"},
	})
}

func TestIDIgnored(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "id:123\ndata:hello\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestRetryIgnored(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "retry:123\ndata:hello\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestUnknownFieldIgnored(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "widget:123\ndata:hello\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestLeadingColonIgnored(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, ":event:test\ndata:hello\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello"}})
}

func TestMissingColon(t *testing.T) {
	// A line without a colon is a field with an empty value: "data" alone
	// appends an empty data line.
	d, messages := newTestDecoder(t)
	write(t, d, "data\ndata:hello\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "\nhello"}})
}

func TestMultipleDataParts(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:hello\n")
	write(t, d, "data:world\n")
	write(t, d, "\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hello\nworld"}})
}

func TestChunkedLines(t *testing.T) {
	// A line split across arbitrary chunk boundaries is reassembled.
	input := "event:status\ndata:hello\n\n"
	for chunkSize := 1; chunkSize <= len(input); chunkSize++ {
		d, messages := newTestDecoder(t)
		for i := 0; i < len(input); i += chunkSize {
			end := i + chunkSize
			if end > len(input) {
				end = len(input)
			}
			write(t, d, input[i:end])
		}
		test.AssertDeepEquals(t, *messages, []message{{"status", "hello"}})
	}
}

func TestRoundTrip(t *testing.T) {
	// Well-formed events serialised and re-fed to the decoder come back
	// out unchanged, whatever the chunking.
	events := []message{
		{"message", "hello"},
		{"status", "hello\nworld"},
		{"message", " leading space"},
		{"deployment_info", `{"plan": {}}`},
	}
	var serialised strings.Builder
	for _, m := range events {
		fmt.Fprintf(&serialised, "event:%s\n", m.event)
		for _, line := range strings.Split(m.data, "\n") {
			fmt.Fprintf(&serialised, "data: %s\n", line)
		}
		serialised.WriteString("\n")
	}
	input := serialised.String()

	for _, chunkSize := range []int{1, 2, 3, 7, len(input)} {
		d, messages := newTestDecoder(t)
		for i := 0; i < len(input); i += chunkSize {
			end := i + chunkSize
			if end > len(input) {
				end = len(input)
			}
			write(t, d, input[i:end])
		}
		test.AssertDeepEquals(t, *messages, events)
	}
}

func TestUnicodeData(t *testing.T) {
	d, messages := newTestDecoder(t)
	write(t, d, "data:hëllö\n\n")
	test.AssertDeepEquals(t, *messages, []message{{"message", "hëllö"}})
}

func TestLineTooLong(t *testing.T) {
	d, messages := newTestDecoder(t)
	_, err := d.Write([]byte("data:" + strings.Repeat("x", DefaultMaxLineLength) + "\n\n"))
	test.AssertError(t, err, "expected an error for an over-long line")
	if !errors.Is(err, errors.Protocol) {
		t.Fatalf("expected a Protocol error, got %#v", err)
	}
	// The remainder of the chunk, including the event terminator, is
	// discarded: no dispatch happens.
	test.AssertEquals(t, len(*messages), 0)
}

func TestIncompleteLineTooLong(t *testing.T) {
	// An unterminated line already over the limit fails without waiting
	// for the terminator.
	d, _ := newTestDecoder(t)
	_, err := d.Write([]byte("data:" + strings.Repeat("x", DefaultMaxLineLength)))
	test.AssertError(t, err, "expected an error for an over-long buffered line")
	if !errors.Is(err, errors.Protocol) {
		t.Fatalf("expected a Protocol error, got %#v", err)
	}
}

func TestWriteAfterFailure(t *testing.T) {
	// Input after the length guard has fired is discarded.
	d, messages := newTestDecoder(t, WithMaxLineLength(8))
	_, err := d.Write([]byte(strings.Repeat("x", 9) + "\n"))
	test.AssertError(t, err, "expected an error for an over-long line")

	_, err = d.Write([]byte("data:hello\n\n"))
	test.AssertError(t, err, "expected writes after failure to keep failing")
	test.AssertEquals(t, len(*messages), 0)
}

func TestLineLengthGuardBeforeDispatch(t *testing.T) {
	// A too-long line in the middle of a chunk suppresses everything after
	// it, including events that would otherwise have been dispatched.
	d, messages := newTestDecoder(t, WithMaxLineLength(16))
	_, err := d.Write([]byte("data:" + strings.Repeat("x", 17) + "\ndata:hello\n\n"))
	test.AssertError(t, err, "expected an error for an over-long line")
	test.AssertEquals(t, len(*messages), 0)
}
