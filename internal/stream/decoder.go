package stream

import (
	"bytes"
	"strings"
)

// Decoder splits an append-only byte stream into SSE frames. Chunks may end
// anywhere, including inside a multi-byte rune; only complete lines are
// converted to text.
type Decoder struct {
	buf     []byte
	carry   string
	done    bool
	dropped int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends a transport chunk. Input after the [DONE] marker is ignored.
func (d *Decoder) Write(chunk []byte) {
	if d.done || len(chunk) == 0 {
		return
	}
	d.buf = append(d.buf, chunk...)
}

// Next returns the next complete frame held in the buffer. It reports false
// when more input is needed or the stream has terminated.
func (d *Decoder) Next() (Frame, bool) {
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > maxFrameBytes {
				d.buf = d.buf[:0]
				d.dropped++
			}
			return Frame{}, false
		}

		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]

		if f, ok := d.decodeLine(line); ok {
			return f, true
		}
	}
	return Frame{}, false
}

// Unread holds f back so that it is decoded again joined with the text that
// follows it. Used when a payload was handed over before it was complete.
func (d *Decoder) Unread(f Frame) {
	if d.done {
		return
	}
	d.carry = f.Raw
}

// Flush decodes whatever remains in the buffer as if it were newline
// terminated. Call it once the transport has no more chunks.
func (d *Decoder) Flush() (Frame, bool) {
	if d.done {
		return Frame{}, false
	}
	if len(d.buf) == 0 {
		if d.carry != "" {
			d.carry = ""
			d.dropped++
		}
		return Frame{}, false
	}

	line := string(d.buf)
	d.buf = nil
	return d.decodeLine(line)
}

// Done reports whether the [DONE] marker has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Dropped counts held-back or oversized text discarded as malformed.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) decodeLine(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\r")

	if d.carry != "" {
		held := d.carry
		d.carry = ""
		if isFieldLine(line) {
			d.dropped++
		} else {
			line = held + line
		}
	}

	if len(line) > maxFrameBytes {
		d.dropped++
		return Frame{}, false
	}

	f, ok := parseLine(line)
	if !ok {
		return Frame{}, false
	}
	if f.Done {
		d.done = true
		d.buf = nil
	}
	return f, true
}
