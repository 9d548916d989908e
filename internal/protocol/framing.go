package protocol

import "bytes"

// LineBuffer accumulates stream bytes and yields complete newline-terminated
// lines. Each connection owns its own LineBuffer; it is not safe for
// concurrent use.
type LineBuffer struct {
	buf []byte
}

// Write appends raw bytes read from the wire.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next returns the oldest complete line with surrounding whitespace
// trimmed. Blank lines are skipped. ok is false when no complete line is
// buffered.
func (b *LineBuffer) Next() (line []byte, ok bool) {
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return nil, false
		}
		line = bytes.TrimSpace(b.buf[:i])
		b.buf = b.buf[i+1:]
		if len(line) > 0 {
			return append([]byte(nil), line...), true
		}
	}
}

// Len reports how many bytes are buffered.
func (b *LineBuffer) Len() int { return len(b.buf) }

// Reset discards everything buffered.
func (b *LineBuffer) Reset() { b.buf = b.buf[:0] }
