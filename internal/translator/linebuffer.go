package translator

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// MaxLineBytes bounds a buffered partial line. A longer line is released in
// pieces of at most this size, split on rune boundaries.
const MaxLineBytes = 64 * 1024

// LineBuffer is an io.Writer that releases only complete lines to emit.
// Writes may split lines arbitrarily; Flush releases a trailing line that
// was never terminated.
type LineBuffer struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

// NewLineBuffer creates a LineBuffer calling emit once per line, without the
// line terminator.
func NewLineBuffer(emit func(line string)) *LineBuffer {
	return &LineBuffer{emit: emit}
}

// Write implements io.Writer.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		b.release(b.buf[:i])
		b.buf = b.buf[i+1:]
	}
	for len(b.buf) > MaxLineBytes {
		cut := splitPoint(b.buf)
		b.release(b.buf[:cut])
		b.buf = b.buf[cut:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return len(p), nil
}

// Flush releases any buffered partial line.
func (b *LineBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		b.release(b.buf)
	}
	b.buf = nil
}

// splitPoint returns where to cut an oversized buffer so no rune is split.
// Invalid UTF-8 falls back to a plain cut at MaxLineBytes.
func splitPoint(buf []byte) int {
	for i := MaxLineBytes; i > MaxLineBytes-utf8.UTFMax && i > 0; i-- {
		if utf8.RuneStart(buf[i]) {
			return i
		}
	}
	return MaxLineBytes
}

func (b *LineBuffer) release(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	b.emit(string(line))
}
