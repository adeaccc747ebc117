package gateway

import (
	"bytes"
	"errors"
	"strings"
)

// maxLineBuffer caps the unterminated remainder a LineFramer will hold. A
// link that streams this much without a terminator is misbehaving; the buffer
// is reset and the overflow reported as a link error.
const maxLineBuffer = 64 * 1024

// ErrLineTooLong is returned by Feed when the accumulator exceeds
// maxLineBuffer without seeing a terminator. The buffer has been reset.
var ErrLineTooLong = errors.New("gateway: line exceeds frame buffer")

// LineFramer accumulates raw serial bytes and splits them into complete
// lines. Terminators are newlines; a preceding carriage return and
// surrounding whitespace are trimmed from each yielded line. Blank lines are
// dropped. The zero value is ready to use.
type LineFramer struct {
	buf []byte
}

// Feed appends data to the accumulator and returns every complete line now
// available. Partial trailing data is retained for the next call, so feeding
// a byte stream in arbitrary fragments yields the same lines as feeding it
// whole.
func (f *LineFramer) Feed(data []byte) ([]string, error) {
	f.buf = append(f.buf, data...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(f.buf[:i]))
		f.buf = f.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(f.buf) > maxLineBuffer {
		f.buf = nil
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Reset discards any buffered partial line. Used after the link is reopened,
// since bytes from before the drop no longer form a coherent stream.
func (f *LineFramer) Reset() {
	f.buf = nil
}

// Pending reports how many bytes are buffered awaiting a terminator.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}
