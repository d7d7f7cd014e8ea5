package link

import (
	"bytes"
	"fmt"
	"strings"
)

// DefaultMaxLineBytes bounds a single line when the caller does not choose a limit.
const DefaultMaxLineBytes = 64 * 1024

// Framer reassembles newline-delimited lines from arbitrarily chunked input.
//
// Bytes are buffered raw and only converted to strings once a full line is
// available, so multi-byte UTF-8 sequences split across chunks survive intact.
// A Framer is not safe for concurrent use; the owner serialises Feed calls.
type Framer struct {
	buf      []byte
	maxLine  int
	skipping bool // discarding the tail of an oversized line until the next '\n'
}

// NewFramer creates a Framer that drops lines longer than maxLine raw bytes.
// A maxLine of zero or less selects DefaultMaxLineBytes.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Framer{maxLine: maxLine}
}

// Feed appends chunk and returns every line it completes, in stream order,
// with a trailing '\r' removed and invalid UTF-8 replaced by U+FFFD. The
// unterminated remainder stays buffered.
//
// When a line exceeds the limit it is dropped and the returned error wraps
// ErrFramingOverflow. Lines extracted in the same call are still returned, and
// framing resumes cleanly at the next newline.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	f.buf = append(f.buf, chunk...)

	var (
		lines     []string
		overflows int
		dropped   int
		start     int
	)
	for {
		idx := bytes.IndexByte(f.buf[start:], '\n')
		if idx < 0 {
			break
		}
		raw := f.buf[start : start+idx]
		start += idx + 1

		if f.skipping {
			f.skipping = false
			dropped += len(raw)
			continue
		}
		if len(raw) > f.maxLine {
			overflows++
			dropped += len(raw)
			continue
		}
		line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
		lines = append(lines, strings.ToValidUTF8(line, "\uFFFD"))
	}

	// Compact: keep only the bytes after the last newline.
	n := copy(f.buf, f.buf[start:])
	f.buf = f.buf[:n]

	if f.skipping {
		dropped += len(f.buf)
		f.buf = f.buf[:0]
	} else if len(f.buf) > f.maxLine {
		overflows++
		dropped += len(f.buf)
		f.buf = f.buf[:0]
		f.skipping = true
	}

	if overflows > 0 {
		return lines, fmt.Errorf("%w: dropped %d bytes (limit %d)", ErrFramingOverflow, dropped, f.maxLine)
	}
	return lines, nil
}

// Buffered returns the number of bytes waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.skipping = false
}
