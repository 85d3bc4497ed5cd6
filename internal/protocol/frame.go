package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// FrameReader splits a byte stream into delimiter-terminated frames.
// It is not safe for concurrent use; each connection owns one.
type FrameReader struct {
	scanner *bufio.Scanner
	max     int
}

// NewReader returns a FrameReader bounded by the codec's max frame size.
func (c *Codec) NewReader(r io.Reader) *FrameReader {
	return NewFrameReader(r, c.maxFrameSize)
}

func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	// the buffer must hold a maximal frame plus its delimiter
	limit := maxFrameSize + len(Delimiter)
	scanner.Buffer(make([]byte, 0, min(4096, limit)), limit)
	scanner.Split(splitFrames)
	return &FrameReader{scanner: scanner, max: maxFrameSize}
}

// Next blocks until a complete frame is available. The returned slice is a
// copy owned by the caller. It returns io.EOF when the stream ends cleanly.
func (f *FrameReader) Next() ([]byte, error) {
	for f.scanner.Scan() {
		token := f.scanner.Bytes()
		if len(token) == 0 {
			continue
		}
		if len(token) > f.max {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(token), f.max)
		}
		frame := make([]byte, len(token))
		copy(frame, token)
		return frame, nil
	}

	err := f.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFrameTooLarge, f.max)
	default:
		return nil, err
	}
}

func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, Delimiter); i >= 0 {
		return i + len(Delimiter), data[:i], nil
	}
	if atEOF {
		if len(bytes.TrimSpace(data)) == 0 {
			return len(data), nil, nil
		}
		return 0, nil, fmt.Errorf("%w: stream ended inside a frame", ErrMalformedFrame)
	}
	return 0, nil, nil
}
