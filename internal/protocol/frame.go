package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

var (
	// ErrTimeout means the idle deadline fired before a frame was complete.
	// Bytes accumulated so far are kept; calling ReadFrame again resumes.
	ErrTimeout = errors.New("read timeout")
	// ErrConnectionClosed means the peer went away. Terminal for the session.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMalformedFrame is reported for a frame of the wrong length.
	ErrMalformedFrame = errors.New("malformed frame")
)

// deadliner is the part of net.Conn that FrameReader uses for idle timeouts.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// FrameReader accumulates fixed-size frames off a stream.
type FrameReader struct {
	r    io.Reader
	idle time.Duration
	buf  []byte
	n    int
}

// NewFrameReader returns a reader producing frames of exactly size bytes.
// When r supports read deadlines and idle is positive, every underlying Read
// is bounded by idle.
func NewFrameReader(r io.Reader, size int, idle time.Duration) (*FrameReader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("frame size must be > 0, got %d", size)
	}
	return &FrameReader{r: r, idle: idle, buf: make([]byte, size)}, nil
}

// Size is the frame length in bytes.
func (f *FrameReader) Size() int { return len(f.buf) }

// Pending reports how many bytes of the next frame are already buffered.
func (f *FrameReader) Pending() int { return f.n }

// ReadFrame blocks until a full frame has been received. The returned slice
// is owned by the caller.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for f.n < len(f.buf) {
		if d, ok := f.r.(deadliner); ok && f.idle > 0 {
			if err := d.SetReadDeadline(time.Now().Add(f.idle)); err != nil {
				return nil, classify(err)
			}
		}

		k, err := f.r.Read(f.buf[f.n:])
		f.n += k
		if err != nil {
			// A final read may deliver the last bytes together with EOF.
			if f.n == len(f.buf) && errors.Is(err, io.EOF) {
				break
			}
			return nil, classify(err)
		}
	}

	frame := make([]byte, len(f.buf))
	copy(frame, f.buf)
	f.n = 0
	return frame, nil
}

// ReadExact reads exactly n bytes from r, mapping transport failures onto
// the same taxonomy as FrameReader. A timeout here loses the partial read.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("read length must be > 0, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, classify(err)
	}
	return buf, nil
}

// classify maps a transport error onto ErrTimeout / ErrConnectionClosed, or
// returns it wrapped when it is neither.
func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return ErrTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ErrConnectionClosed
	}
	return fmt.Errorf("transport read: %w", err)
}
