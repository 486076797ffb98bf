package utils

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// stderrTail bounds how much worker output is kept for crash reports.
const stderrTail = 64 * 1024

// TailBuffer keeps the last N bytes written to it. The detector worker runs
// for the life of the daemon, so its stderr cannot be buffered unbounded.
type TailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

// NewTailBuffer returns a buffer holding at most max bytes.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// String returns the buffered bytes.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := NewTailBuffer(stderrTail)
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 WAKEWIRE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. PCM Helpers (Shared by Serve, Stream & Score) ---

// SampleRate is the only rate the wake-word models accept.
const SampleRate = 16000

// BytesPerSample for 16-bit mono PCM.
const BytesPerSample = 2

// DecodePCM16 converts little-endian 16-bit PCM into samples.
// An odd trailing byte is an error, never half a sample.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm payload has odd length %d", len(b))
	}
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// EncodePCM16 converts samples into little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	// Streaming writers leave the data size at 0 or 0xFFFFFFFF.
	wavSizeUnknown = 0xFFFFFFFF
)

// SkipWAVHeader walks the RIFF chunks of a WAV file up to "data" and
// returns a reader over the samples only. Chunks such as LIST or fact are
// skipped. Input that does not start with a RIFF/WAVE header is treated as
// raw PCM and passed through.
func SkipWAVHeader(r io.Reader) (io.Reader, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	head = head[:n]
	if n < 12 || !bytes.Equal(head[0:4], []byte("RIFF")) || !bytes.Equal(head[8:12], []byte("WAVE")) {
		return io.MultiReader(bytes.NewReader(head), r), nil
	}

	haveFormat := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("wav file has no data chunk")
			}
			return nil, err
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, int(size)+int(size&1))
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			if err := checkWAVFormat(body); err != nil {
				return nil, err
			}
			haveFormat = true

		case "data":
			if !haveFormat {
				return nil, errors.New("wav data chunk before fmt chunk")
			}
			if size == 0 || size == wavSizeUnknown {
				return r, nil
			}
			// Trailing chunks after the samples are not audio.
			return io.LimitReader(r, int64(size)), nil

		default:
			skip := int64(size) + int64(size&1)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("skip wav %q chunk: %w", id, err)
			}
		}
	}
}

func checkWAVFormat(fmtChunk []byte) error {
	format := binary.LittleEndian.Uint16(fmtChunk[0:2])
	channels := binary.LittleEndian.Uint16(fmtChunk[2:4])
	rate := binary.LittleEndian.Uint32(fmtChunk[4:8])
	bits := binary.LittleEndian.Uint16(fmtChunk[14:16])
	if format != wavFormatPCM && format != wavFormatExtensible {
		return fmt.Errorf("unsupported wav encoding %d (want PCM)", format)
	}
	if channels != 1 || rate != SampleRate || bits != 16 {
		return fmt.Errorf("unsupported wav format: %d ch, %d Hz, %d bit (want mono %d Hz 16 bit)", channels, rate, bits, SampleRate)
	}
	return nil
}
