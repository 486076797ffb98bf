package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/wakewire/internal/utils"
)

// openAudio opens a WAV or raw PCM file and returns a reader positioned at
// the first sample plus an estimate of the frame count (-1 if unknown).
func openAudio(path string, frameBytes int) (io.Reader, io.Closer, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	r, err := utils.SkipWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	total := -1
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		total = int((info.Size() + int64(frameBytes) - 1) / int64(frameBytes))
	}
	return r, f, total, nil
}

// readFrame fills buf from r. A short final read is zero padded so the last
// frame still has the full length. It returns false once r is exhausted.
func readFrame(r io.Reader, buf []byte) (bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF):
		return false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(buf[n:])
		return true, nil
	}
	return false, err
}
