package detector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/wakewire/internal/protocol"
	"github.com/andresmejia3/wakewire/internal/types"
	"github.com/andresmejia3/wakewire/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultPython         = "python3"
	DefaultScript         = "python/oww_worker.py"
	DefaultStartupTimeout = 60 * time.Second
	statusOK              = "ok"
)

// Config describes how to launch the classifier process.
type Config struct {
	Python             string
	Script             string
	ModelPaths         []string // empty loads the bundled models
	InferenceFramework string   // onnx or tflite
	ChunkSize          int
	StartupTimeout     time.Duration // model loading
	ReadTimeout        time.Duration // one prediction
}

// StartupError is returned when the worker exits or misbehaves before it
// reports its models. Cmd holds the captured stderr for the crash report.
type StartupError struct {
	Err error
	Cmd *utils.SafeCommand
}

func (e *StartupError) Error() string { return e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// response is the msgpack body of every message on the data pipe.
// The first message after start is a hello carrying the loaded models with
// empty score lists.
type response struct {
	Status string              `msgpack:"status"`
	Error  string              `msgpack:"error"`
	Models []types.ModelScores `msgpack:"models"`
}

// PythonWorker runs the openWakeWord classifier in a child process.
type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	models      []string
	broken      error
	closeOnce   sync.Once
	closeErr    error
}

// NewPythonWorker starts the classifier and waits for it to report the models
// it loaded.
func NewPythonWorker(ctx context.Context, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = DefaultPython
	}
	if cfg.Script == "" {
		cfg.Script = DefaultScript
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, cfg.Python, workerArgs(cfg)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("detector worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}

	// 2. Handshake: the worker announces its models once they are loaded
	if err := pw.handshake(cfg.StartupTimeout); err != nil {
		// Close waits for the process, so stderr is complete afterwards
		pw.Close()
		return nil, &StartupError{Err: err, Cmd: py}
	}
	return pw, nil
}

func workerArgs(cfg Config) []string {
	args := []string{"-u", cfg.Script}
	if cfg.ChunkSize > 0 {
		args = append(args, "--chunk_size", strconv.Itoa(cfg.ChunkSize))
	}
	if len(cfg.ModelPaths) > 0 {
		args = append(args, "--model_path", strings.Join(cfg.ModelPaths, ","))
	}
	if cfg.InferenceFramework != "" {
		args = append(args, "--inference_framework", cfg.InferenceFramework)
	}
	return args
}

func (w *PythonWorker) handshake(timeout time.Duration) error {
	resp, err := w.readResponse(timeout)
	if err != nil {
		return fmt.Errorf("detector handshake: %w", err)
	}
	if len(resp.Models) == 0 {
		return fmt.Errorf("%w: worker loaded no models", ErrWorker)
	}
	for _, m := range resp.Models {
		w.models = append(w.models, m.Model)
	}
	return nil
}

// Models lists the loaded models in load order.
func (w *PythonWorker) Models() []string {
	out := make([]string, len(w.models))
	copy(out, w.models)
	return out
}

// Predict sends one frame to the worker and returns the per-model scores.
func (w *PythonWorker) Predict(ctx context.Context, samples []int16) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// A timed-out or half-read response leaves the pipe out of sync.
	if w.broken != nil {
		return nil, w.broken
	}

	// Protocol: [Length][PCM]
	data := utils.EncodePCM16(samples)
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.fail(fmt.Errorf("%w: write request: %w", ErrWorker, err))
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.fail(fmt.Errorf("%w: write request: %w", ErrWorker, err))
	}

	resp, err := w.readResponse(w.readTimeout)
	if err != nil {
		return nil, err
	}
	return Prediction(resp.Models), nil
}

// readResponse reads one [Length][msgpack] message from the data pipe.
func (w *PythonWorker) readResponse(timeout time.Duration) (*response, error) {
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		// Pipes without poller support refuse deadlines; reads then block.
		_ = d.SetReadDeadline(deadline)
	}

	header, err := protocol.ReadExact(w.DataPipe, 4)
	if err != nil {
		return nil, w.fail(fmt.Errorf("%w: read response: %w", ErrWorker, err))
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 {
		return nil, w.fail(fmt.Errorf("%w: empty response", ErrWorker))
	}
	body, err := protocol.ReadExact(w.DataPipe, int(respLen))
	if err != nil {
		return nil, w.fail(fmt.Errorf("%w: read response: %w", ErrWorker, err))
	}

	var resp response
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		// The frame was consumed whole, so the stream is still aligned.
		return nil, fmt.Errorf("%w: malformed response: %w", ErrWorker, err)
	}
	if resp.Status != statusOK {
		msg := resp.Error
		if msg == "" {
			msg = "status " + strconv.Quote(resp.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
	}
	return &resp, nil
}

// fail latches the worker as broken. The returned error matches both
// ErrWorker and ErrWorkerBroken.
func (w *PythonWorker) fail(err error) error {
	w.broken = fmt.Errorf("%w: %w", ErrWorkerBroken, err)
	return w.broken
}

// Close stops the worker: closing stdin lets the Python loop exit on EOF.
func (w *PythonWorker) Close() error {
	w.closeOnce.Do(func() {
		var errs []error
		if w.Stdin != nil {
			errs = append(errs, w.Stdin.Close())
		}
		if w.DataPipe != nil {
			w.DataPipe.Close()
		}
		if w.Cmd != nil {
			errs = append(errs, w.Cmd.Wait())
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}
