package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/wakewire/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeMessage frames a response the way the Python side does: [uint32 BE len][msgpack].
func writeMessage(t *testing.T, dst *MockCloser, resp response) {
	t.Helper()
	body, err := msgpack.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	binary.Write(dst, binary.BigEndian, uint32(len(body)))
	dst.Write(body)
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Cmd is nil because we aren't testing process management, just the protocol
	w := &PythonWorker{Stdin: stdinMock, DataPipe: dataPipeMock}
	return w, stdinMock, dataPipeMock
}

func TestHandshake(t *testing.T) {
	w, _, data := newMockWorker()
	writeMessage(t, data, response{
		Status: statusOK,
		Models: []types.ModelScores{{Model: "hey_jarvis"}, {Model: "alexa"}},
	})

	if err := w.handshake(0); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if got, want := w.Models(), []string{"hey_jarvis", "alexa"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Models() = %v, want %v", got, want)
	}
}

func TestHandshake_NoModels(t *testing.T) {
	w, _, data := newMockWorker()
	writeMessage(t, data, response{Status: statusOK})

	if err := w.handshake(0); !errors.Is(err, ErrWorker) {
		t.Fatalf("Expected ErrWorker, got %v", err)
	}
}

func TestPredict(t *testing.T) {
	w, stdin, data := newMockWorker()

	// 1. Pre-fill the data pipe with a fake prediction from "Python"
	writeMessage(t, data, response{
		Status: statusOK,
		Models: []types.ModelScores{
			{Model: "alpha", Scores: []float64{0.0, 0.01, 0.87}},
			{Model: "beta", Scores: []float64{0.2}},
		},
	})

	// 2. Execute the function under test
	samples := []int16{1, -1, 300}
	pred, err := w.Predict(context.Background(), samples)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// 3. Verify Go sent the correct data TO Python: 4 bytes header + 2 bytes per sample
	sent := stdin.Bytes()
	if len(sent) != 4+2*len(samples) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+2*len(samples), len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); n != 6 {
		t.Errorf("Expected length header 6, got %d", n)
	}
	if !bytes.Equal(sent[4:], []byte{0x01, 0x00, 0xFF, 0xFF, 0x2C, 0x01}) {
		t.Errorf("Unexpected PCM payload % X", sent[4:])
	}

	// 4. Verify Go read the correct data FROM Python
	latest := pred.Latest()
	if math.Abs(latest["alpha"]-0.87) > 1e-9 || math.Abs(latest["beta"]-0.2) > 1e-9 {
		t.Errorf("Unexpected latest scores %v", latest)
	}
	if pred[0].Model != "alpha" || pred[1].Model != "beta" {
		t.Errorf("Model order not preserved: %v", pred)
	}
}

func TestPredict_Error(t *testing.T) {
	w, _, data := newMockWorker()

	errMsg := "Python Exception: Import Error"
	writeMessage(t, data, response{Status: "error", Error: errMsg})
	writeMessage(t, data, response{Status: statusOK, Models: []types.ModelScores{{Model: "alpha", Scores: []float64{0.1}}}})

	_, err := w.Predict(context.Background(), []int16{0})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrWorker) {
		t.Errorf("Expected ErrWorker, got %v", err)
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}

	if errors.Is(err, ErrWorkerBroken) {
		t.Error("A worker-reported error must not mark the worker broken")
	}

	// A reported error keeps the pipe aligned: the next prediction succeeds
	if _, err := w.Predict(context.Background(), []int16{0}); err != nil {
		t.Errorf("Expected recovery after a worker-reported error, got %v", err)
	}
}

func TestPredict_TruncatedResponseBreaksWorker(t *testing.T) {
	w, _, data := newMockWorker()
	binary.Write(data, binary.BigEndian, uint32(100))
	data.Write([]byte{0x80}) // far fewer than 100 bytes

	_, err := w.Predict(context.Background(), []int16{0})
	if !errors.Is(err, ErrWorker) || !errors.Is(err, ErrWorkerBroken) {
		t.Fatalf("Expected ErrWorker and ErrWorkerBroken, got %v", err)
	}

	// Even with a valid message queued, the worker stays unusable
	writeMessage(t, data, response{Status: statusOK})
	if _, err := w.Predict(context.Background(), []int16{0}); !errors.Is(err, ErrWorkerBroken) {
		t.Errorf("Expected broken worker to keep failing, got %v", err)
	}
}

func TestPredict_CancelledContext(t *testing.T) {
	w, stdin, _ := newMockWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Predict(ctx, []int16{0}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stdin.Len() != 0 {
		t.Error("Nothing should be sent on a cancelled context")
	}
}

func TestWorkerArgs(t *testing.T) {
	got := workerArgs(Config{
		Script:             "w.py",
		ModelPaths:         []string{"a.onnx", "b.onnx"},
		InferenceFramework: "tflite",
		ChunkSize:          1280,
	})
	want := []string{"-u", "w.py", "--chunk_size", "1280", "--model_path", "a.onnx,b.onnx", "--inference_framework", "tflite"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("workerArgs() = %v, want %v", got, want)
	}
}

func TestPredictionLatest_SkipsEmpty(t *testing.T) {
	p := Prediction{{Model: "a"}, {Model: "b", Scores: []float64{0.3}}}
	latest := p.Latest()
	if _, ok := latest["a"]; ok {
		t.Error("Model without scores should be absent")
	}
	if latest["b"] != 0.3 {
		t.Errorf("Expected 0.3, got %v", latest["b"])
	}
}

// failingWriter simulates the worker's stdin after the process died.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, os.ErrClosed }
func (failingWriter) Close() error                { return nil }

func TestPredict_DeadProcessBreaksWorker(t *testing.T) {
	w, _, _ := newMockWorker()
	w.Stdin = failingWriter{}

	if _, err := w.Predict(context.Background(), []int16{0}); !errors.Is(err, ErrWorkerBroken) {
		t.Fatalf("Expected ErrWorkerBroken, got %v", err)
	}
}

func TestPredictionMissing(t *testing.T) {
	p := Prediction{{Model: "a", Scores: []float64{0.1}}, {Model: "b"}}
	if got := p.Missing([]string{"a", "b", "c"}); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("Missing() = %v, want [b c]", got)
	}
	if got := p.Missing([]string{"a"}); len(got) != 0 {
		t.Errorf("Missing() = %v, want none", got)
	}
}

func TestNewPythonWorker_StartupCrashKeepsLogs(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	// Stands in for a worker whose imports fail before the hello message
	script := filepath.Join(t.TempDir(), "worker.sh")
	body := "echo \"ModuleNotFoundError: No module named 'openwakeword'\" >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	_, err = NewPythonWorker(context.Background(), Config{Python: sh, Script: script, StartupTimeout: 5 * time.Second})
	if err == nil {
		t.Fatal("Expected startup failure")
	}
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *StartupError, got %T: %v", err, err)
	}
	if se.Cmd == nil || !strings.Contains(se.Cmd.Stderr.String(), "No module named 'openwakeword'") {
		t.Errorf("Worker stderr was not kept for the crash report")
	}
}
