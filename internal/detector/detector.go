// Package detector defines the wake-word classification capability and a
// Python-backed implementation of it.
package detector

import (
	"context"
	"errors"

	"github.com/andresmejia3/wakewire/internal/types"
)

// ErrWorker marks a classification failure reported by the detector itself,
// as opposed to a transport failure on the audio socket.
var ErrWorker = errors.New("python worker error")

// ErrWorkerBroken means the worker can no longer answer: it died, timed out
// or desynchronized its pipe. Every later Predict fails with it.
var ErrWorkerBroken = errors.New("python worker unusable")

// Prediction holds the recent score history of every loaded model, in model
// load order. The last score of each entry belongs to the frame just predicted.
type Prediction []types.ModelScores

// Latest returns the score for the current frame of every model that
// reported one.
func (p Prediction) Latest() map[string]float64 {
	out := make(map[string]float64, len(p))
	for _, m := range p {
		if len(m.Scores) > 0 {
			out[m.Model] = m.Scores[len(m.Scores)-1]
		}
	}
	return out
}

// Missing returns the models that have no score for the current frame.
func (p Prediction) Missing(models []string) []string {
	latest := p.Latest()
	var out []string
	for _, m := range models {
		if _, ok := latest[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Detector scores audio frames. It is loaded once and shared by every
// session; a session calls Predict from a single goroutine.
type Detector interface {
	// Models lists the loaded model ids in load order.
	Models() []string
	// Predict scores one frame of 16 kHz mono samples.
	Predict(ctx context.Context, samples []int16) (Prediction, error)
	Close() error
}
