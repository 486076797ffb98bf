// Package scoreboard keeps a bounded history of recent classifier scores per
// wake-word model.
package scoreboard

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity matches the length of the classifier's own prediction buffer.
const DefaultCapacity = 30

// ErrNoScoreYet is returned by Last when a model has no recorded score. Once
// the first frame is processed this means the detector skipped a model.
var ErrNoScoreYet = errors.New("no score recorded yet")

// ring is a fixed-capacity FIFO of scores.
type ring struct {
	buf   []float64
	start int
	size  int
}

func (r *ring) push(v float64) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last() float64 {
	return r.buf[(r.start+r.size-1)%len(r.buf)]
}

func (r *ring) slice() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Board maps model ids to their recent scores, in registration order.
type Board struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	scores   map[string]*ring
}

// New creates an empty board keeping at most capacity scores per model.
func New(capacity int) (*Board, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("scoreboard capacity must be >= 1, got %d", capacity)
	}
	return &Board{capacity: capacity, scores: make(map[string]*ring)}, nil
}

// Register adds models in the given order. Already known models keep their
// original position.
func (b *Board) Register(models ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range models {
		b.register(m)
	}
}

func (b *Board) register(model string) *ring {
	r, ok := b.scores[model]
	if !ok {
		r = &ring{buf: make([]float64, b.capacity)}
		b.scores[model] = r
		b.order = append(b.order, model)
	}
	return r
}

// Update appends score to model's history, evicting the oldest entry when
// the history is full. Unknown models are registered on first update.
func (b *Board) Update(model string, score float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.register(model).push(score)
}

// Last returns the most recently recorded score for model.
func (b *Board) Last(model string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.scores[model]
	if !ok || r.size == 0 {
		return 0, fmt.Errorf("model %q: %w", model, ErrNoScoreYet)
	}
	return r.last(), nil
}

// History returns a copy of model's scores, oldest first.
func (b *Board) History(model string) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.scores[model]
	if !ok {
		return nil
	}
	return r.slice()
}

// Models returns the model ids in registration order.
func (b *Board) Models() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Capacity is the maximum history length per model.
func (b *Board) Capacity() int { return b.capacity }
