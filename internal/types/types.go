package types

import "time"

// Verdict is the outcome of one processed frame. The zero value is NotDetected.
type Verdict struct {
	Detected bool
	Model    string  // model that crossed the threshold, empty when not detected
	Score    float64 // its most recent score
}

// NotDetected is the verdict for a frame where no eligible model fired.
var NotDetected = Verdict{}

// Detected builds a positive verdict for model.
func Detected(model string, score float64) Verdict {
	return Verdict{Detected: true, Model: model, Score: score}
}

// ModelScores matches one entry of the detector's per-model score history.
// Scores are ordered oldest first; the last element belongs to the current frame.
type ModelScores struct {
	Model  string    `msgpack:"name" json:"model"`
	Scores []float64 `msgpack:"scores" json:"scores"`
}

// DetectionEvent is emitted once for every frame with a Detected verdict.
type DetectionEvent struct {
	SessionID  string    `json:"session_id"`
	FrameIndex int64     `json:"frame_index"`
	Model      string    `json:"model"`
	Score      float64   `json:"score"`
	Threshold  float64   `json:"threshold"`
	DetectedAt time.Time `json:"detected_at"`
}

// SessionSummary describes a finished streaming session.
type SessionSummary struct {
	ID         string
	Remote     string
	StartedAt  time.Time
	EndedAt    time.Time
	Frames     int64
	Detections int64
	Timeouts   int64
	Malformed  int64
	Reason     string
}
