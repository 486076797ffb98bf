package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/andresmejia3/wakewire/internal/detector"
	"github.com/andresmejia3/wakewire/internal/policy"
	"github.com/andresmejia3/wakewire/internal/scoreboard"
	"github.com/andresmejia3/wakewire/internal/types"
)

func scripted(models []string, frames [][]float64) *fakeDetector {
	return &fakeDetector{
		models: models,
		predict: func(call int, _ []int16) (detector.Prediction, error) {
			var p detector.Prediction
			for i, m := range models {
				p = append(p, types.ModelScores{Model: m, Scores: []float64{frames[call][i]}})
			}
			return p, nil
		},
	}
}

func TestScoreAudio(t *testing.T) {
	det := scripted([]string{"alexa", "hey_jarvis"}, [][]float64{
		{0.9, 0.2},
		{0.1, 0.6},
		{0.1, 0.3},
	})
	board, _ := scoreboard.New(scoreboard.DefaultCapacity)
	board.Register(det.Models()...)
	pol := policy.Policy{Threshold: 0.5, Selector: policy.FilteredModel, Filter: "JARVIS"}

	frames := 0
	report, err := scoreAudio(context.Background(), det, board, pol, bytes.NewReader(make([]byte, 12)), 4, func() { frames++ })
	if err != nil {
		t.Fatalf("scoreAudio failed: %v", err)
	}

	if report.Frames != 3 || frames != 3 {
		t.Errorf("Expected 3 frames, got %d (callback %d)", report.Frames, frames)
	}
	// alexa scores 0.9 on frame 0 but is filtered out
	if report.FirstFrame != 1 || report.FirstModel != "hey_jarvis" {
		t.Errorf("First detection = frame %d %q, want frame 1 hey_jarvis", report.FirstFrame, report.FirstModel)
	}
	if report.Detections != 1 {
		t.Errorf("Expected 1 detection, got %d", report.Detections)
	}
	if report.Max["alexa"] != 0.9 || report.MaxFrame["alexa"] != 0 {
		t.Errorf("alexa max = %v at %d", report.Max["alexa"], report.MaxFrame["alexa"])
	}
	if report.Max["hey_jarvis"] != 0.6 || report.MaxFrame["hey_jarvis"] != 1 {
		t.Errorf("hey_jarvis max = %v at %d", report.Max["hey_jarvis"], report.MaxFrame["hey_jarvis"])
	}

	var out bytes.Buffer
	printReport(&out, report, pol, 1280)
	if !strings.Contains(out.String(), "First detection: hey_jarvis at 160ms (frame 1)") {
		t.Errorf("Unexpected report:\n%s", out.String())
	}
}

func TestScoreAudio_NoDetection(t *testing.T) {
	det := scripted([]string{"alexa"}, [][]float64{{0.1}, {0.2}})
	board, _ := scoreboard.New(4)
	board.Register(det.Models()...)
	pol := policy.Policy{Threshold: 0.5, Selector: policy.AnyModel}

	report, err := scoreAudio(context.Background(), det, board, pol, bytes.NewReader(make([]byte, 6)), 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstFrame != -1 || report.Frames != 2 {
		t.Errorf("Unexpected report %+v", report)
	}

	var out bytes.Buffer
	printReport(&out, report, pol, 1280)
	if !strings.Contains(out.String(), "No detection in 2 frames") {
		t.Errorf("Unexpected report:\n%s", out.String())
	}
}

func TestScoreAudio_DetectorError(t *testing.T) {
	det := &fakeDetector{
		models: []string{"alexa"},
		predict: func(int, []int16) (detector.Prediction, error) {
			return nil, detector.ErrWorker
		},
	}
	board, _ := scoreboard.New(4)
	_, err := scoreAudio(context.Background(), det, board, policy.Policy{Selector: policy.AnyModel}, bytes.NewReader(make([]byte, 4)), 4, nil)
	if !errors.Is(err, detector.ErrWorker) {
		t.Errorf("Expected ErrWorker, got %v", err)
	}
}

func TestScoreAudio_ModelDroppedAfterScoringHigh(t *testing.T) {
	det := &fakeDetector{
		models: []string{"alpha", "beta"},
		predict: func(call int, _ []int16) (detector.Prediction, error) {
			if call == 0 {
				return detector.Prediction{
					{Model: "alpha", Scores: []float64{0.9}},
					{Model: "beta", Scores: []float64{0.1}},
				}, nil
			}
			return detector.Prediction{{Model: "beta", Scores: []float64{0.1}}}, nil
		},
	}
	board, _ := scoreboard.New(4)
	board.Register(det.Models()...)
	pol := policy.Policy{Threshold: 0.5, Selector: policy.AnyModel}

	report, err := scoreAudio(context.Background(), det, board, pol, bytes.NewReader(make([]byte, 12)), 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	// alpha's 0.9 from frame 0 must not carry into frames 1 and 2
	if report.Detections != 1 || report.FirstFrame != 0 {
		t.Errorf("Expected a single detection at frame 0, got %+v", report)
	}
	if report.Undecided != 2 {
		t.Errorf("Expected 2 undecided frames, got %d", report.Undecided)
	}

	var out bytes.Buffer
	printReport(&out, report, pol, 1280)
	if !strings.Contains(out.String(), "2 frames left undecided") {
		t.Errorf("Unexpected report:\n%s", out.String())
	}
}
