package policy

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/wakewire/internal/types"
)

// Selector decides which models may trigger a detection.
type Selector string

const (
	// FilteredModel restricts detection to models whose name contains Filter.
	FilteredModel Selector = "filtered-model"
	// AnyModel lets every loaded model trigger a detection.
	AnyModel Selector = "any-model"
)

// ParseSelector validates a selector name from configuration.
func ParseSelector(s string) (Selector, error) {
	switch Selector(strings.ToLower(strings.TrimSpace(s))) {
	case FilteredModel:
		return FilteredModel, nil
	case AnyModel, "":
		return AnyModel, nil
	}
	return "", fmt.Errorf("unknown selector %q (want %s or %s)", s, FilteredModel, AnyModel)
}

// Scores is the read side of the score board the policy needs.
type Scores interface {
	Models() []string
	Last(model string) (float64, error)
}

// Policy maps the latest score of each model to a verdict.
type Policy struct {
	Threshold float64
	Selector  Selector
	Filter    string
}

// Validate checks the configuration before a server starts.
func (p Policy) Validate() error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", p.Threshold)
	}
	switch p.Selector {
	case AnyModel:
	case FilteredModel:
		if strings.TrimSpace(p.Filter) == "" {
			return fmt.Errorf("%s selector requires a non-empty filter", FilteredModel)
		}
	default:
		return fmt.Errorf("unknown selector %q", p.Selector)
	}
	return nil
}

// Eligible reports whether model may drive the verdict.
func (p Policy) Eligible(model string) bool {
	if p.Selector != FilteredModel {
		return true
	}
	return strings.Contains(strings.ToLower(model), strings.ToLower(p.Filter))
}

// Evaluate returns Detected for the first eligible model, in registration
// order, whose most recent score is at or above the threshold. A missing
// score for an eligible model aborts the decision.
func (p Policy) Evaluate(s Scores) (types.Verdict, error) {
	for _, model := range s.Models() {
		if !p.Eligible(model) {
			continue
		}
		score, err := s.Last(model)
		if err != nil {
			return types.NotDetected, err
		}
		if score >= p.Threshold {
			return types.Detected(model, score), nil
		}
	}
	return types.NotDetected, nil
}
