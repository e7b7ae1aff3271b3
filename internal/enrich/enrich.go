// Package enrich produces post-execution feedback for learners. Enrichment
// is best-effort: a failure here never fails the execution it describes.
package enrich

import (
	"context"
	"strings"
)

// Feedback is advisory output attached to a finished execution.
type Feedback struct {
	QualityScore float64  `json:"quality_score"`
	Suggestions  []string `json:"suggestions,omitempty"`
	Summary      string   `json:"summary"`
}

// Submission is the finished execution an enricher looks at.
type Submission struct {
	Code     string
	Language string
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Enricher turns a finished execution into feedback.
type Enricher interface {
	Enrich(ctx context.Context, sub Submission) (*Feedback, error)
}

// Heuristic is a static, dependency-free enricher. It scores style signals
// that matter for beginner code and annotates common failure modes.
type Heuristic struct {
	// MaxLineLength is the length above which a line costs quality score.
	MaxLineLength int
}

// NewHeuristic returns a Heuristic with default thresholds.
func NewHeuristic() *Heuristic {
	return &Heuristic{MaxLineLength: 120}
}

func (h *Heuristic) Enrich(_ context.Context, sub Submission) (*Feedback, error) {
	score := 1.0
	var suggestions []string

	lines := strings.Split(sub.Code, "\n")

	longLines := 0
	for _, line := range lines {
		if len(line) > h.MaxLineLength {
			longLines++
		}
	}
	if longLines > 0 {
		score -= 0.1
		suggestions = append(suggestions, "break long lines for readability")
	}

	if len(lines) > 10 && !hasComment(sub.Code, sub.Language) {
		score -= 0.1
		suggestions = append(suggestions, "add comments explaining the approach")
	}

	if strings.Contains(sub.Code, "TODO") || strings.Contains(sub.Code, "FIXME") {
		score -= 0.05
		suggestions = append(suggestions, "resolve TODO/FIXME markers before submitting")
	}

	switch {
	case sub.TimedOut:
		score -= 0.3
		suggestions = append(suggestions, "execution timed out; check for unbounded loops or reduce input size")
	case sub.ExitCode != 0:
		score -= 0.2
		suggestions = append(suggestions, "the program exited with an error; inspect stderr")
	}

	if score < 0 {
		score = 0
	}

	return &Feedback{
		QualityScore: score,
		Suggestions:  suggestions,
		Summary:      summarize(sub, score),
	}, nil
}

func hasComment(code, language string) bool {
	switch strings.ToLower(language) {
	case "python", "linux_full":
		return strings.Contains(code, "#")
	default:
		return strings.Contains(code, "//") || strings.Contains(code, "/*")
	}
}

func summarize(sub Submission, score float64) string {
	switch {
	case sub.TimedOut:
		return "program did not finish within the time limit"
	case sub.ExitCode != 0:
		return "program finished with a non-zero exit code"
	case score >= 0.9:
		return "program ran cleanly"
	default:
		return "program ran with minor style findings"
	}
}
