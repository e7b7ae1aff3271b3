package enrich

import (
	"context"
	"strings"
	"testing"
)

func TestHeuristicCleanRun(t *testing.T) {
	h := NewHeuristic()
	fb, err := h.Enrich(context.Background(), Submission{
		Code:     "print(\"hello\")",
		Language: "python",
		Stdout:   "hello\n",
		ExitCode: 0,
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if fb.QualityScore < 0.9 {
		t.Errorf("QualityScore = %.2f, want >= 0.9", fb.QualityScore)
	}
	if len(fb.Suggestions) != 0 {
		t.Errorf("unexpected suggestions: %v", fb.Suggestions)
	}
}

func TestHeuristicTimeout(t *testing.T) {
	h := NewHeuristic()
	fb, err := h.Enrich(context.Background(), Submission{
		Code:     "while True:\n    pass",
		Language: "python",
		TimedOut: true,
		ExitCode: 124,
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if fb.QualityScore >= 1.0 {
		t.Error("timeout should cost quality score")
	}
	found := false
	for _, s := range fb.Suggestions {
		if strings.Contains(s, "timed out") {
			found = true
		}
	}
	if !found {
		t.Errorf("no timeout suggestion in %v", fb.Suggestions)
	}
}

func TestHeuristicScoreFloor(t *testing.T) {
	h := NewHeuristic()
	long := strings.Repeat("x", 200)
	code := "TODO fix\n" + strings.Repeat(long+"\n", 15)
	fb, err := h.Enrich(context.Background(), Submission{
		Code:     code,
		Language: "python",
		TimedOut: true,
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if fb.QualityScore < 0 {
		t.Errorf("QualityScore = %.2f, want >= 0", fb.QualityScore)
	}
}

func TestHeuristicNonZeroExit(t *testing.T) {
	h := NewHeuristic()
	fb, _ := h.Enrich(context.Background(), Submission{
		Code:     "import sys\nsys.exit(3)",
		Language: "python",
		ExitCode: 3,
	})
	if fb.Summary != "program finished with a non-zero exit code" {
		t.Errorf("Summary = %q", fb.Summary)
	}
}
