// Package threat implements the static code scanner that classifies
// submissions before they reach a sandbox. The analyzer is stateless and
// side-effect free: it reports threats and a risk score, and the instance
// manager decides whether to block.
package threat

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for detected threats.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Threat is one scan finding. Threats are append-only telemetry; they are
// created here and never mutated afterwards.
type Threat struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"-"`
	SeverityStr string    `json:"severity"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence"`
	Line        int       `json:"line,omitempty"`
	Mitigation  string    `json:"mitigation"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Report is the outcome of analyzing one submission.
type Report struct {
	Threats   []Threat `json:"threats"`
	RiskScore float64  `json:"risk_score"`
	Safe      bool     `json:"safe"`
}

// MaxSeverity returns the highest severity among the report's threats.
func (r Report) MaxSeverity() Severity {
	max := SeverityNone
	for _, t := range r.Threats {
		if t.Severity > max {
			max = t.Severity
		}
	}
	return max
}

// Weights controls how matches accumulate into a risk score. The zero value
// is not useful; use DefaultWeights.
type Weights struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
	// SafeThreshold is the score below which a clean scan is considered safe.
	SafeThreshold float64 `yaml:"safe_threshold"`
}

// DefaultWeights mirrors the calibration the platform has run with so far.
func DefaultWeights() Weights {
	return Weights{
		Low:           0.1,
		Medium:        0.2,
		High:          0.4,
		Critical:      0.6,
		SafeThreshold: 0.3,
	}
}

func (w Weights) forSeverity(s Severity) float64 {
	switch s {
	case SeverityLow:
		return w.Low
	case SeverityMedium:
		return w.Medium
	case SeverityHigh:
		return w.High
	case SeverityCritical:
		return w.Critical
	default:
		return 0
	}
}

// Analyzer scans code against the signature table plus language-specific
// secondary checks.
type Analyzer struct {
	signatures []Signature
	weights    Weights
}

// NewAnalyzer creates an analyzer with the default signature table.
func NewAnalyzer(weights Weights) *Analyzer {
	if weights.SafeThreshold <= 0 {
		weights = DefaultWeights()
	}
	return &Analyzer{
		signatures: defaultSignatures(),
		weights:    weights,
	}
}

// AnalyzeCode scans a submission and returns every matched threat with a
// cumulative severity-weighted risk score capped at 1.0.
func (a *Analyzer) AnalyzeCode(code, language string) Report {
	now := time.Now().UTC()
	var threats []Threat
	var score float64

	lines := strings.Split(code, "\n")
	for _, sig := range a.signatures {
		for _, re := range sig.patterns {
			for i, line := range lines {
				m := re.FindString(line)
				if m == "" {
					continue
				}
				threats = append(threats, Threat{
					Type:        sig.Type,
					Severity:    sig.Severity,
					SeverityStr: sig.Severity.String(),
					Description: sig.Description,
					Evidence:    snippet(m),
					Line:        i + 1,
					Mitigation:  sig.Mitigation,
					DetectedAt:  now,
				})
				score += a.weights.forSeverity(sig.Severity)

				if sig.Severity == SeverityCritical {
					log.Warn().
						Str("threat_type", sig.Type).
						Int("line", i+1).
						Msg("critical threat signature matched")
				}
			}
		}
	}

	// Language-specific secondary checks score the same way as signatures.
	for _, t := range a.languageChecks(code, language, now) {
		threats = append(threats, t)
		score += a.weights.forSeverity(t.Severity)
	}

	if score > 1.0 {
		score = 1.0
	}

	return Report{
		Threats:   threats,
		RiskScore: score,
		Safe:      len(threats) == 0 && score < a.weights.SafeThreshold,
	}
}

func snippet(s string) string {
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
