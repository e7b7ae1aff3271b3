package threat

import (
	"regexp"
	"strings"
	"time"
)

// Signature is one named threat class: a set of detection patterns plus the
// severity and description attached to any match.
type Signature struct {
	Type        string
	Severity    Severity
	Description string
	Mitigation  string
	patterns    []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

func defaultSignatures() []Signature {
	return []Signature{
		{
			Type:        "malicious_code",
			Severity:    SeverityHigh,
			Description: "Potentially malicious code execution patterns",
			Mitigation:  "Block execution and review code",
			patterns: compileAll(
				`import\s+os\s*;\s*os\.system`,
				`subprocess\.(call|run|Popen)`,
				`eval\s*\(`,
				`exec\s*\(`,
				`__import__\s*\(`,
				`open\s*\(\s*['"]/etc/passwd`,
				`fork\s*\(`,
				`process\.spawn`,
				`require\s*\(\s*['"]child_process`,
			),
		},
		{
			Type:        "network_exploit",
			Severity:    SeverityMedium,
			Description: "Network communication attempts",
			Mitigation:  "Disable network access",
			patterns: compileAll(
				`socket\.(socket|bind|listen|connect)`,
				`urllib\.request\.urlopen`,
				`requests\.(get|post|put|delete)`,
				`fetch\s*\(`,
				`XMLHttpRequest`,
				`axios\.(get|post|put|delete)`,
			),
		},
		{
			Type:        "file_manipulation",
			Severity:    SeverityMedium,
			Description: "File system manipulation attempts",
			Mitigation:  "Restrict file system access",
			patterns: compileAll(
				`os\.remove\s*\(`,
				`shutil\.rmtree`,
				`os\.rmdir`,
				`unlink\s*\(`,
				`fs\.unlink`,
				`fs\.rmdir`,
				`Files\.delete`,
				`File\.delete`,
			),
		},
		{
			Type:        "resource_exhaustion",
			Severity:    SeverityHigh,
			Description: "Potential resource exhaustion attack",
			Mitigation:  "Apply strict resource limits",
			patterns: compileAll(
				`while\s+True\s*:`,
				`while\s*\(\s*(true|1)\s*\)`,
				`for\s+.*\s+in\s+range\s*\(\s*\d{6,}`,
				`Array\s*\(\s*\d{6,}`,
				`malloc\s*\(\s*\d{6,}`,
				`new\s+byte\s*\[\s*\d{6,}`,
			),
		},
		{
			Type:        "privilege_escalation",
			Severity:    SeverityCritical,
			Description: "Privilege escalation attempt",
			Mitigation:  "Run in sandboxed environment with minimal privileges",
			patterns: compileAll(
				`sudo\s+`,
				`\bsu\s+-`,
				`chmod\s+777`,
				`setuid\s*\(`,
				`setgid\s*\(`,
				`Process\.getRuntime`,
			),
		},
	}
}

// languageChecks runs the per-language secondary pass: constructs that are
// only suspicious in a particular runtime.
func (a *Analyzer) languageChecks(code, language string, now time.Time) []Threat {
	switch strings.ToLower(language) {
	case "python":
		return matchNamed(code, now, "dangerous_import", SeverityMedium,
			"Import of potentially dangerous module",
			"Review import necessity and restrict if possible",
			`import\s+(os|subprocess|sys|importlib|builtins)\b`)
	case "javascript", "node":
		return matchNamed(code, now, "dangerous_function", SeverityMedium,
			"Use of potentially dangerous function",
			"Avoid dynamic code execution",
			`\b(eval|setTimeout|setInterval|Function)\s*\(`)
	case "c", "cpp":
		return matchNamed(code, now, "buffer_overflow_risk", SeverityHigh,
			"Use of unsafe function",
			"Use safe alternatives like strncpy, snprintf",
			`\b(gets|strcpy|strcat|sprintf|scanf)\s*\(`)
	}
	return nil
}

func matchNamed(code string, now time.Time, typ string, sev Severity, desc, mitigation, expr string) []Threat {
	re := regexp.MustCompile(expr)
	var out []Threat
	for i, line := range strings.Split(code, "\n") {
		if m := re.FindString(line); m != "" {
			out = append(out, Threat{
				Type:        typ,
				Severity:    sev,
				SeverityStr: sev.String(),
				Description: desc,
				Evidence:    snippet(m),
				Line:        i + 1,
				Mitigation:  mitigation,
				DetectedAt:  now,
			})
		}
	}
	return out
}
