package threat

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// outputPattern flags execution output that suggests a sandbox probe
// succeeded, for example leaked host files or reachable engine sockets.
type outputPattern struct {
	typ         string
	severity    Severity
	description string
	re          *regexp.Regexp
}

var outputPatterns = []outputPattern{
	{
		typ:         "root_account_leak",
		severity:    SeverityCritical,
		description: "Output contains the root entry of a passwd file",
		re:          regexp.MustCompile(`root:.?:0:0`),
	},
	{
		typ:         "engine_socket_leak",
		severity:    SeverityCritical,
		description: "Output references a container engine socket",
		re:          regexp.MustCompile(`(docker|containerd)\.sock`),
	},
	{
		typ:         "kernel_info_leak",
		severity:    SeverityHigh,
		description: "Output contains kernel version details",
		re:          regexp.MustCompile(`Linux version \d`),
	},
	{
		typ:         "metadata_service_leak",
		severity:    SeverityHigh,
		description: "Output references a cloud metadata endpoint",
		re:          regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
	},
	{
		typ:         "host_info_leak",
		severity:    SeverityMedium,
		description: "Output contains host identification details",
		re:          regexp.MustCompile(`(?i)^host:|/etc/hostname`),
	},
}

// AnalyzeOutput scans execution output for signs that an isolation probe
// succeeded. Findings are reported as threats but never re-scored; the run
// already happened, so this is pure telemetry for the instance manager.
func (a *Analyzer) AnalyzeOutput(output string) []Threat {
	if output == "" {
		return nil
	}
	now := time.Now().UTC()

	var threats []Threat
	for _, p := range outputPatterns {
		m := p.re.FindString(output)
		if m == "" {
			continue
		}
		threats = append(threats, Threat{
			Type:        p.typ,
			Severity:    p.severity,
			SeverityStr: p.severity.String(),
			Description: p.description,
			Evidence:    snippet(strings.TrimSpace(m)),
			Mitigation:  "Review the instance and tighten its security level",
			DetectedAt:  now,
		})

		if p.severity >= SeverityHigh {
			log.Warn().
				Str("threat_type", p.typ).
				Msg("suspicious content in execution output")
		}
	}
	return threats
}
