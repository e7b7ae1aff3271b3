package threat

import (
	"strings"
	"testing"
)

func TestAnalyzeCode(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())

	tests := []struct {
		name        string
		code        string
		language    string
		wantType    string
		wantSafe    bool
		minRisk     float64
	}{
		{"eval call", `result = eval(user_input)`, "python", "malicious_code", false, 0.4},
		{"subprocess", `subprocess.run(["ls"])`, "python", "malicious_code", false, 0.4},
		{"socket bind", `s = socket.socket(); socket.bind(("0.0.0.0", 80))`, "python", "network_exploit", false, 0.2},
		{"rmtree", `shutil.rmtree("/data")`, "python", "file_manipulation", false, 0.2},
		{"infinite loop", "while True:\n    pass", "python", "resource_exhaustion", false, 0.4},
		{"sudo", `os.system("sudo rm -rf /")`, "python", "privilege_escalation", false, 0.6},
		{"js eval", `eval("2+2")`, "javascript", "malicious_code", false, 0.4},
		{"c strcpy", `strcpy(dst, src);`, "c", "buffer_overflow_risk", false, 0.4},
		{"clean hello", `print("hello world")`, "python", "", true, 0},
		{"clean loop", "for i in range(10):\n    print(i)", "python", "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := a.AnalyzeCode(tt.code, tt.language)

			if rep.Safe != tt.wantSafe {
				t.Errorf("Safe = %v, want %v (threats: %v)", rep.Safe, tt.wantSafe, rep.Threats)
			}
			if rep.RiskScore < tt.minRisk {
				t.Errorf("RiskScore = %.2f, want >= %.2f", rep.RiskScore, tt.minRisk)
			}
			if tt.wantType != "" {
				found := false
				for _, th := range rep.Threats {
					if th.Type == tt.wantType {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("threat type %q not found in %v", tt.wantType, rep.Threats)
				}
			}
		})
	}
}

func TestPrivilegeEscalationScoresHigh(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())
	rep := a.AnalyzeCode(`import os; os.system("sudo chmod 777 /etc/shadow")`, "python")

	if rep.Safe {
		t.Error("privilege escalation marked safe")
	}
	if rep.RiskScore < 0.6 {
		t.Errorf("RiskScore = %.2f, want >= 0.6", rep.RiskScore)
	}
	if rep.MaxSeverity() != SeverityCritical {
		t.Errorf("MaxSeverity = %s, want critical", rep.MaxSeverity())
	}
}

func TestRiskScoreCapped(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())

	// Many critical matches must still cap at 1.0.
	code := strings.Repeat("sudo su -\n", 20)
	rep := a.AnalyzeCode(code, "bash")
	if rep.RiskScore > 1.0 {
		t.Errorf("RiskScore = %.2f, want <= 1.0", rep.RiskScore)
	}
	if rep.RiskScore != 1.0 {
		t.Errorf("RiskScore = %.2f, want 1.0 for repeated critical matches", rep.RiskScore)
	}
}

func TestLanguageChecks(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())

	tests := []struct {
		name     string
		code     string
		language string
		wantType string
	}{
		{"python os import", "import os", "python", "dangerous_import"},
		{"node function ctor", `const f = Function("return 1")`, "javascript", "dangerous_function"},
		{"cpp gets", `gets(buf);`, "cpp", "buffer_overflow_risk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := a.AnalyzeCode(tt.code, tt.language)
			found := false
			for _, th := range rep.Threats {
				if th.Type == tt.wantType {
					found = true
				}
			}
			if !found {
				t.Errorf("threat %q not found, got %v", tt.wantType, rep.Threats)
			}
		})
	}

	// Language checks for one language must not fire for another.
	rep := a.AnalyzeCode("import os", "cpp")
	for _, th := range rep.Threats {
		if th.Type == "dangerous_import" {
			t.Error("python import check fired for cpp code")
		}
	}
}

func TestThreatCarriesEvidence(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())
	rep := a.AnalyzeCode("x = 1\neval(x)\n", "python")

	if len(rep.Threats) == 0 {
		t.Fatal("no threats detected")
	}
	th := rep.Threats[0]
	if th.Evidence == "" {
		t.Error("threat has no evidence snippet")
	}
	if th.Line != 2 {
		t.Errorf("Line = %d, want 2", th.Line)
	}
	if th.DetectedAt.IsZero() {
		t.Error("DetectedAt not set")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityNone, "none"},
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.sev.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
		}
	}
}
