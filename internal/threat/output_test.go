package threat

import "testing"

func TestAnalyzeOutputFlagsLeaks(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())

	tests := []struct {
		name     string
		output   string
		wantType string
		wantSev  Severity
	}{
		{
			name:     "passwd root entry",
			output:   "root:x:0:0:root:/root:/bin/bash\ndaemon:x:1:1...",
			wantType: "root_account_leak",
			wantSev:  SeverityCritical,
		},
		{
			name:     "docker socket",
			output:   "srw-rw---- 1 root docker 0 /var/run/docker.sock",
			wantType: "engine_socket_leak",
			wantSev:  SeverityCritical,
		},
		{
			name:     "kernel version",
			output:   "Linux version 6.8.0-40-generic (buildd@lcy02)",
			wantType: "kernel_info_leak",
			wantSev:  SeverityHigh,
		},
		{
			name:     "metadata endpoint",
			output:   "connecting to 169.254.169.254...",
			wantType: "metadata_service_leak",
			wantSev:  SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := a.AnalyzeOutput(tt.output)
			if len(found) == 0 {
				t.Fatal("no threats found")
			}
			got := found[0]
			if got.Type != tt.wantType || got.Severity != tt.wantSev {
				t.Errorf("got %s/%s, want %s/%s", got.Type, got.SeverityStr, tt.wantType, tt.wantSev)
			}
			if got.Evidence == "" {
				t.Error("evidence empty")
			}
		})
	}
}

func TestAnalyzeOutputCleanOutput(t *testing.T) {
	a := NewAnalyzer(DefaultWeights())

	if found := a.AnalyzeOutput("Hello, world!\n42\n"); len(found) != 0 {
		t.Errorf("clean output flagged: %+v", found)
	}
	if found := a.AnalyzeOutput(""); found != nil {
		t.Errorf("empty output flagged: %+v", found)
	}
}
