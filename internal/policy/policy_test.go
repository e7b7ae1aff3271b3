package policy

import "testing"

func TestByLevel(t *testing.T) {
	tests := []struct {
		level       Level
		wantMemMB   int64
		wantDiskMB  int64
		wantExecSec int
		wantNetwork bool
	}{
		{LevelLow, 512, 1024, 30, true},
		{LevelMedium, 256, 512, 20, false},
		{LevelHigh, 128, 256, 10, false},
		{LevelMaximum, 64, 128, 5, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			p, err := ByLevel(tt.level)
			if err != nil {
				t.Fatalf("ByLevel(%s) error: %v", tt.level, err)
			}
			if p.MaxMemoryMB != tt.wantMemMB {
				t.Errorf("MaxMemoryMB = %d, want %d", p.MaxMemoryMB, tt.wantMemMB)
			}
			if p.MaxDiskMB != tt.wantDiskMB {
				t.Errorf("MaxDiskMB = %d, want %d", p.MaxDiskMB, tt.wantDiskMB)
			}
			if p.MaxExecutionSecs != tt.wantExecSec {
				t.Errorf("MaxExecutionSecs = %d, want %d", p.MaxExecutionSecs, tt.wantExecSec)
			}
			if p.NetworkAccess != tt.wantNetwork {
				t.Errorf("NetworkAccess = %v, want %v", p.NetworkAccess, tt.wantNetwork)
			}
		})
	}

	if _, err := ByLevel(Level("bogus")); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestByLevelReturnsCopy(t *testing.T) {
	p1, _ := ByLevel(LevelLow)
	p1.BlockedCommands[0] = "mutated"

	p2, _ := ByLevel(LevelLow)
	if p2.BlockedCommands[0] == "mutated" {
		t.Error("catalog entry was mutated through a returned policy")
	}
}

func TestRecommendLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0.0, LevelLow},
		{0.29, LevelLow},
		{0.3, LevelMedium},
		{0.59, LevelMedium},
		{0.6, LevelHigh},
		{0.79, LevelHigh},
		{0.8, LevelMaximum},
		{1.0, LevelMaximum},
	}
	for _, tt := range tests {
		if got := RecommendLevel(tt.score); got != tt.want {
			t.Errorf("RecommendLevel(%.2f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRecommendLevelMonotonic(t *testing.T) {
	prev := RecommendLevel(0)
	for s := 0.0; s <= 1.0; s += 0.01 {
		cur := RecommendLevel(s)
		if !Stricter(cur, prev) {
			t.Fatalf("RecommendLevel loosened from %s to %s at score %.2f", prev, cur, s)
		}
		prev = cur
	}
}

func TestClamp(t *testing.T) {
	p, _ := ByLevel(LevelLow)

	tests := []struct {
		name string
		req  Limits
		want Limits
	}{
		{
			"over ceiling clamps down",
			Limits{CPUCores: 8, MemoryMB: 2048, DiskMB: 9999},
			Limits{CPUCores: 2, MemoryMB: 512, DiskMB: 1024, Processes: 10, OpenFiles: 50},
		},
		{
			"under ceiling kept",
			Limits{CPUCores: 1, MemoryMB: 128, DiskMB: 256},
			Limits{CPUCores: 1, MemoryMB: 128, DiskMB: 256, Processes: 10, OpenFiles: 50},
		},
		{
			"zero takes ceiling",
			Limits{},
			Limits{CPUCores: 2, MemoryMB: 512, DiskMB: 1024, Processes: 10, OpenFiles: 50},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Clamp(tt.req); got != tt.want {
				t.Errorf("Clamp(%+v) = %+v, want %+v", tt.req, got, tt.want)
			}
		})
	}
}

func TestUnionBlocklist(t *testing.T) {
	got := UnionBlocklist([]string{"rm", "sudo"}, []string{"sudo", "curl"})
	want := []string{"curl", "rm", "sudo"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}
