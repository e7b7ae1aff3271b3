// Package policy holds the static security-level catalog. The tables are
// built once at init and never mutated, so they are safe to share without
// locking.
package policy

import (
	"fmt"
	"sort"
)

// Level is one of the four predefined security tiers.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelMaximum Level = "maximum"
)

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelLow, LevelMedium, LevelHigh, LevelMaximum:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown security level %q", s)
}

// Policy bounds the resources and behavior of one instance. Policies are
// value objects; callers copy, never mutate the catalog entries.
type Policy struct {
	Level            Level
	MaxMemoryMB      int64
	MaxDiskMB        int64
	MaxCPUCores      int
	MaxExecutionSecs int
	MaxProcesses     int64
	MaxOpenFiles     uint64
	NetworkAccess    bool
	FileUpload       bool
	InternetAccess   bool
	AllowedDomains   []string
	BlockedCommands  []string
	RestrictedSyscalls []string
}

var catalog = map[Level]Policy{
	LevelLow: {
		Level:            LevelLow,
		MaxMemoryMB:      512,
		MaxDiskMB:        1024,
		MaxCPUCores:      2,
		MaxExecutionSecs: 30,
		MaxProcesses:     10,
		MaxOpenFiles:     50,
		NetworkAccess:    true,
		FileUpload:       true,
		InternetAccess:   true,
		AllowedDomains:   []string{"*"},
		BlockedCommands:  []string{"rm", "sudo", "su", "chmod", "chown"},
		RestrictedSyscalls: []string{"mount", "umount2", "reboot"},
	},
	LevelMedium: {
		Level:            LevelMedium,
		MaxMemoryMB:      256,
		MaxDiskMB:        512,
		MaxCPUCores:      2,
		MaxExecutionSecs: 20,
		MaxProcesses:     5,
		MaxOpenFiles:     25,
		NetworkAccess:    false,
		FileUpload:       true,
		InternetAccess:   false,
		AllowedDomains:   []string{"github.com", "stackoverflow.com"},
		BlockedCommands:  []string{"rm", "sudo", "su", "chmod", "chown", "wget", "curl"},
		RestrictedSyscalls: []string{"mount", "umount2", "reboot", "socket", "bind"},
	},
	LevelHigh: {
		Level:            LevelHigh,
		MaxMemoryMB:      128,
		MaxDiskMB:        256,
		MaxCPUCores:      1,
		MaxExecutionSecs: 10,
		MaxProcesses:     3,
		MaxOpenFiles:     10,
		NetworkAccess:    false,
		FileUpload:       false,
		InternetAccess:   false,
		AllowedDomains:   nil,
		BlockedCommands:  []string{"rm", "sudo", "su", "chmod", "chown", "wget", "curl", "ssh", "scp"},
		RestrictedSyscalls: []string{"mount", "umount2", "reboot", "socket", "bind", "connect", "listen"},
	},
	LevelMaximum: {
		Level:            LevelMaximum,
		MaxMemoryMB:      64,
		MaxDiskMB:        128,
		MaxCPUCores:      1,
		MaxExecutionSecs: 5,
		MaxProcesses:     1,
		MaxOpenFiles:     5,
		NetworkAccess:    false,
		FileUpload:       false,
		InternetAccess:   false,
		AllowedDomains:   nil,
		BlockedCommands:  []string{"*"}, // whitelist-only
		RestrictedSyscalls: []string{"*"},
	},
}

// ByLevel returns a copy of the policy for the given level.
func ByLevel(level Level) (Policy, error) {
	p, ok := catalog[level]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for level %q", level)
	}
	// Copy slices so callers can't reach into the catalog.
	p.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	p.BlockedCommands = append([]string(nil), p.BlockedCommands...)
	p.RestrictedSyscalls = append([]string(nil), p.RestrictedSyscalls...)
	return p, nil
}

// RecommendLevel maps a risk score onto a security level. Monotonic: a
// higher score never yields a looser level.
func RecommendLevel(riskScore float64) Level {
	switch {
	case riskScore >= 0.8:
		return LevelMaximum
	case riskScore >= 0.6:
		return LevelHigh
	case riskScore >= 0.3:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Limits is the resource envelope actually attached to an instance after
// policy enforcement.
type Limits struct {
	CPUCores  int   `json:"cpu_cores"`
	MemoryMB  int64 `json:"memory_mb"`
	DiskMB    int64 `json:"disk_mb"`
	Processes int64 `json:"processes"`
	OpenFiles uint64 `json:"open_files"`
}

// Clamp lowers each requested limit to the policy ceiling. Values are never
// raised: a request below the ceiling stays as requested, and zero or
// negative requests take the ceiling as a default.
func (p Policy) Clamp(req Limits) Limits {
	out := Limits{
		CPUCores:  req.CPUCores,
		MemoryMB:  req.MemoryMB,
		DiskMB:    req.DiskMB,
		Processes: p.MaxProcesses,
		OpenFiles: p.MaxOpenFiles,
	}
	if out.CPUCores <= 0 || out.CPUCores > p.MaxCPUCores {
		out.CPUCores = p.MaxCPUCores
	}
	if out.MemoryMB <= 0 || out.MemoryMB > p.MaxMemoryMB {
		out.MemoryMB = p.MaxMemoryMB
	}
	if out.DiskMB <= 0 || out.DiskMB > p.MaxDiskMB {
		out.DiskMB = p.MaxDiskMB
	}
	return out
}

// UnionBlocklist merges two blocklists, deduplicated and sorted. Applying a
// looser policy later can only grow the effective blocklist, never shrink it.
func UnionBlocklist(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stricter reports whether a is at least as strict as b.
func Stricter(a, b Level) bool {
	return rank(a) >= rank(b)
}

func rank(l Level) int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelMaximum:
		return 3
	}
	return -1
}
