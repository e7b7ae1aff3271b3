package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"webvm-manager/internal/policy"
)

// DefaultLimits is the fallback envelope for requests that carry no limits.
// It matches the medium security tier.
func DefaultLimits() policy.Limits {
	return policy.Limits{
		CPUCores:  1,
		MemoryMB:  256,
		DiskMB:    512,
		Processes: 5,
		OpenFiles: 25,
	}
}

// ApplyLimits writes a policy-derived resource envelope into an OCI spec.
func ApplyLimits(spec *specs.Spec, limits policy.Limits) {
	if limits == (policy.Limits{}) {
		limits = DefaultLimits()
	}
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard CPU cap; shares are soft and best-effort.
	// period=100ms, quota = cores * period.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(limits.CPUCores) * int64(period)
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes, // no swap headroom beyond the limit
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.Processes,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	openFiles := limits.OpenFiles
	if openFiles == 0 {
		openFiles = 256
	}

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: openFiles, Soft: openFiles},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.Processes), Soft: safeUint64(limits.Processes)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
