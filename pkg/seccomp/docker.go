package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Docker's --security-opt seccomp= flag takes its own JSON schema, which is
// close to but not identical to the OCI spec type.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

var dockerActions = map[specs.LinuxSeccompAction]string{
	specs.ActAllow: "SCMP_ACT_ALLOW",
	specs.ActErrno: "SCMP_ACT_ERRNO",
	specs.ActTrap:  "SCMP_ACT_TRAP",
	specs.ActKill:  "SCMP_ACT_KILL",
	specs.ActLog:   "SCMP_ACT_LOG",
	specs.ActTrace: "SCMP_ACT_TRACE",
}

var dockerArchs = map[specs.Arch]string{
	specs.ArchX86_64:  "SCMP_ARCH_X86_64",
	specs.ArchAARCH64: "SCMP_ARCH_AARCH64",
	specs.ArchX86:     "SCMP_ARCH_X86",
	specs.ArchARM:     "SCMP_ARCH_ARM",
}

// DockerJSON converts an OCI seccomp profile into Docker's JSON format.
func DockerJSON(profile *specs.LinuxSeccomp) ([]byte, error) {
	defaultAction, ok := dockerActions[profile.DefaultAction]
	if !ok {
		return nil, fmt.Errorf("unsupported default action %q", profile.DefaultAction)
	}

	out := dockerProfile{
		DefaultAction: defaultAction,
		Architectures: make([]string, 0, len(profile.Architectures)),
	}
	for _, arch := range profile.Architectures {
		name, ok := dockerArchs[arch]
		if !ok {
			return nil, fmt.Errorf("unsupported architecture %q", arch)
		}
		out.Architectures = append(out.Architectures, name)
	}
	for _, rule := range profile.Syscalls {
		if len(rule.Names) == 0 {
			continue
		}
		action, ok := dockerActions[rule.Action]
		if !ok {
			return nil, fmt.Errorf("unsupported action %q", rule.Action)
		}
		out.Syscalls = append(out.Syscalls, dockerSyscall{
			Names:  rule.Names,
			Action: action,
		})
	}

	return json.Marshal(out)
}
