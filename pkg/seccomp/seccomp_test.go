package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_MemfdCreateAllowed(t *testing.T) {
	if !allowed(DefaultProfile(), "memfd_create") {
		t.Error("memfd_create should be allowed in default profile")
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkAllowProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if !allowed(p, name) {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	if allowed(DefaultProfile(), "socket") {
		t.Error("default (no-network) profile should not allow 'socket'")
	}
}

func TestCompile_RestrictedRemovedFromAllows(t *testing.T) {
	p := Compile([]string{"chmod", "unlink"}, false)

	for _, name := range []string{"chmod", "unlink"} {
		if allowed(p, name) {
			t.Errorf("restricted syscall %q still allowed", name)
		}
	}
	// The denial must also be explicit.
	denied := false
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActErrno {
			continue
		}
		for _, n := range rule.Names {
			if n == "chmod" {
				denied = true
			}
		}
	}
	if !denied {
		t.Error("no explicit errno rule for restricted syscall")
	}
}

func TestCompile_NetworkWidening(t *testing.T) {
	if !allowed(Compile(nil, true), "connect") {
		t.Error("network-enabled compile should allow 'connect'")
	}
	if allowed(Compile(nil, false), "connect") {
		t.Error("network-disabled compile should not allow 'connect'")
	}

	// Policy restriction wins over network widening.
	if allowed(Compile([]string{"connect"}, true), "connect") {
		t.Error("restricted 'connect' still allowed with network enabled")
	}
}

func TestCompile_WildcardYieldsMinimal(t *testing.T) {
	p := Compile([]string{Wildcard}, true)

	if allowed(p, "socket") {
		t.Error("wildcard profile should not allow 'socket'")
	}
	if allowed(p, "clone") {
		t.Error("wildcard profile should not allow 'clone'")
	}
	if !allowed(p, "write") {
		t.Error("wildcard profile must still allow 'write'")
	}
}

func TestDockerJSON_ValidJSON(t *testing.T) {
	data, err := DockerJSON(DefaultProfile())
	if err != nil {
		t.Fatalf("DockerJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
