package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Wildcard in a restricted-syscall list means whitelist-only mode: nothing
// beyond the minimal allowlist runs.
const Wildcard = "*"

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
		)
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns a deny-by-default profile with allowlisted syscalls
// for the supported language runtimes.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile adds socket/connect/bind to the default profile.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = networkSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// MinimalProfile is the whitelist-only profile used when the restricted
// syscall list contains the wildcard. Just enough to start an interpreter
// and write to stdout.
func MinimalProfile() *specs.LinuxSeccomp {
	b := NewBuilder().
		AllowSyscalls(
			"read", "write", "open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"brk", "mmap", "munmap", "mprotect",
			"execve",
			"exit", "exit_group",
			"futex",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"clock_gettime",
			"getpid", "getuid", "geteuid", "getgid", "getegid",
			"arch_prctl",
			"set_tid_address", "set_robust_list",
			"getrandom",
			"readlink", "getdents64", "getcwd",
			"fcntl", "ioctl", "dup",
			"pread64", "prlimit64", "sysinfo", "uname",
		)
	return b.Build()
}

// Compile builds the effective profile for one instance: the base profile,
// widened for network access when allowed, then narrowed by the security
// policy's restricted syscall list.
func Compile(restricted []string, networkEnabled bool) *specs.LinuxSeccomp {
	for _, name := range restricted {
		if name == Wildcard {
			return MinimalProfile()
		}
	}

	b := NewBuilder()
	b = baseSyscalls(b)
	if networkEnabled {
		b = networkSyscalls(b)
	}
	b = dangerousSyscalls(b)

	profile := b.Build()

	// Strip policy-restricted syscalls from the allow rules, then add an
	// explicit errno rule so the denial is visible in the profile.
	deny := make(map[string]bool, len(restricted))
	for _, name := range restricted {
		deny[name] = true
	}
	for i, rule := range profile.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		kept := rule.Names[:0:0]
		for _, name := range rule.Names {
			if !deny[name] {
				kept = append(kept, name)
			}
		}
		profile.Syscalls[i].Names = kept
	}
	if len(restricted) > 0 {
		profile.Syscalls = append(profile.Syscalls, specs.LinuxSyscall{
			Names:  restricted,
			Action: specs.ActErrno,
		})
	}

	return profile
}
