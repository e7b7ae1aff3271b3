// Package env maps environment kinds to their runtime configuration.
// Adding a language is an additive table entry, not a new code path.
package env

import "fmt"

// Kind identifies the language/runtime family of an instance.
type Kind string

const (
	Python     Kind = "python"
	JavaScript Kind = "javascript"
	Cpp        Kind = "cpp"
	Java       Kind = "java"
	Rust       Kind = "rust"
	Go         Kind = "go"
	LinuxFull  Kind = "linux_full"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Python, JavaScript, Cpp, Java, Rust, Go, LinuxFull:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unsupported environment kind %q", s)
}

// Config describes how to run code for one environment kind.
type Config struct {
	Kind          Kind
	Image         string
	FileExtension string
	// Command returns the argv to run a code file at the given path.
	Command func(codePath string) []string
	// StartupCheck is the command used to verify the environment booted.
	StartupCheck []string
	// Networking is true for kinds that need network access to be usable at
	// all; the security policy can still veto it.
	Networking bool
}

var configs = map[Kind]Config{
	Python: {
		Kind:          Python,
		Image:         "docker.io/library/python:3.11-slim",
		FileExtension: ".py",
		Command: func(p string) []string {
			return []string{"python3", "-u", "-B", p}
		},
		StartupCheck: []string{"python3", "--version"},
	},
	JavaScript: {
		Kind:          JavaScript,
		Image:         "docker.io/library/node:18-alpine",
		FileExtension: ".js",
		Command: func(p string) []string {
			return []string{"node", p}
		},
		StartupCheck: []string{"node", "--version"},
	},
	Cpp: {
		Kind:          Cpp,
		Image:         "docker.io/library/gcc:11",
		FileExtension: ".cpp",
		Command: func(p string) []string {
			return []string{"sh", "-c", fmt.Sprintf("g++ -O1 -o /tmp/a.out %s && /tmp/a.out", p)}
		},
		StartupCheck: []string{"g++", "--version"},
	},
	Java: {
		Kind:          Java,
		Image:         "docker.io/library/openjdk:17-alpine",
		FileExtension: ".java",
		Command: func(p string) []string {
			return []string{"java", p}
		},
		StartupCheck: []string{"java", "--version"},
	},
	Rust: {
		Kind:          Rust,
		Image:         "docker.io/library/rust:1.70",
		FileExtension: ".rs",
		Command: func(p string) []string {
			return []string{"sh", "-c", fmt.Sprintf("rustc -o /tmp/a.out %s && /tmp/a.out", p)}
		},
		StartupCheck: []string{"rustc", "--version"},
	},
	Go: {
		Kind:          Go,
		Image:         "docker.io/library/golang:1.22-alpine",
		FileExtension: ".go",
		Command: func(p string) []string {
			return []string{"go", "run", p}
		},
		StartupCheck: []string{"go", "version"},
	},
	LinuxFull: {
		Kind:          LinuxFull,
		Image:         "docker.io/library/ubuntu:22.04",
		FileExtension: ".sh",
		Command: func(p string) []string {
			return []string{"/bin/bash", p}
		},
		StartupCheck: []string{"uname", "-a"},
		Networking:   true,
	},
}

// Lookup returns the configuration for a kind.
func Lookup(kind Kind) (Config, error) {
	cfg, ok := configs[kind]
	if !ok {
		return Config{}, fmt.Errorf("unsupported environment kind %q", kind)
	}
	return cfg, nil
}

// Kinds returns all supported kinds.
func Kinds() []Kind {
	out := make([]Kind, 0, len(configs))
	for k := range configs {
		out = append(out, k)
	}
	return out
}

// Images returns all container images referenced by the table.
func Images() []string {
	out := make([]string, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.Image)
	}
	return out
}
