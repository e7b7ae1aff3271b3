package sandbox

import (
	"fmt"
	"sort"
)

// envBlocklist contains env var keys that must never be passed into a container.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

// baseEnv is the fixed environment every sandboxed process starts with.
func baseEnv() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
}

func validateEnvVars(vars map[string]string) error {
	for key := range vars {
		if key == "" {
			return fmt.Errorf("%w: env var key is empty", ErrInvalidRequest)
		}
		for _, c := range key {
			if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				return fmt.Errorf("%w: env var key %q contains invalid characters", ErrInvalidRequest, key)
			}
		}
		if envBlocklist[upper(key)] {
			return fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidRequest, key)
		}
	}
	return nil
}

// mergeEnv appends user vars to the base environment in sorted key order so
// container creation is deterministic.
func mergeEnv(vars map[string]string) []string {
	out := baseEnv()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
