package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"
)

// Options selects and configures a backend.
type Options struct {
	Backend          string // auto, containerd, or docker
	ContainerdSocket string
	Namespace        string
	MaxConcurrent    int
}

// NewBackend picks the best available backend: containerd on Linux, Docker elsewhere.
func NewBackend(ctx context.Context, opts Options) (Backend, error) {
	preference := opts.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, opts)
	case "docker":
		return newDockerBackend(opts)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, opts)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(opts)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("%w: install Docker Desktop (macOS/Windows) or containerd (Linux)", ErrBackendUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, opts Options) (Backend, error) {
	client, err := NewClient(ctx, opts.ContainerdSocket, opts.Namespace)
	if err != nil {
		return nil, err
	}

	runner, err := NewRunner(client, opts.MaxConcurrent)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(opts Options) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(opts.MaxConcurrent), nil
}
