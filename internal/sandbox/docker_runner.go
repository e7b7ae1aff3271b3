package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"webvm-manager/internal/env"
	"webvm-manager/internal/policy"
	"webvm-manager/pkg/seccomp"
)

// DockerRunner is the Docker-based sandbox backend (macOS, or Linux without containerd).
type DockerRunner struct {
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(maxConcurrent int) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	d := &DockerRunner{
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically kills orphaned sandbox containers that survived server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	// Run once on startup
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=webvm-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("killing orphaned sandbox container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

// Bootstrap pulls the image for a kind so later runs start fast.
func (d *DockerRunner) Bootstrap(ctx context.Context, kind env.Kind) error {
	cfg, err := env.Lookup(kind)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedEnv, kind)
	}

	cmd := exec.CommandContext(ctx, "docker", "pull", cfg.Image) // #nosec G204 -- image ref from static table
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pulling image %s: %w: %s", cfg.Image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("instance_id", req.InstanceID).
		Str("kind", string(req.Kind)).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("docker execution requested")

	if err := d.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := env.Lookup(req.Kind)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "lookup_env", Err: err}
	}

	hostDir, err := os.MkdirTemp("", "webvm-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, "code"+cfg.FileExtension)
	if err := os.WriteFile(codeFile, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(codeFile, 0444); err != nil { // world-readable: container runs as nobody
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	containerCodePath := "/workspace/code" + cfg.FileExtension

	// Write the compiled seccomp profile to a temp file for --security-opt.
	profileJSON, err := seccomp.DockerJSON(seccomp.Compile(req.RestrictedSyscalls, req.NetworkEnabled))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}

	args := d.buildDockerArgs(execID, cfg, codeFile, containerCodePath, seccompPath, req)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input

	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	logger.Info().Strs("args", args[:5]).Msg("starting docker container")

	err = cmd.Run()
	duration := time.Since(start)

	var exitCode int

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return &Result{
				ID:       execID,
				Stdout:   truncateOutput(stdoutBuf.String(), MaxStdoutBytes),
				Stderr:   truncateOutput(stderrBuf.String(), MaxStderrBytes),
				ExitCode: ExitTimeout,
				Duration: duration,
				TimedOut: true,
				CodeHash: codeHash,
			}, ErrTimeout
		}

		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run", Err: err}
		}
		exitCode = exitErr.ExitCode()

		if exitCode == ExitKilled {
			logger.Warn().Msg("container killed at memory limit")
			return &Result{
				ID:             execID,
				Stdout:         truncateOutput(stdoutBuf.String(), MaxStdoutBytes),
				Stderr:         "Process killed: out of memory",
				ExitCode:       ExitKilled,
				Duration:       duration,
				MemoryExceeded: true,
				CodeHash:       codeHash,
			}, ErrOOM
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("docker execution completed")

	return &Result{
		ID:       execID,
		Stdout:   truncateOutput(stdoutBuf.String(), MaxStdoutBytes),
		Stderr:   truncateOutput(stderrBuf.String(), MaxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
		CodeHash: codeHash,
	}, nil
}

func (d *DockerRunner) buildDockerArgs(
	execID string,
	cfg env.Config,
	hostCodeFile, containerCodePath string,
	seccompPath string,
	req Request,
) []string {
	limits := req.Limits
	if limits == (policy.Limits{}) {
		limits = DefaultLimits()
	}

	network := "none"
	if req.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", "webvm-" + execID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.Processes),
		"--cpus", fmt.Sprintf("%d", limits.CPUCores),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", limits.OpenFiles, limits.OpenFiles),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--user", "65534:65534",
		"--read-only",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	if req.Stdin != "" {
		args = append(args, "-i")
	}

	for _, kv := range mergeEnv(req.EnvVars)[len(baseEnv()):] {
		args = append(args, "-e", kv)
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Command(containerCodePath)...)

	return args
}

func (d *DockerRunner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > 1<<20 {
		return fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidRequest)
	}
	if _, err := env.Lookup(req.Kind); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedEnv, req.Kind)
	}
	if req.Timeout > 60*time.Second {
		return fmt.Errorf("%w: timeout exceeds 60s maximum", ErrInvalidRequest)
	}
	return validateEnvVars(req.EnvVars)
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
