package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"webvm-manager/internal/env"
)

// Runner is the containerd-based sandbox backend.
type Runner struct {
	client *Client
	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active execution count
	mu     sync.Mutex    // Protects shutdown state
	closed bool
}

// NewRunner creates a new containerd runner.
func NewRunner(client *Client, maxConcurrent int) (*Runner, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}

	return &Runner{
		client: client,
		sem:    make(chan struct{}, maxConcurrent),
	}, nil
}

// Bootstrap makes a kind runnable by pulling its image ahead of time. A
// failed pull means the environment cannot start.
func (r *Runner) Bootstrap(ctx context.Context, kind env.Kind) error {
	cfg, err := env.Lookup(kind)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedEnv, kind)
	}
	if _, err := r.client.EnsureImage(ctx, cfg.Image); err != nil {
		return err
	}
	return nil
}

// Execute runs code in an isolated sandbox container.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("instance_id", req.InstanceID).
		Str("kind", string(req.Kind)).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	if err := r.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	cfg, err := env.Lookup(req.Kind)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "lookup_env", Err: err}
	}

	hostCodeDir, err := os.MkdirTemp("", "webvm-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostCodeDir)

	codeFileName := "code" + cfg.FileExtension
	hostCodePath := filepath.Join(hostCodeDir, codeFileName)
	if err := os.WriteFile(hostCodePath, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostCodePath, 0444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	image, err := r.client.EnsureImage(execCtx, cfg.Image)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "pull_image", Err: err}
	}

	secProfile := ProfileFor(req.RestrictedSyscalls, req.NetworkEnabled)

	containerID := fmt.Sprintf("webvm-%s", execID)
	codePath := fmt.Sprintf("/workspace/%s", codeFileName)

	container, err := r.createContainer(execCtx, containerID, image, cfg, codePath, hostCodeDir, req, secProfile)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_container", Err: err}
	}
	// Always cleanup, even on panic
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdin io.Reader
	if req.Stdin != "" {
		stdin = strings.NewReader(req.Stdin)
	}

	task, err := container.NewTask(execCtx,
		cio.NewCreator(cio.WithStreams(stdin, &stdoutBuf, &stderrBuf)),
	)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(execCtx)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: err}
	}

	if err := task.Start(execCtx); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: err}
	}

	logger.Info().Msg("task started")

	var exitCode int

	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())

	case <-execCtx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		if err := task.Kill(context.Background(), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh

		return &Result{
			ID:       execID,
			Stdout:   truncateOutput(stdoutBuf.String(), MaxStdoutBytes),
			Stderr:   truncateOutput(stderrBuf.String(), MaxStderrBytes),
			ExitCode: ExitTimeout,
			Duration: time.Since(start),
			TimedOut: true,
			CodeHash: codeHash,
		}, ErrTimeout
	}

	duration := time.Since(start)

	if exitCode == ExitKilled {
		logger.Warn().Msg("task killed at memory limit")
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

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("execution completed")

	return &Result{
		ID:       execID,
		Stdout:   truncateOutput(stdoutBuf.String(), MaxStdoutBytes),
		Stderr:   truncateOutput(stderrBuf.String(), MaxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
		CodeHash: codeHash,
	}, nil
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close shuts down the runner, waiting for active executions.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	cfg env.Config,
	codePath string,
	hostCodeDir string,
	req Request,
	secProfile SecurityProfile,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(cfg.Command(codePath)...),
			oci.WithHostname("webvm"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, secProfile)
				ApplyLimits(s, req.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = mergeEnv(req.EnvVars)

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (r *Runner) validateRequest(req Request) error {
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
