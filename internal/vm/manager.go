package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"webvm-manager/internal/enrich"
	"webvm-manager/internal/env"
	"webvm-manager/internal/policy"
	"webvm-manager/internal/sandbox"
	"webvm-manager/internal/threat"
)

// Runner abstracts the execution sandbox so the manager can be tested
// without a container engine.
type Runner interface {
	Bootstrap(ctx context.Context, kind env.Kind) error
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Config tunes the manager's quotas and gates.
type Config struct {
	MaxInstancesPerOwner int
	MaxInstancesTotal    int
	DefaultSecurityLevel policy.Level
	// BlockThreshold is the risk score at or above which a submission is
	// rejected before it reaches the sandbox. Critical findings are always
	// rejected regardless of score.
	BlockThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxInstancesPerOwner <= 0 {
		c.MaxInstancesPerOwner = 3
	}
	if c.MaxInstancesTotal <= 0 {
		c.MaxInstancesTotal = 100
	}
	if c.DefaultSecurityLevel == "" {
		c.DefaultSecurityLevel = policy.LevelMedium
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = 0.6
	}
	return c
}

// Manager coordinates the instance lifecycle: creation with quota and policy
// enforcement, execution submission with threat gating, and termination.
type Manager struct {
	cfg      Config
	registry *Registry
	analyzer *threat.Analyzer
	runner   Runner
	repo     Repository
	enricher enrich.Enricher
	notifier *Notifier
}

// NewManager wires the manager's collaborators. repo and enricher may be nil
// when persistence or feedback is not wanted.
func NewManager(cfg Config, runner Runner, analyzer *threat.Analyzer, repo Repository, enricher enrich.Enricher, notifier *Notifier) *Manager {
	if notifier == nil {
		notifier = NewNotifier(0)
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: NewRegistry(),
		analyzer: analyzer,
		runner:   runner,
		repo:     repo,
		enricher: enricher,
		notifier: notifier,
	}
}

// errNoRunner surfaces when the server started without a container engine.
var errNoRunner = fmt.Errorf("no sandbox backend available")

// bootstrap guards against a missing runner so a server started without a
// container engine fails instance creation cleanly instead of panicking.
func (m *Manager) bootstrap(ctx context.Context, kind env.Kind) error {
	if m.runner == nil {
		return errNoRunner
	}
	return m.runner.Bootstrap(ctx, kind)
}

// Registry exposes the live instance table for the monitor and reaper.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Notifier exposes the event stream.
func (m *Manager) Notifier() *Notifier {
	return m.notifier
}

// CreateRequest carries the user's instance parameters.
type CreateRequest struct {
	OwnerID       string
	Name          string
	Description   string
	Kind          string
	SecurityLevel string
	Limits        policy.Limits
	Network       bool
	Persistent    bool
	EnvVars       map[string]string
}

// CreateInstance provisions a new instance. The instance reaches RUNNING
// only after its environment bootstraps; a bootstrap failure leaves it in
// ERROR and returns ErrBootstrapFailed.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidConfig)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if len(req.Name) > 128 {
		return nil, fmt.Errorf("%w: name exceeds 128 characters", ErrInvalidConfig)
	}

	kind, err := env.ParseKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	envCfg, err := env.Lookup(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	level := m.cfg.DefaultSecurityLevel
	if req.SecurityLevel != "" {
		level, err = policy.ParseLevel(req.SecurityLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if m.registry.CountByOwner(req.OwnerID) >= m.cfg.MaxInstancesPerOwner {
		return nil, fmt.Errorf("%w: owner %s already has %d instances", ErrQuotaExceeded, req.OwnerID, m.cfg.MaxInstancesPerOwner)
	}
	if m.registry.Count() >= m.cfg.MaxInstancesTotal {
		return nil, fmt.Errorf("%w: platform limit of %d instances reached", ErrQuotaExceeded, m.cfg.MaxInstancesTotal)
	}

	pol, err := policy.ByLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:                 NewInstanceID(),
		OwnerID:            req.OwnerID,
		Name:               req.Name,
		Description:        req.Description,
		Kind:               kind,
		Status:             StatusInitializing,
		SecurityLevel:      level,
		Limits:             pol.Clamp(req.Limits),
		MaxExecutionSecs:   pol.MaxExecutionSecs,
		NetworkEnabled:     (req.Network || envCfg.Networking) && pol.NetworkAccess,
		Persistent:         req.Persistent,
		EnvVars:            req.EnvVars,
		BlockedCommands:    pol.BlockedCommands,
		RestrictedSyscalls: pol.RestrictedSyscalls,
		CreatedAt:          now,
		LastActivity:       now,
	}

	if err := m.registry.Add(inst); err != nil {
		return nil, &OpError{InstanceID: inst.ID, Op: "create", Err: err}
	}
	m.persistInstance(ctx, inst, true)

	logger := log.With().
		Str("instance_id", inst.ID).
		Str("owner_id", inst.OwnerID).
		Str("kind", string(kind)).
		Str("security_level", string(level)).
		Logger()
	logger.Info().Msg("instance created, bootstrapping")

	bootStart := time.Now()
	if err := m.bootstrap(ctx, kind); err != nil {
		failed, _ := m.registry.Update(inst.ID, func(in *Instance) error {
			in.Status = StatusError
			in.LastActivity = time.Now().UTC()
			return nil
		})
		m.persistInstance(ctx, failed, false)
		m.notifier.Publish(Event{
			Kind:       EventLifecycle,
			InstanceID: inst.ID,
			Type:       "bootstrap_failed",
			Detail:     err.Error(),
		})
		logger.Error().Err(err).Msg("environment bootstrap failed")
		return nil, &OpError{InstanceID: inst.ID, Op: "bootstrap", Err: fmt.Errorf("%w: %v", ErrBootstrapFailed, err)}
	}

	ready, err := m.registry.Update(inst.ID, func(in *Instance) error {
		if !in.Status.CanTransition(StatusRunning) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, StatusRunning)
		}
		in.Status = StatusRunning
		in.StartupMS = time.Since(bootStart).Milliseconds()
		in.LastActivity = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, &OpError{InstanceID: inst.ID, Op: "start", Err: err}
	}
	m.persistInstance(ctx, ready, false)
	m.notifier.Publish(Event{
		Kind:       EventLifecycle,
		InstanceID: inst.ID,
		Type:       "running",
	})
	logger.Info().Int64("startup_ms", ready.StartupMS).Msg("instance running")

	return ready, nil
}

// GetInstance returns a copy of an instance.
func (m *Manager) GetInstance(id string) (*Instance, error) {
	return m.registry.Get(id)
}

// ListInstances returns the owner's instances, or all instances when ownerID
// is empty.
func (m *Manager) ListInstances(ownerID string) []*Instance {
	return m.registry.List(ownerID)
}

// UpdateRequest carries a partial instance update. Nil fields are untouched.
type UpdateRequest struct {
	Name          *string
	Description   *string
	Status        *string
	SecurityLevel *string
}

// UpdateInstance applies a partial update. Status changes must follow the
// lifecycle graph and security level changes may only tighten.
func (m *Manager) UpdateInstance(ctx context.Context, id string, req UpdateRequest) (*Instance, error) {
	var nextStatus Status
	if req.Status != nil {
		parsed, ok := ParseStatus(*req.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, *req.Status)
		}
		if parsed == StatusTerminated {
			return nil, fmt.Errorf("%w: terminate the instance instead of patching its status", ErrInvalidTransition)
		}
		nextStatus = parsed
	}

	var leftRunning bool
	inst, err := m.registry.Update(id, func(in *Instance) error {
		if in.Status.Terminal() {
			return fmt.Errorf("%w: instance is terminated", ErrInvalidTransition)
		}

		if req.Status != nil && nextStatus != in.Status {
			if !in.Status.CanTransition(nextStatus) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, nextStatus)
			}
			leftRunning = in.Status == StatusRunning && nextStatus != StatusRunning
			in.Status = nextStatus
		}

		if req.SecurityLevel != nil {
			level, err := policy.ParseLevel(*req.SecurityLevel)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			if level != in.SecurityLevel {
				if !policy.Stricter(level, in.SecurityLevel) {
					return fmt.Errorf("%w: security level can only be tightened (%s -> %s)", ErrPolicyViolation, in.SecurityLevel, level)
				}
				pol, err := policy.ByLevel(level)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
				}
				in.SecurityLevel = level
				in.Limits = pol.Clamp(in.Limits)
				in.BlockedCommands = policy.UnionBlocklist(in.BlockedCommands, pol.BlockedCommands)
				in.RestrictedSyscalls = policy.UnionBlocklist(in.RestrictedSyscalls, pol.RestrictedSyscalls)
				if pol.MaxExecutionSecs < in.MaxExecutionSecs {
					in.MaxExecutionSecs = pol.MaxExecutionSecs
				}
				in.NetworkEnabled = in.NetworkEnabled && pol.NetworkAccess
			}
		}

		if req.Name != nil {
			if *req.Name == "" || len(*req.Name) > 128 {
				return fmt.Errorf("%w: invalid name", ErrInvalidConfig)
			}
			in.Name = *req.Name
		}
		if req.Description != nil {
			in.Description = *req.Description
		}

		in.LastActivity = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	// An in-flight run cannot outlive its RUNNING state.
	if leftRunning {
		m.registry.CancelExecution(id)
	}

	m.persistInstance(ctx, inst, false)
	if req.Status != nil {
		m.notifier.Publish(Event{
			Kind:       EventLifecycle,
			InstanceID: id,
			Type:       string(inst.Status),
		})
	}
	return inst, nil
}

// TerminateInstance ends an instance from any state. Terminating an already
// terminated instance is a no-op.
func (m *Manager) TerminateInstance(ctx context.Context, id string) error {
	current, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	// Abort any in-flight run before the status flips.
	m.registry.CancelExecution(id)

	inst, err := m.registry.Update(id, func(in *Instance) error {
		if in.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		in.Status = StatusTerminated
		in.TerminatedAt = &now
		in.TotalRuntimeSecs = int64(now.Sub(in.CreatedAt).Seconds())
		return nil
	})
	if err != nil {
		return err
	}

	m.persistInstance(ctx, inst, false)
	m.notifier.Publish(Event{
		Kind:       EventLifecycle,
		InstanceID: id,
		Type:       "terminated",
	})
	log.Info().
		Str("instance_id", id).
		Int64("total_runtime_secs", inst.TotalRuntimeSecs).
		Msg("instance terminated")
	return nil
}

// ExecRequest carries one code submission.
type ExecRequest struct {
	Code        string
	Stdin       string
	TimeoutSecs int
}

// SubmitExecution scans, gates, and runs a code submission on an instance.
// Submissions blocked by the threat gate never produce an Execution record;
// everything that reaches the sandbox produces exactly one, whatever the
// outcome.
func (m *Manager) SubmitExecution(ctx context.Context, instanceID string, req ExecRequest) (*Execution, error) {
	inst, err := m.registry.Get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusRunning {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRunning, inst.Status)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is empty", ErrInvalidConfig)
	}

	report := m.analyzer.AnalyzeCode(req.Code, string(inst.Kind))
	if len(report.Threats) > 0 {
		m.notifier.Publish(Event{
			Kind:       EventThreat,
			InstanceID: instanceID,
			Type:       report.Threats[0].Type,
			Severity:   report.MaxSeverity().String(),
			Detail:     fmt.Sprintf("%d findings, risk score %.2f", len(report.Threats), report.RiskScore),
		})
	}
	if report.MaxSeverity() >= threat.SeverityCritical || report.RiskScore >= m.cfg.BlockThreshold {
		log.Warn().
			Str("instance_id", instanceID).
			Float64("risk_score", report.RiskScore).
			Str("max_severity", report.MaxSeverity().String()).
			Msg("submission blocked by threat gate")
		return nil, fmt.Errorf("%w: risk score %.2f, max severity %s", ErrPolicyViolation, report.RiskScore, report.MaxSeverity())
	}

	if m.runner == nil {
		return nil, &OpError{InstanceID: instanceID, Op: "submit_execution", Err: errNoRunner}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.registry.BeginExecution(instanceID, cancel); err != nil {
		return nil, &OpError{InstanceID: instanceID, Op: "submit_execution", Err: err}
	}
	defer m.registry.EndExecution(instanceID)

	timeoutSecs := req.TimeoutSecs
	if timeoutSecs <= 0 || timeoutSecs > inst.MaxExecutionSecs {
		timeoutSecs = inst.MaxExecutionSecs
	}

	exec := &Execution{
		ID:         NewExecutionID(),
		InstanceID: instanceID,
		OwnerID:    inst.OwnerID,
		Language:   string(inst.Kind),
		Code:       req.Code,
		Stdin:      req.Stdin,
		Status:     ExecRunning,
		Threats:    &report,
		StartedAt:  time.Now().UTC(),
	}

	res, runErr := m.runner.Run(runCtx, sandbox.Request{
		InstanceID:         instanceID,
		Kind:               inst.Kind,
		Code:               req.Code,
		Stdin:              req.Stdin,
		Timeout:            time.Duration(timeoutSecs) * time.Second,
		Limits:             inst.Limits,
		NetworkEnabled:     inst.NetworkEnabled,
		RestrictedSyscalls: inst.RestrictedSyscalls,
		EnvVars:            inst.EnvVars,
	})

	now := time.Now().UTC()
	exec.CompletedAt = &now

	if runErr != nil {
		exec.Status = ExecFailed
		exec.FailureReason = runErr.Error()
		m.finishExecution(ctx, exec)
		return exec, &OpError{InstanceID: instanceID, Op: "submit_execution", Err: runErr}
	}

	exec.Stdout = res.Stdout
	exec.Stderr = res.Stderr
	exec.ExitCode = res.ExitCode
	exec.Duration = res.Duration
	exec.MemoryPeakMB = res.MemoryPeakMB

	switch {
	case res.TimedOut:
		exec.Status = ExecTimedOut
		exec.FailureReason = fmt.Sprintf("execution exceeded %ds limit", timeoutSecs)
	case res.MemoryExceeded:
		exec.Status = ExecFailed
		exec.FailureReason = ErrResourceExceeded.Error()
	case res.ExitCode == 0:
		exec.Status = ExecCompleted
	default:
		exec.Status = ExecFailed
		exec.FailureReason = fmt.Sprintf("exited with code %d", res.ExitCode)
	}

	// A post-run scan of the output catches probes the code scan missed,
	// such as a leaked passwd file or a reachable engine socket.
	if found := m.analyzer.AnalyzeOutput(exec.Stdout + "\n" + exec.Stderr); len(found) > 0 {
		exec.Threats.Threats = append(exec.Threats.Threats, found...)
		m.notifier.Publish(Event{
			Kind:       EventThreat,
			InstanceID: instanceID,
			Type:       found[0].Type,
			Severity:   exec.Threats.MaxSeverity().String(),
			Detail:     fmt.Sprintf("%d findings in execution output", len(found)),
		})
	}

	if m.enricher != nil {
		fb, err := m.enricher.Enrich(ctx, enrich.Submission{
			Code:     req.Code,
			Language: string(inst.Kind),
			Stdout:   exec.Stdout,
			Stderr:   exec.Stderr,
			ExitCode: exec.ExitCode,
			TimedOut: res.TimedOut,
		})
		if err != nil {
			log.Warn().Err(err).Str("execution_id", exec.ID).Msg("enrichment failed")
		} else {
			exec.Feedback = fb
		}
	}

	m.finishExecution(ctx, exec)
	return exec, nil
}

// finishExecution persists the record and updates instance bookkeeping.
func (m *Manager) finishExecution(ctx context.Context, exec *Execution) {
	_, err := m.registry.Update(exec.InstanceID, func(in *Instance) error {
		in.LastActivity = time.Now().UTC()
		in.ExecutionCount++
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("instance_id", exec.InstanceID).Msg("instance bookkeeping failed")
	}

	if m.repo == nil {
		return
	}
	if err := m.repo.SaveExecution(ctx, exec); err != nil {
		// The execution record is the product; losing one is a serious bug.
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to persist execution record")
	}
}

// GetExecution fetches one execution record.
func (m *Manager) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if m.repo == nil {
		return nil, fmt.Errorf("%w: no execution store configured", ErrNotFound)
	}
	return m.repo.GetExecution(ctx, id)
}

// ExecutionHistory lists an instance's executions, most recent first.
func (m *Manager) ExecutionHistory(ctx context.Context, instanceID string, limit int) ([]*Execution, error) {
	if _, err := m.registry.Get(instanceID); err != nil {
		return nil, err
	}
	if m.repo == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.repo.ListExecutions(ctx, instanceID, limit)
}

// ResourceHistory returns the instance's retained usage samples.
func (m *Manager) ResourceHistory(instanceID string) ([]UsageSample, error) {
	return m.registry.Samples(instanceID)
}

// HandleAnomaly reacts to a resource anomaly raised by the monitor: warnings
// are published, critical anomalies terminate the instance.
func (m *Manager) HandleAnomaly(ctx context.Context, ev Event) {
	m.notifier.Publish(ev)

	if ev.Severity != "critical" {
		log.Warn().
			Str("instance_id", ev.InstanceID).
			Str("type", ev.Type).
			Str("detail", ev.Detail).
			Msg("resource anomaly")
		return
	}

	log.Error().
		Str("instance_id", ev.InstanceID).
		Str("type", ev.Type).
		Str("detail", ev.Detail).
		Msg("critical resource anomaly, terminating instance")
	if err := m.TerminateInstance(ctx, ev.InstanceID); err != nil {
		log.Error().Err(err).Str("instance_id", ev.InstanceID).Msg("anomaly termination failed")
	}
}

func (m *Manager) persistInstance(ctx context.Context, inst *Instance, create bool) {
	if m.repo == nil || inst == nil {
		return
	}
	var err error
	if create {
		err = m.repo.SaveInstance(ctx, inst)
	} else {
		err = m.repo.UpdateInstance(ctx, inst)
	}
	if err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Msg("instance persistence failed")
	}
}
