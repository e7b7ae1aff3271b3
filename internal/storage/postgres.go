// Package storage persists instances, executions, and usage samples in
// PostgreSQL. The DB type implements vm.Repository; MemRepository is the
// drop-in used when no database is configured.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"webvm-manager/internal/vm"
)

// Outputs are capped going into the database; the full text already went to
// the caller.
const maxStoredOutput = 65535

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and applies the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// SaveInstance inserts a new instance row.
func (db *DB) SaveInstance(ctx context.Context, inst *vm.Instance) error {
	query := `
		INSERT INTO instances (id, owner_id, name, description, kind, status,
			security_level, cpu_cores, memory_mb, disk_mb, max_execution_secs,
			network_enabled, persistent, env_vars, created_at, last_activity,
			terminated_at, startup_ms, total_runtime_secs, execution_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20)`

	_, err := db.pool.Exec(ctx, query,
		inst.ID, inst.OwnerID, inst.Name, inst.Description,
		string(inst.Kind), string(inst.Status), string(inst.SecurityLevel),
		inst.Limits.CPUCores, inst.Limits.MemoryMB, inst.Limits.DiskMB,
		inst.MaxExecutionSecs, inst.NetworkEnabled, inst.Persistent,
		inst.EnvVars, inst.CreatedAt, inst.LastActivity, inst.TerminatedAt,
		inst.StartupMS, inst.TotalRuntimeSecs, inst.ExecutionCount,
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	return nil
}

// UpdateInstance overwrites the mutable columns of an instance row.
func (db *DB) UpdateInstance(ctx context.Context, inst *vm.Instance) error {
	query := `
		UPDATE instances SET
			name = $2, description = $3, status = $4, security_level = $5,
			cpu_cores = $6, memory_mb = $7, disk_mb = $8,
			max_execution_secs = $9, network_enabled = $10,
			last_activity = $11, terminated_at = $12, startup_ms = $13,
			total_runtime_secs = $14, execution_count = $15
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query,
		inst.ID, inst.Name, inst.Description,
		string(inst.Status), string(inst.SecurityLevel),
		inst.Limits.CPUCores, inst.Limits.MemoryMB, inst.Limits.DiskMB,
		inst.MaxExecutionSecs, inst.NetworkEnabled,
		inst.LastActivity, inst.TerminatedAt, inst.StartupMS,
		inst.TotalRuntimeSecs, inst.ExecutionCount,
	)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s", vm.ErrNotFound, inst.ID)
	}
	return nil
}

// SaveExecution inserts an execution record.
func (db *DB) SaveExecution(ctx context.Context, exec *vm.Execution) error {
	threats, err := marshalThreats(exec.Threats)
	if err != nil {
		return fmt.Errorf("encoding threats: %w", err)
	}
	feedback, err := marshalFeedback(exec.Feedback)
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}

	query := `
		INSERT INTO executions (id, instance_id, owner_id, language, code,
			stdout, stderr, exit_code, status, duration_ms, memory_peak_mb,
			failure_reason, threats, feedback, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = db.pool.Exec(ctx, query,
		exec.ID, exec.InstanceID, exec.OwnerID, exec.Language, exec.Code,
		truncateForDB(exec.Stdout, maxStoredOutput),
		truncateForDB(exec.Stderr, maxStoredOutput),
		exec.ExitCode, string(exec.Status), exec.Duration.Milliseconds(),
		exec.MemoryPeakMB, exec.FailureReason, threats, feedback,
		exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*vm.Execution, error) {
	query := `
		SELECT id, instance_id, owner_id, language, code, stdout, stderr,
			exit_code, status, duration_ms, memory_peak_mb, failure_reason,
			threats, feedback, started_at, completed_at
		FROM executions WHERE id = $1`

	exec, err := scanExecution(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", vm.ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions returns an instance's most recent executions.
func (db *DB) ListExecutions(ctx context.Context, instanceID string, limit int) ([]*vm.Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, instance_id, owner_id, language, code, stdout, stderr,
			exit_code, status, duration_ms, memory_peak_mb, failure_reason,
			threats, feedback, started_at, completed_at
		FROM executions
		WHERE instance_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []*vm.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}
	return results, rows.Err()
}

// SaveSamples batch-inserts usage samples.
func (db *DB) SaveSamples(ctx context.Context, samples []vm.UsageSample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO usage_samples (instance_id, cpu_percent, memory_mb,
			disk_mb, network_bytes_in, network_bytes_out, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, s := range samples {
		batch.Queue(query,
			s.InstanceID, s.CPUPercent, s.MemoryMB, s.DiskMB,
			s.NetworkBytesIn, s.NetworkBytesOut, s.Timestamp,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range samples {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting usage sample: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*vm.Execution, error) {
	var (
		exec         vm.Execution
		status       string
		durationMS   int64
		threatsJSON  []byte
		feedbackJSON []byte
	)
	err := row.Scan(
		&exec.ID, &exec.InstanceID, &exec.OwnerID, &exec.Language, &exec.Code,
		&exec.Stdout, &exec.Stderr, &exec.ExitCode, &status, &durationMS,
		&exec.MemoryPeakMB, &exec.FailureReason, &threatsJSON, &feedbackJSON,
		&exec.StartedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = vm.ExecStatus(status)
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	if exec.Threats, err = unmarshalThreats(threatsJSON); err != nil {
		return nil, err
	}
	if exec.Feedback, err = unmarshalFeedback(feedbackJSON); err != nil {
		return nil, err
	}
	return &exec, nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
