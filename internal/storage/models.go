package storage

import (
	"encoding/json"

	"webvm-manager/internal/enrich"
	"webvm-manager/internal/threat"
)

// schema is applied at startup. Executions reference instances loosely; an
// instance row may be gone by the time its history is queried, so no
// foreign keys.
const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	kind                TEXT NOT NULL,
	status              TEXT NOT NULL,
	security_level      TEXT NOT NULL,
	cpu_cores           INT NOT NULL,
	memory_mb           BIGINT NOT NULL,
	disk_mb             BIGINT NOT NULL,
	max_execution_secs  INT NOT NULL,
	network_enabled     BOOLEAN NOT NULL,
	persistent          BOOLEAN NOT NULL,
	env_vars            JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	last_activity       TIMESTAMPTZ NOT NULL,
	terminated_at       TIMESTAMPTZ,
	startup_ms          BIGINT NOT NULL DEFAULT 0,
	total_runtime_secs  BIGINT NOT NULL DEFAULT 0,
	execution_count     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances (owner_id);

CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	instance_id    TEXT NOT NULL,
	owner_id       TEXT NOT NULL,
	language       TEXT NOT NULL,
	code           TEXT NOT NULL,
	stdout         TEXT NOT NULL DEFAULT '',
	stderr         TEXT NOT NULL DEFAULT '',
	exit_code      INT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	memory_peak_mb BIGINT NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	threats        JSONB,
	feedback       JSONB,
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_instance ON executions (instance_id, started_at DESC);

CREATE TABLE IF NOT EXISTS usage_samples (
	instance_id       TEXT NOT NULL,
	cpu_percent       DOUBLE PRECISION NOT NULL,
	memory_mb         DOUBLE PRECISION NOT NULL,
	disk_mb           DOUBLE PRECISION NOT NULL,
	network_bytes_in  BIGINT NOT NULL DEFAULT 0,
	network_bytes_out BIGINT NOT NULL DEFAULT 0,
	sampled_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_instance ON usage_samples (instance_id, sampled_at DESC);
`

// marshalJSON returns nil for nil input so NULL lands in the column instead
// of the string "null".
func marshalThreats(r *threat.Report) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func marshalFeedback(f *enrich.Feedback) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func unmarshalThreats(b []byte) (*threat.Report, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var r threat.Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func unmarshalFeedback(b []byte) (*enrich.Feedback, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var f enrich.Feedback
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
