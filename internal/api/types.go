package api

import "webvm-manager/internal/policy"

// CreateInstanceRequest provisions a new instance.
type CreateInstanceRequest struct {
	OwnerID       string            `json:"owner_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Kind          string            `json:"kind"` // python, javascript, cpp, java, rust, go, linux_full
	SecurityLevel string            `json:"security_level,omitempty"`
	Limits        ResourceLimits    `json:"limits,omitempty"`
	Network       bool              `json:"network,omitempty"`
	Persistent    bool              `json:"persistent,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
}

// ResourceLimits is the requested resource envelope. Requests above the
// security level's ceiling are clamped, never rejected.
type ResourceLimits struct {
	CPUCores  int   `json:"cpu_cores,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	DiskMB    int64 `json:"disk_mb,omitempty"`
	Processes int64 `json:"processes,omitempty"`
}

func (l ResourceLimits) toPolicy() policy.Limits {
	return policy.Limits{
		CPUCores:  l.CPUCores,
		MemoryMB:  l.MemoryMB,
		DiskMB:    l.DiskMB,
		Processes: l.Processes,
	}
}

// UpdateInstanceRequest is a partial update; absent fields are untouched.
type UpdateInstanceRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Status        *string `json:"status,omitempty"`
	SecurityLevel *string `json:"security_level,omitempty"`
}

// ExecuteRequest submits code to a running instance.
type ExecuteRequest struct {
	Code        string `json:"code"`
	Stdin       string `json:"stdin,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  bool   `json:"database"`
	Instances int    `json:"instances"`
	Uptime    string `json:"uptime"`
}
