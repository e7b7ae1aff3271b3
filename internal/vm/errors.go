package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. These are the error kinds the
// API boundary maps to status codes.
var (
	ErrInvalidConfig     = errors.New("invalid instance configuration")
	ErrQuotaExceeded     = errors.New("instance quota exceeded")
	ErrNotFound          = errors.New("instance not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrNotRunning        = errors.New("instance is not running")
	ErrExecutionInFlight = errors.New("an execution is already in flight")
	ErrPolicyViolation   = errors.New("code blocked by security policy")
	ErrResourceExceeded  = errors.New("resource limit exceeded")
	ErrBootstrapFailed   = errors.New("environment bootstrap failed")
)

// OpError wraps errors with the instance operation that failed.
type OpError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *OpError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("instance %s: %s: %s", e.InstanceID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error is an unknown-instance error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPolicyViolation returns true if code was blocked by the policy gate.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}
