package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"webvm-manager/internal/monitor"
	"webvm-manager/internal/vm"
)

type Handlers struct {
	manager *vm.Manager
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

func NewHandlers(manager *vm.Manager, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		manager: manager,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

func (h *Handlers) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	inst, err := h.manager.CreateInstance(r.Context(), vm.CreateRequest{
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		Description:   req.Description,
		Kind:          req.Kind,
		SecurityLevel: req.SecurityLevel,
		Limits:        req.Limits.toPolicy(),
		Network:       req.Network,
		Persistent:    req.Persistent,
		EnvVars:       req.EnvVars,
	})
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.InstancesCreated.WithLabelValues(string(inst.Kind), string(inst.SecurityLevel)).Inc()
	}
	h.refreshInstanceGauge()

	writeJSON(w, http.StatusCreated, inst)
}

func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ListInstances(r.URL.Query().Get("owner_id")))
}

func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.manager.GetInstance(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handlers) HandleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req UpdateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	inst, err := h.manager.UpdateInstance(r.Context(), r.PathValue("id"), vm.UpdateRequest{
		Name:          req.Name,
		Description:   req.Description,
		Status:        req.Status,
		SecurityLevel: req.SecurityLevel,
	})
	if err != nil {
		writeManagerError(w, r, err)
		return
	}

	h.refreshInstanceGauge()
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handlers) HandleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.TerminateInstance(r.Context(), id); err != nil {
		writeManagerError(w, r, err)
		return
	}

	h.refreshInstanceGauge()
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "terminated"})
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrInstanceID.String(r.PathValue("id")))
	defer span.End()

	start := time.Now()
	exec, err := h.manager.SubmitExecution(ctx, r.PathValue("id"), vm.ExecRequest{
		Code:        req.Code,
		Stdin:       req.Stdin,
		TimeoutSecs: req.TimeoutSecs,
	})
	if err != nil {
		if h.metrics != nil && errors.Is(err, vm.ErrPolicyViolation) {
			h.metrics.BlockedSubmissions.Inc()
		}
		// A failed run still produced a record worth returning.
		if exec == nil {
			writeManagerError(w, r, err)
			return
		}
	}

	if h.metrics != nil {
		h.metrics.RecordExecution(exec.Language, string(exec.Status), time.Since(start).Seconds())
		h.metrics.OutputSizeBytes.Observe(float64(len(exec.Stdout) + len(exec.Stderr)))
		if exec.Threats != nil {
			for _, t := range exec.Threats.Threats {
				h.metrics.RecordThreat(t.Type, t.SeverityStr)
			}
		}
	}

	span.SetAttributes(
		monitor.AttrExecID.String(exec.ID),
		monitor.AttrExitCode.Int(exec.ExitCode),
		monitor.AttrDurationMS.Int64(exec.Duration.Milliseconds()),
	)

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.manager.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = n
	}

	execs, err := h.manager.ExecutionHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleResourceHistory(w http.ResponseWriter, r *http.Request) {
	samples, err := h.manager.ResourceHistory(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// refreshInstanceGauge recomputes the per-status instance gauge after a
// lifecycle change.
func (h *Handlers) refreshInstanceGauge() {
	if h.metrics == nil {
		return
	}
	counts := map[vm.Status]int{
		vm.StatusInitializing: 0,
		vm.StatusRunning:      0,
		vm.StatusPaused:       0,
		vm.StatusStopped:      0,
		vm.StatusError:        0,
		vm.StatusTerminated:   0,
	}
	for _, inst := range h.manager.ListInstances("") {
		counts[inst.Status]++
	}
	for status, n := range counts {
		h.metrics.InstancesActive.WithLabelValues(string(status)).Set(float64(n))
	}
}

// writeManagerError translates manager errors into HTTP status codes.
func writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vm.ErrInvalidConfig):
		writeError(w, err.Error(), "INVALID_CONFIG", http.StatusBadRequest, r)
	case errors.Is(err, vm.ErrQuotaExceeded):
		writeError(w, err.Error(), "QUOTA_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, vm.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, vm.ErrInvalidTransition):
		writeError(w, err.Error(), "INVALID_TRANSITION", http.StatusConflict, r)
	case errors.Is(err, vm.ErrNotRunning):
		writeError(w, err.Error(), "NOT_RUNNING", http.StatusConflict, r)
	case errors.Is(err, vm.ErrExecutionInFlight):
		writeError(w, err.Error(), "EXECUTION_IN_FLIGHT", http.StatusConflict, r)
	case errors.Is(err, vm.ErrPolicyViolation):
		writeError(w, err.Error(), "POLICY_VIOLATION", http.StatusUnprocessableEntity, r)
	case errors.Is(err, vm.ErrResourceExceeded):
		writeError(w, err.Error(), "RESOURCE_EXCEEDED", http.StatusUnprocessableEntity, r)
	case errors.Is(err, vm.ErrBootstrapFailed):
		writeError(w, err.Error(), "BOOTSTRAP_FAILED", http.StatusBadGateway, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
