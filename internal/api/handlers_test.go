package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"webvm-manager/internal/enrich"
	"webvm-manager/internal/env"
	"webvm-manager/internal/monitor"
	"webvm-manager/internal/sandbox"
	"webvm-manager/internal/storage"
	"webvm-manager/internal/threat"
	"webvm-manager/internal/vm"
)

// stubRunner implements vm.Runner for handler tests.
type stubRunner struct {
	result *sandbox.Result
	err    error
}

func (s *stubRunner) Bootstrap(_ context.Context, _ env.Kind) error {
	return nil
}

func (s *stubRunner) Run(_ context.Context, _ sandbox.Request) (*sandbox.Result, error) {
	return s.result, s.err
}

func newTestHandlers(t *testing.T, runner vm.Runner) *Handlers {
	t.Helper()
	if runner == nil {
		runner = &stubRunner{result: &sandbox.Result{
			ID:       "exec_test",
			Stdout:   "hello world\n",
			ExitCode: 0,
			Duration: 150 * time.Millisecond,
		}}
	}
	manager := vm.NewManager(
		vm.Config{MaxInstancesPerOwner: 2},
		runner,
		threat.NewAnalyzer(threat.DefaultWeights()),
		storage.NewMemRepository(),
		enrich.NewHeuristic(),
		vm.NewNotifier(64),
	)
	return NewHandlers(manager, monitor.NewMetrics())
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body any, pathID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if pathID != "" {
		req.SetPathValue("id", pathID)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func createInstance(t *testing.T, h *Handlers, owner, name string) *vm.Instance {
	t.Helper()
	rec := doJSON(t, h.HandleCreateInstance, http.MethodPost, "/instances", CreateInstanceRequest{
		OwnerID: owner,
		Name:    name,
		Kind:    "python",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var inst vm.Instance
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil {
		t.Fatal(err)
	}
	return &inst
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleCreateInstance(t *testing.T) {
	h := newTestHandlers(t, nil)

	inst := createInstance(t, h, "alice", "scratchpad")
	if inst.Status != vm.StatusRunning {
		t.Errorf("Status = %s, want running", inst.Status)
	}
	if inst.SecurityLevel != "medium" {
		t.Errorf("SecurityLevel = %s, want medium", inst.SecurityLevel)
	}
}

func TestHandleCreateInstance_Invalid(t *testing.T) {
	h := newTestHandlers(t, nil)

	rec := doJSON(t, h.HandleCreateInstance, http.MethodPost, "/instances", CreateInstanceRequest{
		OwnerID: "alice",
		Name:    "bad",
		Kind:    "cobol",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "INVALID_CONFIG" {
		t.Errorf("got code %q, want INVALID_CONFIG", resp.Code)
	}
}

func TestHandleCreateInstance_Quota(t *testing.T) {
	h := newTestHandlers(t, nil)

	createInstance(t, h, "alice", "one")
	createInstance(t, h, "alice", "two")

	rec := doJSON(t, h.HandleCreateInstance, http.MethodPost, "/instances", CreateInstanceRequest{
		OwnerID: "alice",
		Name:    "three",
		Kind:    "python",
	}, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("got status %d, want 429", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "QUOTA_EXCEEDED" {
		t.Errorf("got code %q, want QUOTA_EXCEEDED", resp.Code)
	}
}

func TestHandleExecute_Success(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	rec := doJSON(t, h.HandleExecute, http.MethodPost, "/instances/"+inst.ID+"/execute", ExecuteRequest{
		Code: "print('hello world')",
	}, inst.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}
	var exec vm.Execution
	if err := json.NewDecoder(rec.Body).Decode(&exec); err != nil {
		t.Fatal(err)
	}
	if exec.Stdout != "hello world\n" {
		t.Errorf("Stdout = %q", exec.Stdout)
	}
	if exec.Status != vm.ExecCompleted {
		t.Errorf("Status = %s, want completed", exec.Status)
	}
}

func TestHandleExecute_BlockedByThreatGate(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	rec := doJSON(t, h.HandleExecute, http.MethodPost, "/instances/"+inst.ID+"/execute", ExecuteRequest{
		Code: `import os; os.system("rm -rf /")`,
	}, inst.ID)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got status %d, want 422", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "POLICY_VIOLATION" {
		t.Errorf("got code %q, want POLICY_VIOLATION", resp.Code)
	}
}

func TestHandleExecute_UnknownInstance(t *testing.T) {
	h := newTestHandlers(t, nil)

	rec := doJSON(t, h.HandleExecute, http.MethodPost, "/instances/webvm_missing/execute", ExecuteRequest{
		Code: "print(1)",
	}, "webvm_missing")

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleExecute_EmptyCode(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	rec := doJSON(t, h.HandleExecute, http.MethodPost, "/instances/"+inst.ID+"/execute", ExecuteRequest{}, inst.ID)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleUpdateInstance_InvalidTransition(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	stopped := "stopped"
	rec := doJSON(t, h.HandleUpdateInstance, http.MethodPatch, "/instances/"+inst.ID, UpdateInstanceRequest{
		Status: &stopped,
	}, inst.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop returned %d: %s", rec.Code, rec.Body.String())
	}

	running := "running"
	rec = doJSON(t, h.HandleUpdateInstance, http.MethodPatch, "/instances/"+inst.ID, UpdateInstanceRequest{
		Status: &running,
	}, inst.ID)
	if rec.Code != http.StatusConflict {
		t.Errorf("got status %d, want 409", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "INVALID_TRANSITION" {
		t.Errorf("got code %q, want INVALID_TRANSITION", resp.Code)
	}
}

func TestHandleUpdateInstance_LoosenSecurityRejected(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	low := "low"
	rec := doJSON(t, h.HandleUpdateInstance, http.MethodPatch, "/instances/"+inst.ID, UpdateInstanceRequest{
		SecurityLevel: &low,
	}, inst.ID)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("got status %d, want 422", rec.Code)
	}
}

func TestHandleTerminateInstance(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	rec := doJSON(t, h.HandleTerminateInstance, http.MethodDelete, "/instances/"+inst.ID, nil, inst.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}

	rec = doJSON(t, h.HandleGetInstance, http.MethodGet, "/instances/"+inst.ID, nil, inst.ID)
	var got vm.Instance
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != vm.StatusTerminated {
		t.Errorf("Status = %s, want terminated", got.Status)
	}
}

func TestHandleListExecutions(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h.HandleExecute, http.MethodPost, "/instances/"+inst.ID+"/execute", ExecuteRequest{
			Code: "print(1)",
		}, inst.ID)
		if rec.Code != http.StatusOK {
			t.Fatalf("execute returned %d", rec.Code)
		}
	}

	rec := doJSON(t, h.HandleListExecutions, http.MethodGet, "/instances/"+inst.ID+"/executions", nil, inst.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var execs []*vm.Execution
	if err := json.NewDecoder(rec.Body).Decode(&execs); err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Errorf("got %d executions, want 2", len(execs))
	}
}

func TestHandleListExecutions_BadLimit(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	req := httptest.NewRequest(http.MethodGet, "/instances/"+inst.ID+"/executions?limit=zero", nil)
	req.SetPathValue("id", inst.ID)
	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleResourceHistory(t *testing.T) {
	h := newTestHandlers(t, nil)
	inst := createInstance(t, h, "alice", "runner")

	rec := doJSON(t, h.HandleResourceHistory, http.MethodGet, "/instances/"+inst.ID+"/resources", nil, inst.ID)
	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}

	rec = doJSON(t, h.HandleResourceHistory, http.MethodGet, "/instances/webvm_missing/resources", nil, "webvm_missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}
