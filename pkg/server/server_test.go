package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/labctl/pkg/actions"
	"github.com/openfroyo/labctl/pkg/app"
	"github.com/openfroyo/labctl/pkg/config"
	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

func setupServer(t *testing.T) (*Server, *app.App) {
	t.Helper()

	dir := t.TempDir()
	labs := `{"labs": [{"lab_id": "intro", "ssm_base_path": "/labs/intro", "user_ns": true}]}`
	if err := os.WriteFile(filepath.Join(dir, "labs.json"), []byte(labs), 0o644); err != nil {
		t.Fatalf("write labs: %v", err)
	}

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}

	registry := actions.NewRegistry()
	for _, name := range []string{"create-ns", "create-user", "remove-ns", "remove-user"} {
		registry.Register(name, actions.Succeed(name+" ok"))
	}

	a := app.New(app.Options{
		Settings: &config.Settings{
			DatabasePath: ":memory:",
			Actions: engine.ActionNames{
				CreateNamespace: "create-ns",
				CreateUser:      "create-user",
				RemoveNamespace: "remove-ns",
				RemoveUser:      "remove-user",
			},
			LabsPath:      dir,
			HTTPAddr:      ":0",
			TTL:           engine.DefaultTTL,
			RetryAttempts: 1,
			ActionTimeout: time.Second,
			SweepInterval: time.Minute,
			Environment:   "test",
		},
		Version:   "test",
		Invoker:   registry,
		Telemetry: tel,
	})
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	return New(&Config{Addr: ":0", Logger: zerolog.Nop()}, a.Injector), a
}

func request(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const dispatchBody = `{"depID": "dep-1", "labID": "intro", "email": "ada@example.com", "petname": "ada-lab"}`

func TestDispatchRoute(t *testing.T) {
	s, _ := setupServer(t)

	rec := request(t, s, http.MethodPost, "/v1/dispatch", dispatchBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first dispatch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res engine.DispatchResult
	decode(t, rec, &res)
	if res.DeploymentID != "dep-1" || res.Outcome != engine.DispatchCreated {
		t.Errorf("result = %+v, want dep-1 created", res)
	}

	rec = request(t, s, http.MethodPost, "/v1/dispatch", dispatchBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("second dispatch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &res)
	if res.Outcome != engine.DispatchExtended {
		t.Errorf("Outcome = %s, want extended", res.Outcome)
	}
}

func TestDispatchRouteFieldNamedRecords(t *testing.T) {
	s, _ := setupServer(t)

	body := `{"depID": "Records", "labID": "intro", "email": "ada@example.com", "petname": "ada-lab"}`
	rec := request(t, s, http.MethodPost, "/v1/dispatch", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res engine.DispatchResult
	decode(t, rec, &res)
	if res.DeploymentID != "Records" || res.Outcome != engine.DispatchCreated {
		t.Errorf("result = %+v, want Records created", res)
	}
}

func TestDispatchRouteErrors(t *testing.T) {
	s, _ := setupServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid json",
			body:       `{"depID":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "missing fields",
			body:       `{"depID": "dep-2"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "malformed email",
			body:       `{"depID": "dep-3", "labID": "intro", "email": "not-an-email", "petname": "ada-lab"}`,
			wantStatus: http.StatusForbidden,
			wantCode:   engine.ErrCodeAdmissionDenied,
		},
		{
			name:       "unknown lab",
			body:       `{"depID": "dep-4", "labID": "nope", "email": "ada@example.com", "petname": "ada-lab"}`,
			wantStatus: http.StatusForbidden,
			wantCode:   engine.ErrCodeAdmissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(t, s, http.MethodPost, "/v1/dispatch", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp errorResponse
			decode(t, rec, &resp)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestDispatchBatchRoute(t *testing.T) {
	s, _ := setupServer(t)

	body := `{"Records": [
		{"messageId": "m1", "body": "{\"depID\": \"dep-1\", \"labID\": \"intro\", \"email\": \"ada@example.com\", \"petname\": \"ada-lab\"}"},
		{"messageId": "m2", "body": "not json"}
	]}`
	rec := request(t, s, http.MethodPost, "/v1/dispatch", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results []engine.DispatchResult `json:"results"`
		Error   string                  `json:"error"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].DeploymentID != "dep-1" {
		t.Errorf("results = %+v, want dep-1 only", resp.Results)
	}
	if !strings.Contains(resp.Error, "message 1") {
		t.Errorf("error = %q, want it to name message 1", resp.Error)
	}
}

func TestDeploymentRoutes(t *testing.T) {
	s, _ := setupServer(t)

	if rec := request(t, s, http.MethodPost, "/v1/dispatch", dispatchBody); rec.Code != http.StatusCreated {
		t.Fatalf("dispatch status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec := request(t, s, http.MethodGet, "/v1/deployments/dep-1?history=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Deployment engine.DeploymentRecord `json:"deployment"`
		History    []struct {
			Field  string `json:"field"`
			Status string `json:"status"`
		} `json:"history"`
	}
	decode(t, rec, &got)
	if got.Deployment.DeploymentStatus != engine.WorkflowStatusSucceeded {
		t.Errorf("deployment_status = %s, want SUCCEEDED", got.Deployment.DeploymentStatus)
	}
	if got.Deployment.StepStatus(engine.StepCreateUser) != engine.StepStatusSuccess {
		t.Errorf("create_user = %s, want SUCCESS", got.Deployment.StepStatus(engine.StepCreateUser))
	}
	if len(got.History) == 0 {
		t.Error("history is empty")
	}

	rec = request(t, s, http.MethodGet, "/v1/deployments?status=SUCCEEDED&lab=intro", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Deployments []engine.DeploymentRecord `json:"deployments"`
	}
	decode(t, rec, &list)
	if len(list.Deployments) != 1 {
		t.Errorf("listed %d deployments, want 1", len(list.Deployments))
	}

	if rec := request(t, s, http.MethodGet, "/v1/deployments?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", rec.Code)
	}

	rec = request(t, s, http.MethodGet, "/v1/deployments/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rec.Code)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Code != engine.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", resp.Code, engine.ErrCodeNotFound)
	}
}

func TestEventsRoute(t *testing.T) {
	s, a := setupServer(t)

	if rec := request(t, s, http.MethodPost, "/v1/dispatch", dispatchBody); rec.Code != http.StatusCreated {
		t.Fatalf("dispatch status = %d, body = %s", rec.Code, rec.Body.String())
	}

	remove := `{"Records": [{"eventName": "REMOVE", "dynamodb": {"Keys": {"depID": {"S": "dep-1"}}}}]}`
	rec := request(t, s, http.MethodPost, "/v1/events", remove)
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d, body = %s", rec.Code, rec.Body.String())
	}

	store, err := a.Store()
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	record, err := store.GetRecord(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if record.CleanupStatus != engine.WorkflowStatusCompleted {
		t.Errorf("cleanup_status = %s, want COMPLETED", record.CleanupStatus)
	}

	rec = request(t, s, http.MethodPost, "/v1/events", `{"eventName": "REMOVE", "dynamodb": {"Keys": {"depID": {"S": "ghost"}}}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown deployment status = %d, want 404", rec.Code)
	}

	if rec := request(t, s, http.MethodPost, "/v1/events", `[1, 2`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed payload status = %d, want 400", rec.Code)
	}
}

func TestMiscRoutes(t *testing.T) {
	s, _ := setupServer(t)

	rec := request(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("healthz = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}

	if rec := request(t, s, http.MethodPost, "/v1/dispatch", dispatchBody); rec.Code != http.StatusCreated {
		t.Fatalf("dispatch status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = request(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "labctl_dispatch_total") {
		t.Errorf("metrics output lacks labctl_dispatch_total")
	}
}
