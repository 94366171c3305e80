package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

func TestNewHTTPClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "empty", baseURL: "", wantErr: true},
		{name: "no scheme", baseURL: "actions.internal", wantErr: true},
		{name: "valid", baseURL: "http://actions.internal:8080/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPClient(ClientConfig{BaseURL: tt.baseURL})
			if tt.wantErr {
				if !engine.HasCode(err, engine.ErrCodeConfiguration) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHTTPClientInvoke(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotBody map[string]interface{}
		gotID   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotID = r.Header.Get("X-Invocation-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"statusCode": 200, "body": "User created"}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	result, err := client.Invoke(context.Background(), "create-user", map[string]interface{}{
		"email":       "jane@example.com",
		"group_names": []string{"students"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK() || result.Body != "User created" {
		t.Errorf("unexpected result: %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/actions/create-user" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotBody["email"] != "jane@example.com" {
		t.Errorf("unexpected payload %v", gotBody)
	}
	if gotID == "" {
		t.Error("expected invocation id header")
	}
}

func TestHTTPClientResultShapes(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		body       string
		wantCode   int
		wantBody   string
		wantErr    bool
	}{
		{name: "action failure in document", httpStatus: 200, body: `{"statusCode": 409, "body": "exists"}`, wantCode: 409, wantBody: "exists"},
		{name: "object body", httpStatus: 200, body: `{"statusCode": 403, "body": {"reason": "not ready"}}`, wantCode: 403, wantBody: `{"reason": "not ready"}`},
		{name: "plain forbidden", httpStatus: 403, body: "forbidden", wantCode: 403, wantBody: "forbidden"},
		{name: "gateway error", httpStatus: 502, body: "bad gateway", wantErr: true},
		{name: "unknown action", httpStatus: 404, body: "no such action", wantErr: true},
		{name: "document on error status", httpStatus: 500, body: `{"statusCode": 500, "body": "boom"}`, wantCode: 500, wantBody: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.httpStatus)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, _ := NewHTTPClient(ClientConfig{BaseURL: srv.URL})
			result, err := client.Invoke(context.Background(), "probe", nil)
			if tt.wantErr {
				if !engine.HasCode(err, engine.ErrCodeInvocationFailed) {
					t.Fatalf("expected invocation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.StatusCode != tt.wantCode || result.Body != tt.wantBody {
				t.Errorf("got %+v, want code %d body %q", result, tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestHTTPClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := NewHTTPClient(ClientConfig{BaseURL: url})
	_, err := client.Invoke(context.Background(), "create-user", nil)
	if !engine.HasCode(err, engine.ErrCodeInvocationFailed) {
		t.Fatalf("expected invocation error, got %v", err)
	}
	if !engine.IsTransient(err) {
		t.Error("expected invocation errors to be transient")
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, _ := NewHTTPClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Invoke(context.Background(), "slow", nil)
	if !engine.HasCode(err, engine.ErrCodeInvocationFailed) {
		t.Fatalf("expected invocation error on timeout, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("create-user", Succeed("ok"))
	reg.Register("create-namespace", func(ctx context.Context, payload map[string]interface{}) (engine.ActionResult, error) {
		return engine.ActionResult{StatusCode: 409, Body: "namespace " + payload["namespace_name"].(string) + " exists"}, nil
	})

	if names := reg.Names(); strings.Join(names, ",") != "create-namespace,create-user" {
		t.Errorf("unexpected names %v", names)
	}

	ctx := context.Background()
	res, err := reg.Invoke(ctx, "create-user", nil)
	if err != nil || !res.OK() {
		t.Errorf("unexpected result %+v, %v", res, err)
	}

	res, err = reg.Invoke(ctx, "create-namespace", map[string]interface{}{"namespace_name": "brave-otter"})
	if err != nil || res.StatusCode != 409 || res.Body != "namespace brave-otter exists" {
		t.Errorf("unexpected result %+v, %v", res, err)
	}

	if _, err := reg.Invoke(ctx, "missing", nil); !engine.HasCode(err, engine.ErrCodeInvocationFailed) {
		t.Errorf("expected invocation error for unknown action, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := reg.Invoke(canceled, "create-user", nil); err == nil {
		t.Error("expected error for canceled context")
	}

	reg.SetFallback(Succeed("fallback"))
	res, err = reg.Invoke(ctx, "missing", nil)
	if err != nil || !res.OK() || res.Body != "fallback" {
		t.Errorf("expected fallback result, got %+v, %v", res, err)
	}
	res, err = reg.Invoke(ctx, "create-namespace", map[string]interface{}{"namespace_name": "brave-otter"})
	if err != nil || res.StatusCode != 409 {
		t.Errorf("fallback replaced a registered handler: %+v, %v", res, err)
	}
}

func TestInstrumented(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "labctl", "test", "test")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}

	reg := NewRegistry()
	reg.Register("create-user", Succeed("ok"))
	inv := NewInstrumented(reg, metrics, tracer, zerolog.Nop())

	if _, err := inv.Invoke(context.Background(), "create-user", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := inv.Invoke(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error for missing action")
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`labctl_action_invocations_total{action="create-user",code="200"} 1`,
		`labctl_action_invocations_total{action="missing",code="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	// Nil collaborators are allowed.
	bare := NewInstrumented(reg, nil, nil, zerolog.Nop())
	if _, err := bare.Invoke(context.Background(), "create-user", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
