package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/labctl/pkg/actions"
	"github.com/openfroyo/labctl/pkg/config"
	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

type staticSource map[string]*engine.LabConfiguration

func (s staticSource) GetLab(_ context.Context, labID string) (*engine.LabConfiguration, error) {
	if lab, ok := s[labID]; ok {
		return lab, nil
	}
	return nil, engine.NewNotFoundError("lab", labID)
}

type brokenSource struct{}

func (brokenSource) GetLab(context.Context, string) (*engine.LabConfiguration, error) {
	return nil, engine.NewStoreUnavailableError("get_lab", errors.New("disk gone"))
}

func TestLabSources(t *testing.T) {
	files := staticSource{"intro": {LabID: "intro", SSMBasePath: "/files/intro"}}
	rows := staticSource{
		"intro": {LabID: "intro", SSMBasePath: "/rows/intro"},
		"k8s":   {LabID: "k8s", SSMBasePath: "/rows/k8s"},
	}
	sources := LabSources{files, rows}
	ctx := context.Background()

	lab, err := sources.GetLab(ctx, "intro")
	if err != nil {
		t.Fatalf("GetLab(intro) error = %v", err)
	}
	if lab.SSMBasePath != "/files/intro" {
		t.Errorf("SSMBasePath = %q, want the first source to win", lab.SSMBasePath)
	}

	lab, err = sources.GetLab(ctx, "k8s")
	if err != nil {
		t.Fatalf("GetLab(k8s) error = %v", err)
	}
	if lab.SSMBasePath != "/rows/k8s" {
		t.Errorf("SSMBasePath = %q, want /rows/k8s", lab.SSMBasePath)
	}

	if _, err := sources.GetLab(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("GetLab(missing) error = %v, want not found", err)
	}

	broken := LabSources{brokenSource{}, rows}
	if _, err := broken.GetLab(ctx, "k8s"); !engine.IsStoreUnavailable(err) {
		t.Errorf("GetLab through broken source error = %v, want store unavailable", err)
	}
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) handler(name string) actions.HandlerFunc {
	return func(context.Context, map[string]interface{}) (engine.ActionResult, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, name)
		return engine.ActionResult{StatusCode: 200, Body: name + " ok"}, nil
	}
}

func (l *callLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	return tel
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	labs := `labs:
  - lab_id: intro
    ssm_base_path: /labs/intro
    group_names: [students]
    user_ns: true
`
	if err := os.WriteFile(filepath.Join(dir, "labs.yaml"), []byte(labs), 0o644); err != nil {
		t.Fatalf("write labs: %v", err)
	}
	return &config.Settings{
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
		RetryAttempts: 2,
		ActionTimeout: time.Second,
		SweepInterval: time.Minute,
		Environment:   "test",
	}
}

func newTestApp(t *testing.T) (*App, *callLog) {
	t.Helper()
	calls := &callLog{}
	registry := actions.NewRegistry()
	for _, name := range []string{"create-ns", "create-user", "remove-ns", "remove-user"} {
		registry.Register(name, calls.handler(name))
	}
	a := New(Options{
		Settings:  testSettings(t),
		Version:   "test",
		Invoker:   registry,
		Telemetry: testTelemetry(t),
	})
	t.Cleanup(func() {
		if err := a.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return a, calls
}

func TestAppDispatchAndSweep(t *testing.T) {
	a, calls := newTestApp(t)
	ctx := context.Background()

	dispatcher, err := a.Dispatcher()
	if err != nil {
		t.Fatalf("Dispatcher() error = %v", err)
	}
	res, err := dispatcher.Dispatch(ctx, engine.DispatchMessage{
		DeploymentID: "dep-1",
		LabID:        "intro",
		Email:        "ada@example.com",
		Petname:      "ada-lab",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Outcome != engine.DispatchCreated {
		t.Errorf("Outcome = %s, want created", res.Outcome)
	}

	store, err := a.Store()
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	rec, err := store.GetRecord(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if rec.DeploymentStatus != engine.WorkflowStatusSucceeded {
		t.Errorf("DeploymentStatus = %s, want SUCCEEDED", rec.DeploymentStatus)
	}
	if !rec.CreatedNamespace || !rec.CreatedUser {
		t.Errorf("flags = (%v, %v), want both set", rec.CreatedNamespace, rec.CreatedUser)
	}
	if rec.SSMBasePath != "/labs/intro" {
		t.Errorf("SSMBasePath = %q, want /labs/intro", rec.SSMBasePath)
	}

	reaper, err := a.Reaper()
	if err != nil {
		t.Fatalf("Reaper() error = %v", err)
	}
	sweep, err := reaper.Sweep(ctx, time.Now().Add(engine.DefaultTTL+time.Minute))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if sweep.Expired != 1 || sweep.Purged != 1 {
		t.Errorf("Sweep() = %+v, want 1 expired and purged", sweep)
	}
	if _, err := store.GetRecord(ctx, "dep-1"); !engine.IsNotFound(err) {
		t.Errorf("GetRecord after sweep error = %v, want not found", err)
	}

	want := []string{"create-ns", "create-user", "remove-user", "remove-ns"}
	got := calls.names()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAppDispatchDeniedByPolicy(t *testing.T) {
	a, calls := newTestApp(t)
	dispatcher, err := a.Dispatcher()
	if err != nil {
		t.Fatalf("Dispatcher() error = %v", err)
	}

	_, err = dispatcher.Dispatch(context.Background(), engine.DispatchMessage{
		DeploymentID: "dep-2",
		LabID:        "unknown",
		Email:        "ada@example.com",
		Petname:      "ada-lab",
	})
	if !engine.HasCode(err, engine.ErrCodeAdmissionDenied) {
		t.Fatalf("Dispatch() error = %v, want admission denied", err)
	}
	if len(calls.names()) != 0 {
		t.Errorf("actions invoked for a denied deployment: %v", calls.names())
	}
}

func TestAppImportedLabFallback(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	store, err := a.Store()
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := store.PutLab(ctx, &engine.LabConfiguration{LabID: "imported", SSMBasePath: "/labs/imported"}); err != nil {
		t.Fatalf("PutLab() error = %v", err)
	}

	dispatcher, err := a.Dispatcher()
	if err != nil {
		t.Fatalf("Dispatcher() error = %v", err)
	}
	if _, err := dispatcher.Dispatch(ctx, engine.DispatchMessage{
		DeploymentID: "dep-3",
		LabID:        "imported",
		Email:        "bob@example.com",
		Petname:      "bob-lab",
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	rec, err := store.GetRecord(ctx, "dep-3")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if rec.SSMBasePath != "/labs/imported" {
		t.Errorf("SSMBasePath = %q, want /labs/imported", rec.SSMBasePath)
	}
	if rec.CreatedNamespace {
		t.Error("CreatedNamespace = true for a lab without user_ns")
	}
}

func TestAppMissingActionsURL(t *testing.T) {
	settings := testSettings(t)
	a := New(Options{Settings: settings, Version: "test", Telemetry: testTelemetry(t)})
	defer a.Close(context.Background())

	if _, err := a.Handler(); !engine.HasCode(err, engine.ErrCodeConfiguration) {
		t.Errorf("Handler() error = %v, want configuration error", err)
	}
}
