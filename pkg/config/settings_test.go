package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/labctl/pkg/engine"
)

func TestLoadSettingsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	if s.TTL != 300*time.Second {
		t.Errorf("TTL = %v, want 5m", s.TTL)
	}
	if s.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", s.RetryAttempts)
	}
	if s.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", s.RetryDelay)
	}
	if s.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", s.HTTPAddr)
	}
	if s.TracingExporter != "none" {
		t.Errorf("TracingExporter = %q", s.TracingExporter)
	}
}

func TestLoadSettingsFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "labctl.env")
	content := strings.Join([]string{
		"LABCTL_DATABASE_PATH=" + filepath.Join(dir, "labctl.db"),
		"CREATE_NAMESPACE_ACTION=ns-create",
		"CREATE_USER_ACTION=user-create",
		"REMOVE_NAMESPACE_ACTION=ns-remove",
		"REMOVE_USER_ACTION=user-remove",
		"LABCTL_TTL=600",
		"LABCTL_RETRY_DELAY=250ms",
		"LABCTL_RETRY_ATTEMPTS=3",
		"LOG_LEVEL=DEBUG",
	}, "\n")
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// godotenv does not override variables already present.
	t.Setenv(EnvRetryAttempts, "7")
	for _, key := range []string{EnvDatabasePath, EnvCreateNamespace, EnvCreateUser, EnvRemoveNamespace, EnvRemoveUser, EnvTTL, EnvRetryDelay, EnvLogLevel} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	s, err := LoadSettings(envFile)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	want := engine.ActionNames{
		CreateNamespace: "ns-create",
		CreateUser:      "user-create",
		RemoveNamespace: "ns-remove",
		RemoveUser:      "user-remove",
	}
	if s.Actions != want {
		t.Errorf("Actions = %+v, want %+v", s.Actions, want)
	}
	if s.TTL != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", s.TTL)
	}
	if s.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v", s.RetryDelay)
	}
	if s.RetryAttempts != 7 {
		t.Errorf("RetryAttempts = %d, want 7 from the environment", s.RetryAttempts)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", s.LogLevel)
	}
	if err := s.ValidateActions(); err != nil {
		t.Errorf("ValidateActions() error = %v", err)
	}
}

func TestLoadSettingsMissingEnvFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.env"))
	if !engine.HasCode(err, engine.ErrCodeConfiguration) {
		t.Fatalf("LoadSettings() error = %v, want configuration error", err)
	}
}

func TestLoadSettingsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", EnvTTL, "soon"},
		{"zero ttl", EnvTTL, "0"},
		{"bad attempts", EnvRetryAttempts, "many"},
		{"attempts out of range", EnvRetryAttempts, "0"},
		{"bad exporter", EnvTracingExporter, "zipkin"},
		{"otlp without endpoint", EnvTracingExporter, "otlp"},
		{"bad actions url", EnvActionsURL, "not a url"},
		{"bad log format", EnvLogFormat, "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := LoadSettings("")
			if !engine.HasCode(err, engine.ErrCodeConfiguration) {
				t.Fatalf("LoadSettings() error = %v, want configuration error", err)
			}
		})
	}
}

func TestValidateActions(t *testing.T) {
	s := &Settings{Actions: engine.ActionNames{CreateNamespace: "ns-create"}}

	err := s.ValidateActions()
	if err == nil {
		t.Fatal("expected error for missing action names")
	}
	for _, field := range []string{"CreateUser", "RemoveNamespace", "RemoveUser"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}
	if strings.Contains(err.Error(), "CreateNamespace") {
		t.Errorf("error %q names a configured action", err)
	}
}

func TestSettingsTelemetry(t *testing.T) {
	s := &Settings{
		Environment:     "production",
		LogLevel:        "warn",
		LogFormat:       "json",
		MetricsAddr:     ":9090",
		TracingExporter: "otlp",
		OTLPEndpoint:    "collector:4317",
	}

	cfg := s.Telemetry("1.2.3")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("telemetry config invalid: %v", err)
	}
	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("ServiceVersion = %q", cfg.ServiceVersion)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddress != ":9090" {
		t.Errorf("metrics address = %q", cfg.Metrics.ListenAddress)
	}
}
