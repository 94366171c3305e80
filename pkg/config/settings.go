package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

// Environment variable names.
const (
	EnvDatabasePath    = "LABCTL_DATABASE_PATH"
	EnvActionsURL      = "LABCTL_ACTIONS_URL"
	EnvCreateNamespace = "CREATE_NAMESPACE_ACTION"
	EnvCreateUser      = "CREATE_USER_ACTION"
	EnvRemoveNamespace = "REMOVE_NAMESPACE_ACTION"
	EnvRemoveUser      = "REMOVE_USER_ACTION"
	EnvLabsPath        = "LABCTL_LABS_PATH"
	EnvPolicyPath      = "LABCTL_POLICY_PATH"
	EnvHTTPAddr        = "LABCTL_HTTP_ADDR"
	EnvMetricsAddr     = "LABCTL_METRICS_ADDR"
	EnvTTL             = "LABCTL_TTL"
	EnvRetryAttempts   = "LABCTL_RETRY_ATTEMPTS"
	EnvRetryDelay      = "LABCTL_RETRY_DELAY"
	EnvActionTimeout   = "LABCTL_ACTION_TIMEOUT"
	EnvSweepInterval   = "LABCTL_SWEEP_INTERVAL"
	EnvEnvironment     = "LABCTL_ENVIRONMENT"
	EnvTracingExporter = "LABCTL_TRACING_EXPORTER"
	EnvOTLPEndpoint    = "LABCTL_OTLP_ENDPOINT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
)

// Settings holds the process configuration read from the environment.
type Settings struct {
	DatabasePath string `validate:"required"`
	ActionsURL   string `validate:"omitempty,url"`

	Actions engine.ActionNames `validate:"-"`

	LabsPath   string
	PolicyPath string

	HTTPAddr    string `validate:"required"`
	MetricsAddr string

	TTL           time.Duration `validate:"gt=0"`
	RetryAttempts int           `validate:"gte=1,lte=50"`
	RetryDelay    time.Duration `validate:"gte=0"`
	ActionTimeout time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`

	Environment     string `validate:"required"`
	TracingExporter string `validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `validate:"required_if=TracingExporter otlp"`
	LogLevel        string `validate:"oneof=trace debug info warn error"`
	LogFormat       string `validate:"oneof=console json"`
}

// LoadSettings reads Settings from the environment. envFile, when set, must
// exist and is loaded first; otherwise an optional .env in the working
// directory is used. Variables already set in the environment win.
func LoadSettings(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to load env file %s", envFile), err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigurationError("failed to load .env", err)
	}

	s := &Settings{
		DatabasePath: getEnv(EnvDatabasePath, "./data/labctl.db"),
		ActionsURL:   getEnv(EnvActionsURL, ""),
		Actions: engine.ActionNames{
			CreateNamespace: getEnv(EnvCreateNamespace, ""),
			CreateUser:      getEnv(EnvCreateUser, ""),
			RemoveNamespace: getEnv(EnvRemoveNamespace, ""),
			RemoveUser:      getEnv(EnvRemoveUser, ""),
		},
		LabsPath:        getEnv(EnvLabsPath, ""),
		PolicyPath:      getEnv(EnvPolicyPath, ""),
		HTTPAddr:        getEnv(EnvHTTPAddr, ":8080"),
		MetricsAddr:     getEnv(EnvMetricsAddr, ""),
		Environment:     getEnv(EnvEnvironment, "development"),
		TracingExporter: getEnv(EnvTracingExporter, "none"),
		OTLPEndpoint:    getEnv(EnvOTLPEndpoint, ""),
		LogLevel:        strings.ToLower(getEnv(EnvLogLevel, "info")),
		LogFormat:       getEnv(EnvLogFormat, "console"),
	}

	var errs []error
	var err error
	if s.TTL, err = getEnvDuration(EnvTTL, engine.DefaultTTL); err != nil {
		errs = append(errs, err)
	}
	if s.RetryAttempts, err = getEnvInt(EnvRetryAttempts, engine.DefaultRetryAttempts); err != nil {
		errs = append(errs, err)
	}
	if s.RetryDelay, err = getEnvDuration(EnvRetryDelay, engine.DefaultRetryDelay); err != nil {
		errs = append(errs, err)
	}
	if s.ActionTimeout, err = getEnvDuration(EnvActionTimeout, 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	if s.SweepInterval, err = getEnvDuration(EnvSweepInterval, time.Minute); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, engine.NewConfigurationError("invalid settings", errors.Join(errs...))
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings with their struct tags. Action names are not
// required here; the workflows report missing ones before any step runs.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return engine.NewConfigurationError("invalid settings", err)
	}
	return nil
}

// ValidateActions reports every missing action name.
func (s *Settings) ValidateActions() error {
	if err := validator.New().Struct(s.Actions); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			names := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				names = append(names, fe.Field())
			}
			return engine.NewConfigurationError(fmt.Sprintf("missing action names: %s", strings.Join(names, ", ")), nil)
		}
		return engine.NewConfigurationError("invalid action names", err)
	}
	return nil
}

// Telemetry returns the telemetry configuration for these settings.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.ForEnvironment(s.Environment)
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Metrics.ListenAddress = s.MetricsAddr
	cfg.Tracing.Enabled = s.TracingExporter != "none"
	cfg.Tracing.Exporter = s.TracingExporter
	cfg.Tracing.Endpoint = s.OTLPEndpoint
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
