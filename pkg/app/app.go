package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/openfroyo/labctl/pkg/actions"
	"github.com/openfroyo/labctl/pkg/config"
	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/policy"
	"github.com/openfroyo/labctl/pkg/stores"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

// Options configures an App.
type Options struct {
	Settings *config.Settings
	Version  string

	// Invoker replaces the HTTP action client.
	Invoker engine.ActionInvoker

	// Telemetry replaces the telemetry built from Settings.
	Telemetry *telemetry.Telemetry
}

// App owns the dependency injector and the resources its services opened.
// Services are built on first use, so a command only opens what it needs.
type App struct {
	Injector *do.Injector
	Settings *config.Settings

	opts    Options
	mu      sync.Mutex
	closers []func(ctx context.Context) error
}

// New registers every service provider. Nothing is opened yet.
func New(opts Options) *App {
	a := &App{
		Injector: do.New(),
		Settings: opts.Settings,
		opts:     opts,
	}

	do.ProvideValue(a.Injector, opts.Settings)
	do.Provide(a.Injector, a.provideTelemetry)
	do.Provide(a.Injector, a.provideStore)
	do.Provide(a.Injector, a.provideCatalog)
	do.Provide(a.Injector, a.provideLabSource)
	do.Provide(a.Injector, a.providePolicy)
	do.Provide(a.Injector, a.provideInvoker)
	do.Provide(a.Injector, a.provideEngineOptions)
	do.Provide(a.Injector, a.provideHandler)
	do.Provide(a.Injector, a.provideDispatcher)
	do.Provide(a.Injector, a.provideReaper)

	return a
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close releases opened resources in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i](ctx))
	}
	return errors.Join(errs...)
}

// Telemetry returns the telemetry instance.
func (a *App) Telemetry() (*telemetry.Telemetry, error) {
	return do.Invoke[*telemetry.Telemetry](a.Injector)
}

// Logger returns the root logger, or a no-op logger when telemetry failed.
func (a *App) Logger() zerolog.Logger {
	tel, err := a.Telemetry()
	if err != nil {
		return zerolog.Nop()
	}
	return tel.Logger.Zerolog()
}

// Store returns the opened and migrated SQLite store.
func (a *App) Store() (*stores.SQLiteStore, error) {
	return do.Invoke[*stores.SQLiteStore](a.Injector)
}

// Catalog returns the loaded lab catalog.
func (a *App) Catalog() (*config.Catalog, error) {
	return do.Invoke[*config.Catalog](a.Injector)
}

// Policy returns the admission policy engine.
func (a *App) Policy() (*policy.Engine, error) {
	return do.Invoke[*policy.Engine](a.Injector)
}

// Handler returns the stream event handler.
func (a *App) Handler() (*engine.Handler, error) {
	return do.Invoke[*engine.Handler](a.Injector)
}

// Dispatcher returns the dispatch intake.
func (a *App) Dispatcher() (*engine.Dispatcher, error) {
	return do.Invoke[*engine.Dispatcher](a.Injector)
}

// Reaper returns the expiry sweeper.
func (a *App) Reaper() (*engine.Reaper, error) {
	return do.Invoke[*engine.Reaper](a.Injector)
}

// Watch starts reloading the lab catalog and policy files on change.
func (a *App) Watch(ctx context.Context) error {
	catalog, err := a.Catalog()
	if err != nil {
		return err
	}
	if err := catalog.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch lab catalog: %w", err)
	}

	if a.Settings.PolicyPath == "" {
		return nil
	}
	pe, err := a.Policy()
	if err != nil {
		return err
	}
	if err := pe.Watch(ctx, []string{a.Settings.PolicyPath}); err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}
	return nil
}

func (a *App) provideTelemetry(_ *do.Injector) (*telemetry.Telemetry, error) {
	tel := a.opts.Telemetry
	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(a.Settings.Telemetry(a.opts.Version))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	a.onClose(tel.Shutdown)
	return tel, nil
}

func (a *App) provideStore(i *do.Injector) (*stores.SQLiteStore, error) {
	tel, err := do.Invoke[*telemetry.Telemetry](i)
	if err != nil {
		return nil, err
	}

	path := a.Settings.DatabasePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	store.SetObserver(tel.Metrics)

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.onClose(func(context.Context) error { return store.Close() })
	return store, nil
}

func (a *App) provideCatalog(i *do.Injector) (*config.Catalog, error) {
	tel, err := do.Invoke[*telemetry.Telemetry](i)
	if err != nil {
		return nil, err
	}

	catalog := config.NewCatalog(a.Settings.LabsPath, tel.Logger.Zerolog())
	if err := catalog.Load(context.Background()); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return catalog.Close() })
	return catalog, nil
}

func (a *App) provideLabSource(i *do.Injector) (engine.LabSource, error) {
	catalog, err := do.Invoke[*config.Catalog](i)
	if err != nil {
		return nil, err
	}
	store, err := do.Invoke[*stores.SQLiteStore](i)
	if err != nil {
		return nil, err
	}
	return LabSources{catalog, store}, nil
}

func (a *App) providePolicy(i *do.Injector) (*policy.Engine, error) {
	tel, err := do.Invoke[*telemetry.Telemetry](i)
	if err != nil {
		return nil, err
	}

	pe, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	pe.SetEnvironment(a.Settings.Environment)
	if a.Settings.PolicyPath != "" {
		if err := pe.LoadPolicies(context.Background(), []string{a.Settings.PolicyPath}); err != nil {
			return nil, err
		}
	}
	a.onClose(func(context.Context) error { return pe.Close() })
	return pe, nil
}

func (a *App) provideInvoker(i *do.Injector) (engine.ActionInvoker, error) {
	tel, err := do.Invoke[*telemetry.Telemetry](i)
	if err != nil {
		return nil, err
	}

	base := a.opts.Invoker
	if base == nil {
		if a.Settings.ActionsURL == "" {
			return nil, engine.NewConfigurationError(config.EnvActionsURL+" is not set", nil)
		}
		client, err := actions.NewHTTPClient(actions.ClientConfig{
			BaseURL: a.Settings.ActionsURL,
			Timeout: a.Settings.ActionTimeout,
		})
		if err != nil {
			return nil, err
		}
		base = client
	}
	return actions.NewInstrumented(base, tel.Metrics, tel.Tracer, tel.Logger.Zerolog()), nil
}

func (a *App) provideEngineOptions(i *do.Injector) (engine.Options, error) {
	tel, err := do.Invoke[*telemetry.Telemetry](i)
	if err != nil {
		return engine.Options{}, err
	}
	store, err := do.Invoke[*stores.SQLiteStore](i)
	if err != nil {
		return engine.Options{}, err
	}
	labs, err := do.Invoke[engine.LabSource](i)
	if err != nil {
		return engine.Options{}, err
	}
	invoker, err := do.Invoke[engine.ActionInvoker](i)
	if err != nil {
		return engine.Options{}, err
	}

	return engine.Options{
		Invoker:       invoker,
		Store:         store,
		Labs:          labs,
		Actions:       a.Settings.Actions,
		Publisher:     tel.Events,
		Recorder:      tel.Metrics,
		Logger:        tel.Logger.Zerolog(),
		ProbeAttempts: a.Settings.RetryAttempts,
		ProbeDelay:    a.Settings.RetryDelay,
	}, nil
}

func (a *App) provideHandler(i *do.Injector) (*engine.Handler, error) {
	opts, err := do.Invoke[engine.Options](i)
	if err != nil {
		return nil, err
	}
	return engine.NewHandler(opts), nil
}

func (a *App) provideDispatcher(i *do.Injector) (*engine.Dispatcher, error) {
	opts, err := do.Invoke[engine.Options](i)
	if err != nil {
		return nil, err
	}
	handler, err := do.Invoke[*engine.Handler](i)
	if err != nil {
		return nil, err
	}
	store, err := do.Invoke[*stores.SQLiteStore](i)
	if err != nil {
		return nil, err
	}
	reviewer, err := do.Invoke[*policy.Engine](i)
	if err != nil {
		return nil, err
	}

	return engine.NewDispatcher(engine.DispatcherOptions{
		Repository: store,
		Labs:       opts.Labs,
		Reviewer:   reviewer,
		Publisher:  opts.Publisher,
		Recorder:   opts.Recorder,
		Logger:     opts.Logger,
		Handler:    handler,
		TTL:        a.Settings.TTL,
	}), nil
}

func (a *App) provideReaper(i *do.Injector) (*engine.Reaper, error) {
	opts, err := do.Invoke[engine.Options](i)
	if err != nil {
		return nil, err
	}
	handler, err := do.Invoke[*engine.Handler](i)
	if err != nil {
		return nil, err
	}
	store, err := do.Invoke[*stores.SQLiteStore](i)
	if err != nil {
		return nil, err
	}
	return engine.NewReaper(store, handler, opts, 0), nil
}
