package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/agentcore/internal/autollm"
	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/data"
	"github.com/normanking/agentcore/internal/intent"
	"github.com/normanking/agentcore/internal/llm"
	"github.com/normanking/agentcore/internal/orchestrator"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/internal/policy"
	"github.com/normanking/agentcore/internal/session"
	"github.com/normanking/agentcore/plugins/builtin"
	"github.com/normanking/agentcore/plugins/manager"
)

// ═══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// app holds every component of a running agent. Close releases them in
// reverse order of construction.
type app struct {
	cfg        *config.Config
	store      *data.Store
	bus        *bus.Bus
	sessions   *session.Store
	providers  map[string]*llm.MetricsProvider
	router     *autollm.Router
	classifier *intent.Classifier
	registry   *plugin.Registry
	executor   *plugin.Executor
	plugins    *manager.Manager
	policy     *policy.Engine
	pipeline   *orchestrator.Pipeline

	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close shuts the app down.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// initializeStore opens the SQLite store named by the config.
func initializeStore() (*data.Store, *config.Config, func(), error) {
	if log != nil {
		defer log.Trace("initializeStore")()
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	log.Debug("Opening SQLite database (%s)...", cfg.Store.Driver)
	store, err := data.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.Error("Failed to open database: %v", err)
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("Database opened successfully: %s", cfg.Store.Path)

	cleanup := func() {
		log.Debug("Closing database connection...")
		if err := store.Close(); err != nil {
			log.Warn("Closing database: %v", err)
		}
	}
	return store, cfg, cleanup, nil
}

// initializeApp builds the full request pipeline.
func initializeApp(ctx context.Context) (_ *app, err error) {
	defer log.Trace("initializeApp")()

	store, cfg, closeStore, err := initializeStore()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		closeStore()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		closeStore()
		return nil, err
	}

	a := &app{cfg: cfg, store: store}
	a.onClose(closeStore)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Event bus with the SQLite audit sink.
	a.bus = bus.NewBus()
	a.onClose(func() { _ = a.bus.Close() })
	store.AttachAudit(a.bus)

	// Sessions persist through the store and are reaped when idle.
	a.sessions = session.NewStore(session.OptionsFrom(cfg.Session),
		session.WithPersister(session.NewSQLPersister(store)),
		session.WithEvents(a.bus),
	)
	a.sessions.Start(ctx)
	a.onClose(a.sessions.Stop)

	// Model providers and the router.
	a.providers, err = llm.NewAll(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create providers: %w", err)
	}
	providers := make(map[string]llm.Provider, len(a.providers))
	for name, p := range a.providers {
		providers[name] = p
	}
	routerCfg, err := autollm.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	a.router, err = autollm.NewRouter(routerCfg, providers, a.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create model router: %w", err)
	}

	a.classifier, err = intent.NewClassifier(intent.OptionsFrom(cfg.Classifier), intent.DefaultRules(), a.router)
	if err != nil {
		return nil, err
	}

	// Plugins: built-ins first, then manifests from the plugins dir.
	a.registry = plugin.NewRegistry(a.bus)
	a.executor = plugin.NewExecutor(a.registry,
		plugin.WithMaxWallTime(cfg.Plugins.MaxWallTime),
		plugin.WithEvents(a.bus),
	)
	if err := builtin.Register(a.registry, builtin.ConfigFrom(cfg.Plugins)); err != nil {
		return nil, fmt.Errorf("failed to register built-in plugins: %w", err)
	}
	a.plugins = manager.NewManager(cfg.Plugins.Dir, a.registry, a.classifier)
	if n, err := a.plugins.LoadAll(); err != nil {
		log.Warn("Some plugins failed to load (%d loaded): %v", n, err)
	}

	a.policy, err = policy.FromConfig(ctx, cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("failed to load grant policy: %w", err)
	}

	responses, err := orchestrator.LoadCustomizer(cfg.Pipeline.ResponsesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load response rules: %w", err)
	}

	a.pipeline, err = orchestrator.New(orchestrator.OptionsFrom(cfg.Pipeline), orchestrator.Deps{
		Sessions:   a.sessions,
		Classifier: a.classifier,
		Registry:   a.registry,
		Executor:   a.executor,
		Grants:     a.policy,
		Models:     a.router,
		Responses:  responses,
		Events:     a.bus,
	})
	if err != nil {
		return nil, err
	}

	log.Info("agentcore ready: %d plugin(s), domains %v", len(a.registry.List()), a.registry.Domains())
	return a, nil
}

// unloadPlugins drains every plugin so in-flight calls finish before exit.
func (a *app) unloadPlugins(ctx context.Context) error {
	var errs []error
	for _, info := range a.registry.List() {
		if err := a.registry.Unload(ctx, info.Descriptor.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
