package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/agentcore/internal/a2a"
	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/server"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and A2A endpoint",
		Long: `Serve the request API until interrupted.

Endpoints:
  POST   /v1/requests                                   submit a request
  DELETE /v1/sessions/:session_id/requests/:request_id  cancel one in flight
  GET    /v1/sessions/:session_id                       conversation state
  GET    /v1/plugins                                    loaded plugins
  GET    /v1/events                                     live events (websocket)
  POST   /a2a                                           A2A JSON-RPC
  GET    /health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	a, err := initializeApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	observer := bus.NewObserver(a.bus, bus.DefaultObserverConfig())
	if err := observer.Start(); err != nil {
		return fmt.Errorf("failed to start event observer: %w", err)
	}
	defer observer.Stop()

	cfg := server.ConfigFrom(a.cfg.Server, version)
	if addr != "" {
		cfg.Addr = addr
	}

	deps := server.Deps{
		Pipeline: a.pipeline,
		Sessions: a.sessions,
		Registry: a.registry,
		Executor: a.executor,
		Router:   a.router,
		Store:    a.store,
		Events:   observer,
	}
	if a.cfg.Server.A2A {
		card := a2a.NewAgentCard(a2a.CardConfig{Version: version, PublicURL: a.cfg.Server.PublicURL}, a.registry.Domains())
		deps.Mounts = append(deps.Mounts, a2a.NewServer(a.pipeline, card))
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Printf("agentcore v%s listening on %s\n", version, cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	if err := a.unloadPlugins(shutdownCtx); err != nil {
		log.Warn("Plugin drain: %v", err)
	}
	return <-errCh
}
