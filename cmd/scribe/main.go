// Command scribe runs the MCP session-management server: the wire endpoint
// tool clients connect to, the analytics session registry behind it, and
// the read-only monitoring API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/scribe/pkg/api"
	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/mcp"
	"github.com/odvcencio/scribe/pkg/observability"
	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/tracking"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	tp, err := observability.NewTracerProvider("scribe", version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	store.AddObserver(storage.ObserverFunc(func(event storage.Event) {
		_ = log.Debug(logging.CategoryStorage, string(event.Type), "", map[string]any{
			"session_id": event.SessionID,
			"entity_id":  event.EntityID,
		})
	}))

	var reconnect *session.ReconnectIssuer
	if cfg.Sessions.ReconnectSecret != "" {
		reconnect, err = session.NewReconnectIssuer([]byte(cfg.Sessions.ReconnectSecret), cfg.Sessions.ReconnectWindow)
		if err != nil {
			return err
		}
	}

	registry := session.NewRegistry(session.RegistryConfig{
		Store:         store,
		Log:           log,
		Timeout:       cfg.Sessions.Timeout,
		IdleThreshold: cfg.Sessions.IdleThreshold,
		Reconnect:     reconnect,
	})

	// Startup touches sessions exactly once: repopulating the cache from
	// rows that survived the last shutdown. Everything else is lazy.
	recovered, err := registry.Recover()
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	log.Info(logging.CategorySession, "startup", "session registry ready", map[string]any{
		"recovered": len(recovered),
		"version":   version,
	})

	tracker := tracking.NewTracker(tracking.TrackerConfig{
		Store:           store,
		Registry:        registry,
		Log:             log,
		CostPer1KTokens: cfg.Tracking.CostPer1KTokens,
		OnRecord:        api.ObserveRequest,
	})
	resolver := tracking.NewResolver(registry, log)

	mcpServer := mcp.NewServer(mcp.ServerConfig{
		Name:     "scribe",
		Version:  version,
		Registry: registry,
		Resolver: resolver,
		Tracker:  tracker,
		Log:      log,
	})
	registerBuiltinTools(mcpServer, registry)

	monitoring := api.NewServer(api.ServerConfig{
		Store:    store,
		Registry: registry,
		Log:      log,
	})

	reaper := session.NewReaper(session.ReaperConfig{
		Registry: registry,
		Interval: cfg.Sessions.ReaperInterval,
		Log:      log,
		OnSweep: func(closed int, err error) {
			api.ObserveSweep(closed, err)
			api.SetActiveSessions(registry.ActiveCount())
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reaper.Start(ctx)
	defer reaper.Stop()

	wireSrv := &http.Server{Addr: cfg.Server.Bind, Handler: mcpServer.Router()}
	monSrv := &http.Server{Addr: cfg.Monitoring.Bind, Handler: monitoring.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(logging.CategoryNetwork, "listening", "MCP endpoint up", map[string]any{"bind": cfg.Server.Bind})
		if err := wireSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info(logging.CategoryNetwork, "listening", "monitoring API up", map[string]any{"bind": cfg.Monitoring.Bind})
		if err := monSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("monitoring server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = wireSrv.Shutdown(shutdownCtx)
		_ = monSrv.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	log.Info(logging.CategoryNetwork, "shutdown", "servers stopped", nil)
	return err
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if cfg.Dir == "" {
		return logging.NewNopLogger(), nil
	}
	log, err := logging.NewLogger(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.MinLevel != "" {
		log.SetMinLevel(logging.Level(cfg.MinLevel))
	}
	return log, nil
}

// registerBuiltinTools exposes the server's own diagnostics as tools. Real
// deployments register their backend toolset here as well.
func registerBuiltinTools(srv *mcp.Server, registry *session.Registry) {
	srv.RegisterTool(mcp.ToolDefinition{
		Name:        "echo",
		Description: "Echoes the supplied text back to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
	}, func(ctx *tracking.ExecutionContext) (*mcp.ToolCallResult, error) {
		text, _ := ctx.Params["text"].(string)
		return mcp.TextResult(text), nil
	})

	srv.RegisterTool(mcp.ToolDefinition{
		Name:        "session_info",
		Description: "Reports the analytics session this call is attributed to.",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx *tracking.ExecutionContext) (*mcp.ToolCallResult, error) {
		return mcp.TextResult(fmt.Sprintf("session=%s live_sessions=%d", ctx.SessionID, registry.ActiveCount())), nil
	})
}
