// Command gogo-relay runs the connection-scoped event relay: WebSocket
// clients submit messages, runs execute agents and tools, and every run
// event is delivered only to the connections of the user that owns it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/internal/agents"
	"github.com/xiaot623/gogo/internal/auth"
	"github.com/xiaot623/gogo/internal/bridge"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/engine"
	internalhttp "github.com/xiaot623/gogo/internal/http"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/logging"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/tools"
	"github.com/xiaot623/gogo/internal/tracing"
	"github.com/xiaot623/gogo/internal/ws"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "gogo-relay",
		Short:        "Per-user event relay for agent runs",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GOGO_CONFIG"), "Path to a YAML config file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the WebSocket and internal HTTP servers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		buildTokenCmd(&configPath),
		buildMigrateCmd(&configPath),
	)
	return rootCmd
}

func buildTokenCmd(configPath *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			expiry := cfg.JWTExpiry
			if ttl > 0 {
				expiry = ttl
			}
			token, err := auth.NewJWTVerifier(cfg.JWTSecret, expiry).Generate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to JWT_EXPIRY)")
	return cmd
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the run journal schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "journal ready at %s\n", cfg.DatabaseURL)
			return nil
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting relay", "version", version, "ws_port", cfg.WSPort, "http_port", cfg.HTTPPort, "database", cfg.DatabaseURL)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	connectionHub := hub.New(
		hub.WithQueueSize(cfg.SendQueueSize),
		hub.WithSendTimeout(cfg.SendTimeout),
		hub.WithLogger(logger),
		hub.WithMetrics(m),
	)
	notifier := bridge.NewNotifier(connectionHub,
		bridge.WithJournal(store),
		bridge.WithSendTimeout(cfg.SendTimeout),
		bridge.WithLogger(logger),
		bridge.WithMetrics(m),
	)

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	catalog := tools.NewRegistry()
	if err := tools.RegisterBuiltins(catalog); err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(catalog, notifier,
		tools.WithPolicy(policyEngine),
		tools.WithJournal(store),
		tools.WithDefaultTimeout(cfg.ToolTimeout),
		tools.WithLogger(logger),
		tools.WithMetrics(m),
	)

	remotes, err := agents.ParseRemoteAgents(cfg.RemoteAgents)
	if err != nil {
		return fmt.Errorf("REMOTE_AGENTS: %w", err)
	}
	agentRegistry := engine.NewRegistry()
	if err := agents.RegisterAll(agentRegistry, catalog, agents.Config{
		OpenAI: agents.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		},
		Remote: remotes,
	}, logger); err != nil {
		return err
	}

	runEngine, err := engine.New(agentRegistry, dispatcher, notifier, engine.Options{
		RunTimeout:      cfg.AgentTimeout,
		MaxSteps:        cfg.MaxSteps,
		MaxToolRetries:  cfg.MaxToolRetries,
		RetryBackoff:    cfg.RetryBackoff,
		FailOnToolError: cfg.FailOnToolError,
		DefaultAgent:    cfg.DefaultAgent,
		ResultCacheSize: cfg.ResultCacheSize,
	}, engine.WithStore(store), engine.WithLogger(logger), engine.WithMetrics(m))
	if err != nil {
		return err
	}

	verifier := auth.Chain{}
	if cfg.JWTSecret != "" {
		verifier = append(verifier, auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTExpiry))
	}
	if len(cfg.APIKeys) > 0 {
		verifier = append(verifier, auth.NewAPIKeyVerifier(cfg.APIKeys))
	}

	// Runs live under serverCtx so a closing connection never stops them.
	serverCtx, cancelServer := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServer()

	wsServer := ws.NewServer(serverCtx, cfg, connectionHub, runEngine, verifier, ws.WithLogger(logger), ws.WithMetrics(m))
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	wsServer.RegisterRoutes(wsEcho)

	httpServer := internalhttp.NewServer(connectionHub, runEngine, verifier, registry,
		internalhttp.WithJournal(store), internalhttp.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		logger.Info("WebSocket server listening", "addr", addr)
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("WebSocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("internal HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		runEngine.Shutdown()
		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown WebSocket server gracefully", "error", err)
		}
		if err := runEngine.Wait(shutdownCtx); err != nil {
			logger.Warn("runs still in flight at shutdown, cancelling", "active_runs", runEngine.ActiveRuns())
			cancelServer()
			drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
			_ = runEngine.Wait(drainCtx)
			drainCancel()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown HTTP server gracefully", "error", err)
		}
		connectionHub.Close()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}
