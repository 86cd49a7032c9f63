// Command forge runs the build orchestrator: the HTTP API plus the agent
// phases that build apps in remote sandboxes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgebuild/forge/pkg/api"
	"github.com/forgebuild/forge/pkg/artifact"
	"github.com/forgebuild/forge/pkg/config"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/objectstore"
	"github.com/forgebuild/forge/pkg/orchestrator"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
	"github.com/forgebuild/forge/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 1. Persistence: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.Database.Enabled() {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("Connected to PostgreSQL database", "host", cfg.Database.Host)
	} else {
		st = store.NewMemory()
		slog.Warn("No database configured, build history will not survive restarts")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 2. Artifact storage: S3 when a bucket is configured.
	var objects objectstore.Store
	if cfg.Artifact.Bucket != "" {
		s3, err := objectstore.NewS3Store(ctx, cfg.Artifact.Bucket, cfg.Artifact.Region)
		if err != nil {
			slog.Error("Failed to initialize S3 artifact store", "error", err)
			os.Exit(1)
		}
		objects = s3
		slog.Info("Artifact store initialized", "bucket", cfg.Artifact.Bucket)
	} else {
		objects = objectstore.NewMemory()
		slog.Warn("No artifact bucket configured, using in-memory artifact store")
	}
	pipeline := artifact.NewPipeline(objects)

	// 3. LLM client. The OAuth token takes precedence over the API key.
	llmClient, err := llm.NewAnthropic(llm.AnthropicOptions{
		AuthToken: cfg.LLM.AuthToken,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	// 4. Sandbox provider and build controller.
	provider := sandbox.NewHTTPProvider(cfg.Sandbox.APIURL, cfg.Sandbox.APIKey)
	reg := registry.New()
	controller := orchestrator.New(st, provider, llmClient, pipeline, reg, logger, orchestrator.Options{
		SandboxTemplate:       cfg.Sandbox.Template,
		SandboxTimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
		MaxConcurrentBuilds:   cfg.MaxConcurrentBuilds,
		DisableDesignResearch: cfg.DisableDesignResearch,
	})

	// 5. HTTP server.
	srv := api.NewServer(controller, st, reg, objects, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Cancel running builds first so their sandboxes are torn down and their
	// terminal status is persisted, then drain HTTP connections.
	buildCtx, buildCancel := context.WithTimeout(ctx, 3*time.Minute)
	defer buildCancel()
	if err := controller.Shutdown(buildCtx); err != nil {
		slog.Warn("Controller shutdown timed out", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
