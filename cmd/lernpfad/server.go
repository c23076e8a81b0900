package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lernpfad/internal/api"
	"github.com/kalambet/lernpfad/internal/config"
	"github.com/kalambet/lernpfad/internal/gateway"
	"github.com/kalambet/lernpfad/internal/gateway/ollama"
	openaiprovider "github.com/kalambet/lernpfad/internal/gateway/openai"
	"github.com/kalambet/lernpfad/internal/gateway/openrouter"
	"github.com/kalambet/lernpfad/internal/generation"
	"github.com/kalambet/lernpfad/internal/logging"
	"github.com/kalambet/lernpfad/internal/research"
	"github.com/kalambet/lernpfad/internal/source"
	"github.com/kalambet/lernpfad/internal/storage"
	"github.com/kalambet/lernpfad/internal/storage/postgres"
	"github.com/kalambet/lernpfad/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the workflow executor (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lernpfad server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio and run the workflow executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server, provider and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHealth(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

// jobStore is satisfied by both storage backends.
type jobStore interface {
	workflow.Store
	api.JobReader
	Close() error
}

// app holds everything the serve and mcp commands share.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    jobStore
	service  *workflow.Service
	executor *workflow.Executor
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	// Stdout stays free for the MCP transport.
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	gw, err := buildGateway(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger.Info("providers configured", "order", strings.Join(gw.Providers(), ","))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("storage opened", "driver", cfg.Storage.Driver)

	researcher := research.New(gw, research.Config{
		MaxAttempts: cfg.Research.MaxAttempts,
		Fallback:    cfg.Research.Fallback,
	}).WithLogger(logger)
	generator := generation.New(gw).WithLogger(logger)

	maxTokens := cfg.Research.MaxSourceTokens
	orch := workflow.NewOrchestrator(store, researcher, generator).
		WithClipper(func(s string) string { return source.Clip(s, maxTokens) }).
		WithLogger(logger)

	exec := workflow.NewExecutor(store, orch, workflow.ExecutorConfig{
		MaxConcurrent: cfg.Workflow.MaxConcurrent,
		JobTimeout:    cfg.Workflow.JobTimeout,
		PollInterval:  cfg.Workflow.PollInterval,
	}).WithLogger(logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		service:  workflow.NewService(store).WithLogger(logger),
		executor: exec,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (jobStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

// buildGateway registers the configured providers cheapest first: local
// Ollama, then OpenRouter, then OpenAI. An unreachable Ollama is skipped
// when a hosted provider can take over.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, w io.Writer) (*gateway.Gateway, error) {
	var providers []gateway.Provider
	hosted := cfg.OpenRouter.APIKey != "" || cfg.OpenAI.APIKey != ""

	if cfg.Ollama.Enabled {
		client := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, w); err != nil {
			if !hosted {
				return nil, err
			}
			logger.Warn("skipping ollama provider", "error", err)
		} else {
			providers = append(providers, ollama.NewProvider(client, cfg.Ollama.Model))
		}
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, openrouter.NewProvider(openrouter.NewClient(cfg.OpenRouter.APIKey), cfg.OpenRouter.Model))
	}
	if cfg.OpenAI.APIKey != "" {
		providers = append(providers, openaiprovider.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model))
	}

	if len(providers) == 0 {
		return nil, errors.New("no text-generation provider available")
	}
	return gateway.New(providers...).WithLogger(logger), nil
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lernpfad.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "lernpfad version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Refuse to start twice on the same port.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("lernpfad is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Server.APIToken == "" {
		a.logger.Warn("LERNPFAD_API_TOKEN is not set; the API is open to anyone who can reach it")
	}

	handler := api.NewAppHandler(api.AppDeps{
		Jobs:       a.store,
		Service:    a.service,
		Token:      cfg.Server.APIToken,
		PublicURL:  cfg.Server.PublicURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     a.logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.executor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "lernpfad listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Jobs:      a.store,
		Service:   a.service,
		PublicURL: a.cfg.Server.PublicURL,
	}, version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.executor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer stop()
		stdio := server.NewStdioServer(mcpSrv)
		a.logger.Info("MCP server started (stdio transport)")
		if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lernpfad is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lernpfad (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lernpfad (PID %d)", pid)
	return nil
}

func showHealth(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	printStep("Checking %s", client.baseURL)
	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running")
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Ollama.Enabled {
		oc := ollama.New(cfg.Ollama.BaseURL)
		switch {
		case !oc.IsRunning(ctx):
			printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
		case !oc.HasModel(ctx, cfg.Ollama.Model):
			printStatus("Ollama", "running, model %s missing", cfg.Ollama.Model)
		default:
			printStatus("Ollama", "%s at %s", cfg.Ollama.Model, cfg.Ollama.BaseURL)
		}
	}
	if cfg.OpenRouter.APIKey != "" {
		printStatus("OpenRouter", "%s", cfg.OpenRouter.Model)
	}
	if cfg.OpenAI.APIKey != "" {
		printStatus("OpenAI", "%s", cfg.OpenAI.Model)
	}

	if running {
		if resp, err := client.get(ctx, "/api/jobs?limit=100"); err == nil {
			var jobs []json.RawMessage
			if decodeJSON(resp, &jobs) == nil {
				printStatus("Recent jobs", "%s", countLabel(len(jobs), 100))
			}
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	if cfg.Storage.Driver == config.DriverSQLite {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
