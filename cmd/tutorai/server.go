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
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kalambet/tutorai/internal/api"
	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/config"
	"github.com/kalambet/tutorai/internal/delivery"
	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/quality"
	"github.com/kalambet/tutorai/internal/registry"
	"github.com/kalambet/tutorai/internal/rewrite"
	"github.com/kalambet/tutorai/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tutorai server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tutorai server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tutorai status and budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tutorai.pid")
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

// setupLogging installs the default slog logger. With a log file configured,
// records also go to a size-rotated file.
func setupLogging(lc config.LogConfig) (closeLog func() error) {
	var w io.Writer = os.Stderr
	closeLog = func() error { return nil }
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closeLog = lj.Close
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLevel(lc.Level)})))
	return closeLog
}

// app holds the wired components of a running server.
type app struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	cache    *cache.Cache
	orch     *rewrite.Orchestrator
	worker   *delivery.Worker
}

func buildInvoker(cfg config.Config) *invoker.Invoker {
	inv := invoker.New(cfg.Providers.Timeout)
	inv.Register(config.ProviderOpenRouter, invoker.NewHTTPProvider(
		config.ProviderOpenRouter,
		cfg.Providers.OpenRouterURL,
		invoker.WithAPIKey(cfg.Providers.OpenRouterAPIKey),
		invoker.WithRateLimit(cfg.Providers.OpenRouterRPS),
	))
	inv.Register(config.ProviderLocal, invoker.NewHTTPProvider(config.ProviderLocal, cfg.Providers.LocalURL))
	return inv
}

func buildApp(cfg config.Config, store *storage.Store) (*app, error) {
	reg, err := registry.Load(cfg.Registry.File, cfg.Providers.Default)
	if err != nil {
		return nil, fmt.Errorf("loading model registry: %w", err)
	}

	led := ledger.New(cfg.Budget.Ceiling, store)
	spent, err := store.SpendByModel()
	if err != nil {
		return nil, fmt.Errorf("restoring spend: %w", err)
	}
	led.Restore(spent)

	c, err := cache.New(cfg.Cache.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	inv := buildInvoker(cfg)

	deps := rewrite.Deps{
		Registry: reg,
		Invoker:  inv,
		Ledger:   led,
		Cache:    c,
		Recorder: delivery.NewRecorder(store, cfg.Callback.URL),
	}
	if cfg.Quality.Enabled {
		desc, err := reg.Resolve(registry.TaskChat, registry.TierBudget)
		if err != nil {
			slog.Warn("quality check disabled, no grader model", "error", err)
		} else {
			deps.Grader = quality.NewGrader(inv, desc)
		}
	}

	orch := rewrite.New(deps, rewrite.Config{
		QualityThreshold:  cfg.Quality.Threshold,
		MaxOptimizePasses: cfg.Quality.MaxOptimizePasses,
		SameTierRetries:   cfg.Rewrite.SameTierRetries,
		RetryBackoff:      cfg.Rewrite.RetryBackoff,
		Deadline:          cfg.Rewrite.Deadline,
		NearExhaustion:    cfg.Budget.NearExhaustion,
		CacheTTL:          cfg.Cache.TTL,
		BatchConcurrency:  cfg.Rewrite.BatchConcurrency,
		Temperature:       cfg.Rewrite.Temperature,
	})

	return &app{
		registry: reg,
		ledger:   led,
		cache:    c,
		orch:     orch,
		worker:   delivery.NewWorker(store, nil, cfg.Callback.PollInterval),
	}, nil
}

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	closeLog := setupLogging(cfg.Log)
	defer closeLog()
	slog.Info("starting tutorai", "version", version, "provider", cfg.Providers.Default)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tutorai is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tutorai is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	a, err := buildApp(cfg, store)
	if err != nil {
		return err
	}

	go a.cache.Run(ctx, cfg.Cache.SweepInterval)
	go a.worker.Run(ctx)

	handler := api.NewHandler(api.AppDeps{
		Rewriter: a.orch,
		Store:    store,
		Ledger:   a.ledger,
		Registry: a.registry,
		Cache:    a.cache,
		Token:    apiToken,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Rewriter: a.orch,
			Store:    store,
			Ledger:   a.ledger,
			Cache:    a.cache,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight rewrites get the run deadline to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second+cfg.Rewrite.Deadline)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("tutorai is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tutorai (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tutorai (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Providers.Default)
	if cfg.Registry.File != "" {
		printStatus("Registry", "%s", cfg.Registry.File)
	} else {
		printStatus("Registry", "built-in defaults")
	}

	if running {
		if client, err := newAPIClient(); err == nil {
			var b budgetReport
			if resp, err := client.get(ctx, "/v1/budget"); err == nil && decodeJSON(resp, &b) == nil {
				printStatus("Budget", "%s", b.summary())
			}
			var list []json.RawMessage
			if resp, err := client.get(ctx, "/v1/rewrites?limit=100"); err == nil && decodeJSON(resp, &list) == nil {
				printStatus("Rewrites", "%s", countLabel(len(list), 100))
			}
			var jobs map[string]int
			if resp, err := client.get(ctx, "/v1/deliveries"); err == nil && decodeJSON(resp, &jobs) == nil {
				printStatus("Callbacks", "%d pending, %d failed", jobs["pending"]+jobs["running"], jobs["failed"])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
