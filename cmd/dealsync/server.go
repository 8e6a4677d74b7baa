package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dealsync/internal/analysis"
	"github.com/kalambet/dealsync/internal/api"
	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/config"
	"github.com/kalambet/dealsync/internal/listener"
	"github.com/kalambet/dealsync/internal/momentum"
	"github.com/kalambet/dealsync/internal/ollama"
	"github.com/kalambet/dealsync/internal/orchestrator"
	"github.com/kalambet/dealsync/internal/pipeline"
	"github.com/kalambet/dealsync/internal/poller"
	"github.com/kalambet/dealsync/internal/provider"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
	"github.com/kalambet/dealsync/internal/transcript"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dealsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dealsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dealsync system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dealsync.pid")
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

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openBus connects to NATS when a URL is configured and falls back to the
// in-process bus otherwise.
func openBus(natsURL string) (bus.Bus, error) {
	if natsURL == "" {
		slog.Info("using in-process event bus")
		return bus.NewMemoryBus(), nil
	}
	b, err := bus.DialNATS(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	slog.Info("connected to NATS event bus", "url", natsURL)
	return b, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "dealsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dealsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dealsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, llm, cfg.Ollama.AnalysisModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	events, err := openBus(cfg.Bus.NATSURL)
	if err != nil {
		return err
	}
	defer events.Close()

	clock := clockwork.NewRealClock()
	prov := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	fetcher := transcript.NewFetcher(prov, store, events)

	recomputer := momentum.NewRecomputer(store, momentum.HeuristicModel{}, events)
	queue := momentum.NewQueue(store)
	worker := momentum.NewWorker(store, recomputer, cfg.Momentum.WorkerPoll)

	cascade := analysis.NewCascade(store, analysis.NewOllamaEngine(llm, cfg.Ollama.AnalysisModel), queue)
	runner := pipeline.NewRunner(fetcher, cascade, store)

	reg := session.NewRegistry(clock)
	sched := poller.New(reg, runner, store, clock, poller.Config{
		IntensiveInterval:     cfg.Sync.IntensiveInterval,
		IntensiveMaxAttempts:  cfg.Sync.IntensiveMaxAttempts,
		BackgroundInterval:    cfg.Sync.BackgroundInterval,
		BackgroundMinInterval: cfg.Sync.BackgroundMinInterval,
	})
	lst := listener.New(ctx, events, reg, runner, store)

	orch := orchestrator.New(ctx, orchestrator.Deps{
		Registry:   reg,
		Scheduler:  sched,
		Runner:     runner,
		Store:      store,
		Reanalyzer: cascade,
		Momentum:   queue,
		Listener:   lst,
		Bus:        events,
		Clock:      clock,
	})
	defer orch.Shutdown()

	resumed, err := orch.Resume(ctx)
	if err != nil {
		slog.Error("resuming background coverage", "error", err)
	} else if resumed > 0 {
		slog.Info("resumed background coverage", "accounts", resumed)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Orchestrator: orch,
			Store:        store,
			Bus:          events,
			Token:        apiToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Orchestrator: orch})
		g.Go(func() error {
			if err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "dealsync listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dealsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dealsync (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dealsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	probe := &http.Client{Timeout: 2 * time.Second}
	running := false
	if resp, err := probe.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err != nil {
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

	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Analysis model", "%s", cfg.Ollama.AnalysisModel)

	if cfg.Bus.NATSURL != "" {
		printStatus("Event bus", "nats (%s)", cfg.Bus.NATSURL)
	} else {
		printStatus("Event bus", "in-process")
	}

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{
			baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
			token:      cfg.Server.APIToken,
			httpClient: probe,
		}
		if sessions, err := fetchSessions(ctx, c, ""); err == nil {
			printStatus("Sessions", "%s", summarizeSessions(sessions))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
