package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/printdesk/internal/api"
	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/config"
	"github.com/kalambet/printdesk/internal/dispatch"
	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/llm"
	"github.com/kalambet/printdesk/internal/orchestrator"
	"github.com/kalambet/printdesk/internal/outbox"
	"github.com/kalambet/printdesk/internal/prompt"
	"github.com/kalambet/printdesk/internal/session"
	"github.com/kalambet/printdesk/internal/storage"
	"github.com/kalambet/printdesk/internal/timers"
	"github.com/kalambet/printdesk/internal/transport"
)

const sweepInterval = 10 * time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the printdesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(stdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show printdesk server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp-stdio", false, "also serve the MCP tools over stdin/stdout")
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "printdesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Server.APIToken == "" {
		cfg.Server.APIToken = uuid.New().String()
		printWarning("PRINTDESK_API_TOKEN not set; using a one-off token for this run: %s", cfg.Server.APIToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Catalog: serve what the store has, then sync from the sheet.
	var source catalog.Source
	if cfg.Catalog.SheetURL != "" {
		source = catalog.NewSheetSource(cfg.Catalog.SheetURL, cfg.Catalog.InfoURL)
	}
	cat := catalog.New(store, source, cfg.Catalog.ExportURL != "")
	if err := cat.Refresh(ctx); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	if source != nil {
		if err := cat.Sync(ctx); err != nil {
			slog.Warn("initial catalog sync failed, serving stored catalog", "error", err)
		}
		go cat.RunRefresher(ctx, cfg.Catalog.RefreshInterval)
	}
	if len(cat.GetServices(ctx)) == 0 {
		printWarning("catalog is empty; set catalog.sheet_url or run `printdesk catalog import`")
	}

	sessions := session.NewStore(cat, cfg.Session.HistoryWordBudget)
	go sessions.RunSweeper(ctx, sweepInterval, cfg.Session.TTL)

	var webhook orchestrator.Sender
	if cfg.Transport.WebhookURL != "" {
		webhook = transport.NewWebhook(cfg.Transport.WebhookURL, cfg.Transport.WebhookToken)
	}
	router := transport.NewRouter(nil, webhook)

	orch := orchestrator.New(orchestrator.Deps{
		Sessions: sessions,
		Catalog:  cat,
		LLM:      llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout),
		Analyzer: fileanalysis.New(),
		Sender:   router,
		Prompts:  prompt.New(0),
	}, orchestrator.Options{
		Debounce:    cfg.Timers.Debounce,
		IdleWarning: cfg.Timers.IdleWarning,
		IdleExpiry:  cfg.Timers.IdleExpiry,
		Tiers: timers.Tiers{
			OrderCooldown:   cfg.Timers.OrderCooldown,
			HumanEscalation: cfg.Timers.HumanEscalation,
			Abuse:           cfg.Timers.AbuseBlacklist,
		},
		MaxUploadAttempts: cfg.Files.MaxUploadAttempts,
		ConflictPolicy:    dispatch.Policy(cfg.Commands.ConflictPolicy),
	})
	defer orch.Close()

	hub := transport.NewHub(orch)
	defer hub.Close()
	router.SetHub(hub)

	if cfg.Catalog.ExportURL != "" {
		worker := outbox.NewWorker(store, cfg.Catalog.ExportURL, "", 0)
		go worker.Run(ctx)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: orch, Catalog: cat, Orders: store}, version)
	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	handler := api.NewHandler(api.Deps{
		Engine:    orch,
		Catalog:   cat,
		Orders:    store,
		Token:     cfg.Server.APIToken,
		UploadDir: cfg.Files.UploadDir,
		Chat:      hub,
		MCP:       server.NewStreamableHTTPServer(mcpSrv),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "printdesk listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Catalog sheet", "%s", orNone(cfg.Catalog.SheetURL))
	printStatus("Order export", "%s", orNone(cfg.Catalog.ExportURL))
	printStatus("Gateway webhook", "%s", orNone(cfg.Transport.WebhookURL))

	if running && cfg.Server.APIToken != "" {
		c, err := newAPIClient()
		if err == nil {
			if r, err := c.get(ctx, "/v1/sessions"); err == nil {
				var sessions []struct{}
				if decodeJSON(r, &sessions) == nil {
					printStatus("Sessions", "%d", len(sessions))
				}
			}
			if r, err := c.get(ctx, "/v1/blacklist"); err == nil {
				var entries []struct{}
				if decodeJSON(r, &entries) == nil {
					printStatus("Blacklisted", "%d", len(entries))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
