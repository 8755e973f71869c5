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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"electroexpert/internal/api"
	"electroexpert/internal/cloud"
	"electroexpert/internal/composer"
	"electroexpert/internal/config"
	"electroexpert/internal/conversation"
	"electroexpert/internal/gateway"
	"electroexpert/internal/manual"
	"electroexpert/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the electroexpert server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running electroexpert server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show electroexpert system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "electroexpert.pid")
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
	fmt.Fprintf(os.Stderr, "electroexpert version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("electroexpert is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("electroexpert is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Model gateway and chat session.
	gw := gateway.NewClient(cfg.Gateway.APIKey, cfg.Gateway.Model)
	gw.SetTimeout(cfg.GatewayTimeout())
	haveAPIKey := cfg.Gateway.APIKey != ""

	comp := composer.New(cfg.Chat.HistoryWindow, cfg.Chat.Temperature)
	chat := conversation.NewService(store, gw, comp)
	ingestor := manual.NewIngestor(store)

	// Cloud sync is optional; without a token everything stays local.
	var (
		cloudClient *cloud.Client
		cloudQueue  *cloud.Queue
	)
	if cfg.Cloud.AccessToken != "" {
		cloudClient = cloud.NewClient(cloud.StaticTokenSource{AccessToken: cfg.Cloud.AccessToken}, cfg.CloudSigninTimeout())
		cloudQueue = cloud.NewQueue(store)
		worker := cloud.NewWorker(store, cloudClient, cfg.CloudSyncInterval())
		go worker.Run(ctx)
		slog.Info("cloud sync worker started", "interval", cfg.CloudSyncInterval())

		// No local key: the settings object at the sync root may hold one.
		if !haveAPIKey {
			if ok, err := cloudClient.SignIn(ctx); err == nil && ok {
				if rs, err := cloudClient.FetchRemoteSettings(ctx); err != nil {
					slog.Warn("fetching cloud settings object", "error", err)
				} else if rs != nil && rs.GatewayAPIKey != "" {
					gw.SetAPIKey(rs.GatewayAPIKey)
					haveAPIKey = true
					slog.Info("gateway API key loaded from cloud settings object")
				}
			}
		}
	}
	if !haveAPIKey {
		slog.Warn("no gateway API key configured; chat requests will fail until one is set")
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Chat:     chat,
		Ingestor: ingestor,
		Queue:    cloudQueue,
		Cloud:    cloudClient,
		Token:    cfg.Server.AuthToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store: store,
		Chat:  chat,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "electroexpert listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("electroexpert is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop electroexpert (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to electroexpert (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.Gateway.Model)
	if cfg.Gateway.APIKey == "" {
		printStatus("Gateway", "no API key configured")
	} else {
		printStatus("Gateway", "API key configured")
	}

	if running {
		apiC := newAPIClient(cfg)
		if resp, err := apiC.get("/cloud/status"); err == nil {
			var status struct {
				Connected bool `json:"connected"`
			}
			if decodeJSON(resp, &status) == nil {
				if status.Connected {
					printStatus("Cloud sync", "connected")
				} else {
					printStatus("Cloud sync", "not connected")
				}
			}
		}
		if resp, err := apiC.get("/collections"); err == nil {
			var collections []struct {
				ID string `json:"id"`
			}
			if decodeJSON(resp, &collections) == nil {
				printStatus("Knowledge bases", "%d", len(collections))
			}
		}
		if resp, err := apiC.get("/attachments"); err == nil {
			var attachments []struct {
				ID string `json:"id"`
			}
			if decodeJSON(resp, &attachments) == nil {
				printStatus("Manuals", "%d", len(attachments))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
