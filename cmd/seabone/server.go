package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/seabone/internal/api"
	"github.com/kalambet/seabone/internal/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the seabone server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running seabone server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show seabone system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "seabone.pid")
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

// resolveToken returns the API token: the configured one if set, otherwise
// the one stored under the data dir.
func resolveToken(cfg config.Config) (string, error) {
	if cfg.Server.Token != "" {
		return cfg.Server.Token, nil
	}
	data, err := os.ReadFile(cfg.TokenPath())
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ensureToken is resolveToken for the server: a missing token file is
// created with a fresh random token.
func ensureToken(cfg config.Config) (string, error) {
	token, err := resolveToken(cfg)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	token = strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	if err := os.MkdirAll(filepath.Dir(cfg.TokenPath()), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(cfg.TokenPath(), []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "seabone version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Server.Addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("seabone is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("seabone is already running on %s", cfg.Server.Addr)
		return fmt.Errorf("server already running on %s", cfg.Server.Addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	token, err := ensureToken(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.startProviders(ctx)

	handler := api.NewHandler(api.Deps{
		Dispatcher:  rt.dispatcher,
		Sessions:    rt.sessions,
		Catalog:     rt.loop,
		Providers:   rt.providers,
		Audit:       rt.audit,
		Maintenance: rt.maint,
		Token:       token,
		Version:     version,
		Started:     time.Now(),
		Logger:      logger,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "seabone listening on %s\n", cfg.Server.Addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rt.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := config.Watch(gctx, configPath, logger, rt.reload); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
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
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("seabone is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop seabone (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to seabone (PID %d)", pid)
	return nil
}

type healthInfo struct {
	Status             string         `json:"status"`
	Version            string         `json:"version"`
	Uptime             string         `json:"uptime"`
	ProvidersReady     int            `json:"providers_ready"`
	ProvidersTotal     int            `json:"providers_total"`
	CompactionFailures map[string]int `json:"compaction_failures"`
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    "http://" + cfg.Server.Addr,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthInfo
		if err := decodeJSON(resp, &h); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			printStatus("Server", "running on %s (version %s, up %s)", cfg.Server.Addr, h.Version, h.Uptime)
			printStatus("Providers", "%d/%d ready", h.ProvidersReady, h.ProvidersTotal)
			for key, n := range h.CompactionFailures {
				printWarning("session %s: %d consecutive compaction failures", key, n)
			}
		}
	}

	printStatus("Model", "%s (%s)", cfg.Reasoning.Model, cfg.Reasoning.BaseURL)
	printStatus("Reset mode", "%s", cfg.Session.ResetMode)
	enabled := 0
	for _, j := range cfg.Scheduler.Jobs {
		if j.IsEnabled() {
			enabled++
		}
	}
	printStatus("Jobs", "%d enabled of %d", enabled, len(cfg.Scheduler.Jobs))
	printStatus("Data dir", "%s", cfg.DataDir)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
