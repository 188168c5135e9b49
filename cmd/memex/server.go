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
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/memex/internal/api"
	"github.com/kalambet/memex/internal/archive"
	"github.com/kalambet/memex/internal/config"
	"github.com/kalambet/memex/internal/entry"
	"github.com/kalambet/memex/internal/mirror"
	"github.com/kalambet/memex/internal/repair"
	"github.com/kalambet/memex/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the memex server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpMode)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memex server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memex status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools on stdio instead of HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "memex.pid")
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

// daemon is the wired set of long-lived components behind both transports.
type daemon struct {
	store    *storage.Store
	files    *mirror.FileStore
	queue    *repair.Queue
	svc      *entry.Service
	worker   *repair.Worker
	archiver *archive.Archiver

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func openDaemon(cfg config.Config) (*daemon, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	files, err := mirror.OpenFileStore(cfg.Storage.MirrorPath(), cfg.Storage.MirrorCacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening mirror: %w", err)
	}

	queue := repair.NewQueue(store)
	svc := entry.New(entry.Deps{Primary: store, Mirror: files, Repairs: queue})

	return &daemon{
		store:  store,
		files:  files,
		queue:  queue,
		svc:    svc,
		worker: repair.NewWorker(store, svc, cfg.Repair.Poll()),
		archiver: archive.New(svc, svc, archive.Options{
			Threshold: cfg.Archive.Threshold(),
			Interval:  cfg.Archive.SweepInterval(),
		}),
	}, nil
}

// start launches the background loops on a context owned by the daemon, so
// close can stop them even when parent is never cancelled.
func (d *daemon) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.files.Watch(ctx); err != nil {
			slog.Warn("mirror watcher stopped", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.worker.Run(ctx)
	}()
	return d.archiver.Start(ctx)
}

// close stops every background loop before the store goes away.
func (d *daemon) close() {
	d.archiver.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func setupLogging(cfg config.Config) {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runServer(mcpMode bool) error {
	fmt.Fprintf(os.Stderr, "memex version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mcpMode {
		return runMCP(ctx, cfg)
	}

	// Refuse to start a second instance on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("memex is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("memex is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	d, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if err := d.start(ctx); err != nil {
		return fmt.Errorf("starting archiver: %w", err)
	}

	if cfg.Server.APIToken == "" {
		slog.Info("API bearer token not set, authentication disabled")
	}
	handler := api.NewAppHandler(api.AppDeps{
		Service:  d.svc,
		Archiver: d.archiver,
		Repairs:  d.queue,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "memex listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// runMCP serves the MCP tools on stdin/stdout. Logs stay on stderr so the
// protocol stream is not corrupted.
func runMCP(ctx context.Context, cfg config.Config) error {
	d, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.start(ctx); err != nil {
		return fmt.Errorf("starting archiver: %w", err)
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: d.svc})
	slog.Info("MCP server started (stdio transport)")
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("memex is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop memex (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to memex (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var health struct {
		Status  string `json:"status"`
		Entries int    `json:"entries"`
	}
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case decodeJSON(resp, &health) != nil:
		printStatus("Server", "running on port %d, store unavailable", cfg.Server.Port)
	default:
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Entries", "%d", health.Entries)
	}

	if err == nil {
		var st api.StatusResponse
		if resp, err := client.get(ctx, "/maintenance/status"); err == nil && decodeJSON(resp, &st) == nil {
			if st.LastSweep != nil {
				printStatus("Last sweep", "%s", st.LastSweep.Local().Format(time.RFC1123))
			} else {
				printStatus("Last sweep", "never")
			}
			printStatus("Pending repairs", "%d", st.PendingRepairs)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Mirror dir", "%s", cfg.Storage.MirrorPath())
	printStatus("Config file", "%s", config.ConfigFilePath())
	return nil
}
