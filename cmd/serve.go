package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/discovery"
	"github.com/mcpgate/mcpgate/internal/gateway"
	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/logwatch"
	"github.com/mcpgate/mcpgate/internal/proxy"
	"github.com/mcpgate/mcpgate/internal/server"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/supervisor"
	"github.com/mcpgate/mcpgate/internal/transport"
)

var (
	// Serve command flags
	websocketPort int
	host          string
)

const gracefulShutdownTimeout = 10 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mcpgate gateway",
	Long: `Start the mcpgate gateway which provides:
- stdio-to-HTTP proxy bridges for spawned MCP servers
- bounded auto-restart supervision of system servers
- tool discovery with a TTL cache
- per-server log files with live WebSocket streaming
- an MCP control plane over stdio

Server definitions are read from <data-dir>/servers.json at startup.
Enabled system servers are started automatically.`,
	Example: `  # Start gateway with default settings (localhost:8765)
  mcpgate serve

  # Start on a specific host and port
  mcpgate serve --host 0.0.0.0 --websocket-port 9000

  # Start with verbose logging
  mcpgate serve --verbose`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Serve-specific flags (these will override config file values)
	serveCmd.Flags().IntVar(&websocketPort, "websocket-port", 0, "WebSocket server port (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", "", "Host to bind the WebSocket server to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	actualHost := cfg.Gateway.Host
	actualPort := cfg.Gateway.WebSocketPort
	if host != "" {
		actualHost = host
	}
	if websocketPort != 0 {
		actualPort = websocketPort
	}
	if actualPort < 1 || actualPort > 65535 {
		return fmt.Errorf("invalid websocket port: %d (must be 1-65535)", actualPort)
	}
	if actualHost == "" {
		return fmt.Errorf("host cannot be empty")
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	logDir := cfg.LogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %q: %w", logDir, err)
	}

	st := store.NewMemoryStore()
	if err := loadServers(filepath.Join(cfg.Gateway.DataDir, "servers.json"), st); err != nil {
		return err
	}

	watchers := logwatch.NewManager(logDir, cfg.LogWatch.SubscriberBuffer, logger)
	defer watchers.Close()

	proxies := proxy.NewManager(proxy.ManagerOptions{
		PortRangeStart:     cfg.Proxy.PortRangeStart,
		PortRangeEnd:       cfg.Proxy.PortRangeEnd,
		RequestTimeout:     int(cfg.Proxy.RequestTimeout.Seconds()),
		NotificationBuffer: cfg.Proxy.NotificationBuffer,
		Logger:             logger,
		LogDir:             logDir,
	})

	registry := gateway.NewRegistry(gateway.Options{
		Store:   st,
		Proxies: proxies,
		Logger:  logger,
	})

	disc := discovery.New(st, st, proxyResolver(proxies), discovery.Options{
		CacheTTL:       cfg.Discovery.CacheTTL,
		RequestTimeout: cfg.Discovery.RequestTimeout,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.ReconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	defer registry.ShutdownAll(context.Background())

	if cfg.Supervisor.Enabled {
		sup := supervisor.New(st, registry, registry, supervisor.Options{
			CheckInterval:      cfg.Supervisor.CheckInterval,
			MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
			RestartDelay:       cfg.Supervisor.RestartDelay,
			Logger:             logger,
		})
		sup.Start(ctx)
		defer sup.Stop()
	}

	wsServer := server.NewWebSocketServer(watchers, logger)
	defer wsServer.Close()

	mcpServer := server.NewMCPServer(server.MCPServerOptions{
		Store:     st,
		Registry:  registry,
		Proxies:   proxies,
		Discovery: disc,
		LogDir:    logDir,
		Logger:    logger,
		Version:   Version,
	})
	defer mcpServer.Stop()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	// HTTP server for WebSocket log streaming
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", wsServer.HandleWebSocket)

		httpServer := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", actualHost, actualPort),
			Handler: mux,
		}

		go func() {
			logger.Info("WebSocket server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("WebSocket server error", "error", err)
			}
		}()

		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("WebSocket server shutdown error", "error", err)
		}
	}()

	// MCP control plane on stdio
	wg.Add(1)
	go func() {
		defer wg.Done()

		logger.Info("MCP control plane starting on stdio")
		if err := mcpServer.Serve(); err != nil {
			logger.Error("MCP server error", "error", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "mcpgate is ready. WebSocket log stream: ws://%s:%d/ws\n", actualHost, actualPort)
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to stop the gateway.\n")

	// Wait for shutdown signal
	<-sigChan

	fmt.Fprintf(os.Stderr, "\nShutting down mcpgate...\n")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		fmt.Fprintf(os.Stderr, "Gateway stopped gracefully.\n")
	case <-time.After(gracefulShutdownTimeout):
		fmt.Fprintf(os.Stderr, "Gateway shutdown timeout - force stopping.\n")
	}

	return nil
}

// proxyResolver maps a server to its reachable HTTP endpoint for tool
// discovery. Stdio servers resolve through their bridge, remote servers
// through their configured URL.
func proxyResolver(proxies *proxy.Manager) discovery.URLResolver {
	return func(srv *store.ServerDescriptor) string {
		switch srv.Transport {
		case store.TransportStdio:
			if url, ok := proxies.GetProxyURL(srv.ID); ok {
				return url
			}
			return ""
		case store.TransportHTTP:
			return transport.DeriveEndpoint(srv.URL)
		case store.TransportSSE:
			return srv.URL
		default:
			return ""
		}
	}
}

// loadServers reads server definitions from a JSON file into the store.
// A missing file is not an error; the gateway starts empty.
func loadServers(path string, st store.ServerStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info("No server definitions found", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read %q: %w", path, err)
	}

	var servers []*store.ServerDescriptor
	if err := json.Unmarshal(data, &servers); err != nil {
		return fmt.Errorf("failed to parse %q: %w", path, err)
	}

	ctx := context.Background()
	for _, srv := range servers {
		if srv.ID == "" {
			return fmt.Errorf("server definition in %q is missing an id", path)
		}
		if err := st.SaveServer(ctx, srv); err != nil {
			return fmt.Errorf("failed to load server %q: %w", srv.ID, err)
		}
	}
	logging.Info("Loaded server definitions", "path", path, "count", len(servers))
	return nil
}
