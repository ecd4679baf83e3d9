// Command browsermcp exposes browser automation over MCP stdio.
//
// The process hosts the relay connection and the session scanner, and serves
// the tool surface to an MCP client on stdin/stdout. Logs go to stderr so
// they never corrupt the transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	browsermcp "github.com/dmorrill/multi-browser-mcp-sub000"
	"github.com/dmorrill/multi-browser-mcp-sub000/internal/mcptool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "browsermcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		port        = flag.Int("port", 0, "preferred relay listen port (shifts the scan range when outside it)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		forceLocal  = flag.Bool("force-local", false, "ignore stored credentials and always host a local relay")
		enableStart = flag.Bool("enable", false, "bring the relay connection up immediately")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("browsermcp %s\n", browsermcp.Version)
		return nil
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if setFlags["port"] {
		cfg.Port = *port
		if !cfg.ScanRange.Contains(*port) {
			span := cfg.ScanRange.Len()
			cfg.ScanRange = browsermcp.PortRange{Start: *port, End: *port + span - 1}
		}
	}
	if setFlags["force-local"] {
		cfg.ForceLocal = *forceLocal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := browsermcp.NewClient()
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("close failed", "error", closeErr)
		}
	}()

	if err := client.Start(ctx,
		browsermcp.WithLogger(log),
		browsermcp.WithConfig(cfg),
	); err != nil {
		return err
	}

	client.OnInterrupt(func(cause error) {
		log.Warn("relay connection interrupted", "cause", cause)
	})

	if *enableStart {
		snap, err := client.Enable(ctx)
		if err != nil {
			return fmt.Errorf("failed to enable relay: %w", err)
		}
		log.Info("relay enabled", "state", snap.State, "port", snap.Port)
	}

	srv := mcptool.NewServer(client, browsermcp.DefaultClientName, browsermcp.Version, log)

	log.Info("serving MCP on stdio", "version", browsermcp.Version)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutting down")

	return nil
}

// loadConfig reads the named file, or returns defaults when no file is given.
func loadConfig(path string) (*browsermcp.Config, error) {
	if path == "" {
		return browsermcp.DefaultConfig(), nil
	}

	return browsermcp.LoadConfig(path)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
