// ABOUTME: Entry point for ksync-server, the master coordinator and gateway
// ABOUTME: Serves clients over ZeroMQ and exposes health, client and ledger commands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/ksync/internal/config"
	"github.com/2389/ksync/internal/execution"
	"github.com/2389/ksync/internal/logging"
	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/status"
	"github.com/2389/ksync/internal/store"
	"github.com/2389/ksync/internal/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  _
 | | _____ _   _ _ __   ___
 | |/ / __| | | | '_ \ / __|
 |   <\__ \ |_| | | | | (__
 |_|\_\___/\__, |_| |_|\___|
           |___/    server
`

func usage() {
	fmt.Println("Usage: ksync-server <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                           Start the master and gateway")
	fmt.Println("  health                          Check server health over gRPC")
	fmt.Println("  clients                         List registered clients")
	fmt.Println("  history [--kind K] [--client ID] [--limit N]")
	fmt.Println("                                  Show ledger events")
	fmt.Println("  version                         Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(master.ExitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "clients":
		err = runClients(ctx)
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		cancel()
		os.Exit(master.ExitUsage)
	}
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(master.ExitCode(err, 1))
	}
}

func configError(err error) error {
	return &master.StartupError{Code: master.ExitConfig, Err: err}
}

func runServe(ctx context.Context) error {
	configPath := config.ServerPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return configError(fmt.Errorf("loading config: %w", err))
	}

	logger, logCloser, err := logging.Setup(cfg.Logging, "ksync-server")
	if err != nil {
		return configError(fmt.Errorf("setting up logging: %w", err))
	}
	defer logCloser.Close()

	mcfg, err := cfg.MasterConfig()
	if err != nil {
		return configError(err)
	}
	runtimeDir := cfg.Endpoints.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = transport.RuntimeDir()
	}
	if err := transport.EnsureDir(runtimeDir); err != nil {
		return configError(err)
	}

	var ledger store.Store
	if cfg.Database.Path != "" {
		sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return &master.StartupError{Code: master.ExitStore, Err: fmt.Errorf("opening ledger: %w", err)}
		}
		defer sqlStore.Close()
		ledger = sqlStore
	}

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("Gateway", mcfg.Endpoints.Gateway)
	line("Broadcast", mcfg.Endpoints.Broadcast)
	line("Clients", mcfg.Endpoints.ClientTemplate)
	line("HTTP", orDisabled(cfg.Status.HTTPAddr))
	line("gRPC", orDisabled(cfg.Status.GRPCAddr))
	line("Ledger", orDisabled(cfg.Database.Path))
	fmt.Println()

	logger.Info("starting ksync-server",
		"config", configPath,
		"gateway", mcfg.Endpoints.Gateway,
		"evict_on_error", mcfg.EvictOnError,
	)

	// Sockets must outlive the signal so the shutdown notice can still go out.
	factory := transport.NewZMQFactory(context.WithoutCancel(ctx), logger)
	m := master.New(mcfg, master.Options{
		Factory:  factory,
		Executor: execution.NewShellExecutor(cfg.Commands.Shell, cfg.Commands.Timeout, logger),
		Store:    ledger,
		Logger:   logger,
	})

	var statusErrs <-chan error
	var statusServer *status.Server
	if cfg.Status.HTTPAddr != "" || cfg.Status.GRPCAddr != "" {
		statusServer = status.New(status.Config{
			HTTPAddr: cfg.Status.HTTPAddr,
			GRPCAddr: cfg.Status.GRPCAddr,
		}, m, ledger, logger)
		statusErrs, err = statusServer.Start(ctx)
		if err != nil {
			return &master.StartupError{Code: master.ExitStatus, Err: err}
		}
		defer shutdownStatus(statusServer, logger)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	logger.Info("gateway serving", "gateway", mcfg.Endpoints.Gateway)

	serveDone := make(chan error, 1)
	go func() { serveDone <- m.Serve(ctx) }()

	select {
	case err := <-serveDone:
		return err
	case err := <-statusErrs:
		logger.Error("status server failed", "error", err)
		m.RequestShutdown()
		if serveErr := <-serveDone; serveErr != nil {
			return serveErr
		}
		return &master.StartupError{Code: master.ExitStatus, Err: err}
	}
}

// shutdownStatus stops the status server with a fresh timeout, since the
// serve context is usually already canceled.
func shutdownStatus(s *status.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("status shutdown", "error", err)
	}
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
