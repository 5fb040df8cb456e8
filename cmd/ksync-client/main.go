// ABOUTME: Entry point for ksync-client, an interactive client of ksync-server
// ABOUTME: Registers through the gateway, then echoes lines and runs remote commands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ksync/internal/client"
	"github.com/2389/ksync/internal/config"
	"github.com/2389/ksync/internal/logging"
	"github.com/2389/ksync/internal/message"
	"github.com/2389/ksync/internal/transport"
)

var version = "dev"

func main() {
	if len(os.Args) > 2 || (len(os.Args) == 2 && (os.Args[1] == "-h" || os.Args[1] == "--help")) {
		fmt.Println("Usage: ksync-client [gateway-url]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := config.ClientPath()
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging, "ksync-client")
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logCloser.Close()

	gatewayURL := cfg.GatewayURL()
	if len(os.Args) == 2 {
		gatewayURL = os.Args[1]
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("ksync-client %s, gateway %s\n", version, gatewayURL)

	factory := transport.NewZMQFactory(context.WithoutCancel(ctx), logger)
	sess, err := client.Dial(ctx, factory, gatewayURL, cfg.Options(logger))
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.Close()

	color.New(color.FgGreen).Printf("Connected as client %d\n", sess.ID())

	// A server shutdown notice ends the loop.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		for n := range sess.Notices(ctx) {
			color.New(color.FgYellow).Printf("Server notice: %s\n", message.TypeName(n.Type))
			if n.Type == message.TypeServerShuttingDown {
				stop()
				return
			}
		}
	}()

	r := &repl{sess: sess, lines: readLines(os.Stdin), out: os.Stdout}
	return r.run(ctx)
}
