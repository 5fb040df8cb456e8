// ABOUTME: Operator subcommands: gRPC health probe, client listing and ledger history
// ABOUTME: health and clients talk to the status server; history reads the ledger database

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/ksync/internal/config"
	"github.com/2389/ksync/internal/master"
	"github.com/2389/ksync/internal/registry"
	"github.com/2389/ksync/internal/status"
	"github.com/2389/ksync/internal/store"
)

func loadServerConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(config.ServerPath())
	if err != nil {
		return nil, configError(fmt.Errorf("loading config: %w", err))
	}
	return cfg, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}
	if cfg.Status.GRPCAddr == "" {
		return configError(fmt.Errorf("status.grpc_addr is not configured"))
	}

	conn, err := grpc.NewClient(cfg.Status.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Status.GRPCAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: status.ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}

	fmt.Println("healthy")
	return nil
}

func runClients(ctx context.Context) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}
	if cfg.Status.HTTPAddr == "" {
		return configError(fmt.Errorf("status.http_addr is not configured"))
	}

	url := fmt.Sprintf("http://%s/api/clients", cfg.Status.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing clients: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing clients: status %d", resp.StatusCode)
	}

	var clients []registry.Info
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Registered Clients")
	cyan.Println("  ------------------")

	if len(clients) == 0 {
		fmt.Println("  (no clients)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tURL\tREGISTERED")
	fmt.Fprintln(w, "  --\t---\t----------")
	for _, c := range clients {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", c.ID, c.URL, c.RegisteredAt.Local().Format("Jan 02 15:04:05"))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func runHistory(ctx context.Context, args []string) error {
	filter, err := parseHistoryArgs(args)
	if err != nil {
		return &master.StartupError{Code: master.ExitUsage, Err: err}
	}

	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return configError(fmt.Errorf("database.path is not configured"))
	}

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	events, err := ledger.ListEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Ledger")
	cyan.Println("  ------")

	if len(events) == 0 {
		fmt.Println("  (no events)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tKIND\tCLIENT\tMSG\tDETAIL")
	fmt.Fprintln(w, "  ----\t----\t------\t---\t------")
	for _, e := range events {
		detail := ""
		if len(e.Detail) > 0 {
			if b, err := json.Marshal(e.Detail); err == nil {
				detail = string(b)
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04:05"), e.Kind, e.ClientID, e.MessageID, detail)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// parseHistoryArgs parses "--kind K", "--client ID" and "--limit N".
func parseHistoryArgs(args []string) (store.EventFilter, error) {
	var f store.EventFilter
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			return f, fmt.Errorf("%s requires a value", args[i])
		}
		value := args[i+1]
		switch args[i] {
		case "--kind":
			kind := store.EventKind(value)
			if !kind.Valid() {
				return f, fmt.Errorf("unknown event kind %q", value)
			}
			f.Kind = &kind
		case "--client":
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid client id %q", value)
			}
			f.ClientID = &id
		case "--limit":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return f, fmt.Errorf("invalid limit %q", value)
			}
			f.Limit = n
		default:
			return f, fmt.Errorf("unknown flag %s", args[i])
		}
		i++
	}
	return f, nil
}
