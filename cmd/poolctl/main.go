package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"TrancheLedger/internal/server"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	addr      string
	timeout   time.Duration
	commandID string
)

var rootCmd = &cobra.Command{
	Use:           "poolctl",
	Short:         "Operate TrancheLedger pools over gRPC",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("TRANCHE_GRPC_TARGET", "localhost:9090"), "TrancheLedger gRPC address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
	rootCmd.PersistentFlags().StringVar(&commandID, "command-id", "", "idempotency key (default: random)")

	registerCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// withClient dials addr and runs fn with a deadline-bound context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.PoolClient) (any, error)) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := fn(ctx, server.NewPoolClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func nextCommandID() string {
	if commandID != "" {
		return commandID
	}
	return uuid.NewString()
}
