package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

const statusPingTimeout = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health and index statistics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.config

	cmd.Printf("index      %s", cfg.Index.Backend)
	if chunks, err := a.store.Count(ctx); err != nil {
		cmd.Printf("  unavailable: %v\n", err)
	} else if docs, err := a.store.ListDocuments(ctx); err != nil {
		cmd.Printf("  unavailable: %v\n", err)
	} else {
		cmd.Printf("  %d documents, %d chunks\n", len(docs), chunks)
	}

	cmd.Printf("embedder   %s (%d dimensions)  %s\n",
		a.embedder.ModelID(), a.embedder.Dimension(), pingStatus(ctx, a.embedder.Ping))
	cmd.Printf("generator  %s  %s\n",
		a.generator.ModelID(), pingStatus(ctx, a.generator.Ping))
	cmd.Printf("history    %s\n", cfg.History.Backend)
	cmd.Printf("cache      %s\n", cfg.EmbedCache.Backend)

	if cfg.Metrics.Enabled {
		cmd.Printf("metrics    %s\n", cfg.Metrics.Addr)
	} else {
		cmd.Println("metrics    disabled")
	}

	return nil
}

func pingStatus(ctx context.Context, ping func(context.Context) error) string {
	pingCtx, cancel := context.WithTimeout(ctx, statusPingTimeout)
	defer cancel()

	if err := ping(pingCtx); err != nil {
		return "unreachable: " + err.Error()
	}
	return "ok"
}
