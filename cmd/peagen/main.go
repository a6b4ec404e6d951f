package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/config"
	"github.com/swarmauri/peagen/internal/gateway"
)

var rootCmd = &cobra.Command{
	Use:   "peagen",
	Short: "peagen - provenance-tracked task ledger",
	Long: `peagen coordinates workers that turn task specs into committed revisions.
Every artefact is stored by content hash and every revision is recorded in an
append-only provenance ledger.`,
	SilenceUsage: true,
}

var (
	gatewayAddr string
	configPath  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "", "Gateway URL (default from config, http://127.0.0.1:7466)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.peagen/config.yaml)")

	rootCmd.AddCommand(gatewayCmd, workerCmd)
	rootCmd.AddCommand(submitCmd, mutateCmd, fanoutCmd, cancelCmd, statusCmd, taskCmd)
	rootCmd.AddCommand(fetchCmd, logCmd, lineageCmd, workersCmd, labelCmd)
	rootCmd.AddCommand(tuiCmd)
}

// loadConfig reads the config file and applies the --gateway flag.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromHome()
	}
	if err != nil {
		return nil, err
	}
	if gatewayAddr != "" {
		cfg.GatewayURL = gatewayAddr
	}
	return cfg, nil
}

func newClient() (*gateway.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(cfg.GatewayURL), nil
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), gateway.DefaultClientTimeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05.000")
}
