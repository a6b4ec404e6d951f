package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/connectors/localexec"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/worker"
)

var (
	workerID          string
	workerPool        string
	workerConcurrency int
	workerHandlers    []string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that claims and executes tasks",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker ID (generated when empty)")
	workerCmd.Flags().StringVar(&workerPool, "pool", "", "Pool to claim from")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Number of tasks executed at once")
	workerCmd.Flags().StringSliceVar(&workerHandlers, "handlers", nil, "Actions to advertise (default: all built-in)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wc := cfg.Worker
	if workerID != "" {
		wc.ID = workerID
	}
	if workerPool != "" {
		wc.Pool = workerPool
	}
	if workerConcurrency > 0 {
		wc.Concurrency = workerConcurrency
	}
	if len(workerHandlers) > 0 {
		wc.Handlers = workerHandlers
	}

	log := logger.Setup(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With().Str("component", "worker").Logger()

	client := gateway.NewClient(cfg.GatewayURL)
	objectsURI := wc.CAFURI
	if objectsURI == "" {
		objectsURI = client.ObjectsURL()
	}
	objects, err := caf.Open(objectsURI)
	if err != nil {
		return err
	}

	handlers, err := worker.DefaultHandlers(localexec.New(wc.ExecAllowlist)).Only(wc.Handlers)
	if err != nil {
		return err
	}

	rt := worker.New(client, objects, handlers, worker.Options{
		ID:               wc.ID,
		Pool:             wc.Pool,
		Concurrency:      wc.Concurrency,
		PollInterval:     wc.PollInterval,
		ProgressInterval: wc.ProgressInterval,
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("gateway", cfg.GatewayURL).
		Str("caf", objectsURI).
		Str("pool", wc.Pool).
		Int("concurrency", wc.Concurrency).
		Strs("handlers", handlers.Names()).
		Msg("worker starting")

	if err := rt.Run(ctx); err != nil {
		return err
	}
	s := rt.Stats()
	log.Info().Int("committed", s.Committed).Int("failed", s.Failed).Int("cancelled", s.Cancelled).Msg("worker totals")
	return nil
}
