package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/audit"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/config"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/platform/otel"
	"github.com/swarmauri/peagen/internal/store"
	"github.com/swarmauri/peagen/internal/store/postgres"
	"github.com/swarmauri/peagen/internal/store/sqlite"
)

var (
	listenAddr  string
	storeDriver string
	storeDSN    string
	cafURI      string
	noVerify    bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway",
	Long:  `Starts the gateway: the JSON-RPC API, the object endpoint and the lease reaper.`,
	Args:  cobra.NoArgs,
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address")
	gatewayCmd.Flags().StringVar(&storeDriver, "store", "", "Store driver: sqlite or postgres")
	gatewayCmd.Flags().StringVar(&storeDSN, "dsn", "", "SQLite path or postgres connection string")
	gatewayCmd.Flags().StringVar(&cafURI, "caf", "", "Object store URI (file://, mem://)")
	gatewayCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Accept reported rev hashes without recomputing them")
}

func openStore(ctx context.Context, cfg config.GatewayConfig) (*store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, postgres.Options{MaxOpenConns: cfg.MaxOpenConns})
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlite.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gc := cfg.Gateway
	if listenAddr != "" {
		gc.Listen = listenAddr
	}
	if storeDriver != "" {
		gc.StoreDriver = storeDriver
	}
	if storeDSN != "" {
		gc.DSN = storeDSN
	}
	if cafURI != "" {
		gc.CAFURI = cafURI
	}
	if noVerify {
		gc.VerifyRevHash = false
	}

	log := logger.Setup(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With().Str("component", "gateway").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "peagen-gateway", otel.Options{
		Endpoint: cfg.Telemetry.Endpoint,
		Enabled:  cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	s, err := openStore(ctx, gc)
	if err != nil {
		return err
	}
	objects, err := caf.Open(gc.CAFURI)
	if err != nil {
		s.Close()
		return err
	}

	opts := gateway.DefaultOptions()
	opts.LeaseTTL = gc.LeaseTTL
	opts.WorkerTTL = gc.WorkerTTL
	opts.VerifyRevHash = gc.VerifyRevHash

	service := gateway.NewService(s, objects, audit.NewRecorder(s, log), log, opts)
	dispatcher := gateway.NewDispatcher(service, gc.ReapInterval)
	server := gateway.NewServer(service, dispatcher, gc.Listen, log)

	dispatcher.Start()
	defer dispatcher.Stop()

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.Info().
		Str("listen", gc.Listen).
		Str("store", gc.StoreDriver).
		Str("caf", gc.CAFURI).
		Bool("verify_rev_hash", gc.VerifyRevHash).
		Dur("lease_ttl", gc.LeaseTTL).
		Msg("gateway started")

	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			s.Close()
			return err
		}
	}

	return shutdownGateway(log, server, s, shutdownTracing)
}

func shutdownGateway(log zerolog.Logger, server *gateway.Server, s *store.Store, shutdownTracing func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Msg("shutting down HTTP server")
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown error")
	}

	log.Info().Msg("closing database connection")
	if err := s.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
