package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chanwire/chanwire/internal/api"
	"github.com/chanwire/chanwire/internal/channel"
	"github.com/chanwire/chanwire/internal/config"
	"github.com/chanwire/chanwire/internal/observability"
	"github.com/chanwire/chanwire/internal/realtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chanwire server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting chanwire")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	metrics := observability.NewMetrics()

	ch, err := channel.New(&cfg.Channel, metrics)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create channel backend")
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("Channel close failed")
		}
	}()

	manager := realtime.NewManager(context.Background(), ch, cfg.Realtime)
	manager.SetMetrics(metrics)
	defer manager.Close()

	handler := realtime.NewHandler(manager, cfg.Realtime)
	server := api.NewServer(cfg, handler, metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed")
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	log.Info().Msg("Server exited")
	return nil
}
