package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/engine"
	"github.com/mcdev12/lanride/go/internal/gateway"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this rider's node and the UI gateway",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().Bool("simulate", false, "Broadcast simulated power, cadence and heart rate")
	runCmd.Flags().Bool("host", false, "Host a session as soon as the node is up")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	simulate, _ := cmd.Flags().GetBool("simulate")
	host, _ := cmd.Flags().GetBool("host")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sinks, err := setupSinks(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer sinks.Close()

	var source engine.MetricsSource
	if simulate {
		source = newSimulator(clockwork.NewRealClock(), defaultSampleInterval)
	}
	eng, err := setupEngine(cfg, sinks.sinks, source)
	if err != nil {
		return err
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("engine failed")
		}
	}()

	if sinks.jetstream != nil && cfg.History.NATS.Bridge {
		ch, unsubscribe := eng.Subscribe("nats-bridge", 1024)
		defer unsubscribe()
		go sinks.jetstream.Bridge(ctx, ch)
	}

	gatewayService := gateway.NewService(gatewayConfig(cfg.Gateway), eng)
	go func() {
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	server := setupServer(cfg.Gateway, gatewayService)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	if host {
		sess, err := eng.HostSession(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to host session")
		} else {
			log.Info().Str("session_id", sess.ID.String()).Msg("hosting session")
		}
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("engine did not stop in time")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
