package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inclusionAI/asystem-astate/internal/config"
	"github.com/inclusionAI/asystem-astate/internal/transport"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	roleRank := flag.Int("role-rank", 0, "Rank of this process within its role group")
	roleSize := flag.Int("role-size", 1, "Number of processes in the role group")
	localPort := flag.Int("local-port", 0, "Control-plane listener port (fixed-port mode)")
	adminPort := flag.Int("admin-port", 0, "Admin/metrics port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("astate-transfer %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting AState transfer engine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *localPort != 0 {
		cfg.TransferEngine.FixedPort = true
		cfg.TransferEngine.LocalPort = *localPort
	}
	if *adminPort != 0 {
		cfg.AdminPort = *adminPort
	}

	engine := transport.New()
	if !engine.Start(cfg, transport.ParallelConfig{RoleRank: *roleRank, RoleSize: *roleSize}) {
		log.Fatal().Msg("Transfer engine failed to start")
	}
	log.Info().Int("bind_port", engine.GetBindPort()).Msg("Transfer engine ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	admin := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.AdminPort).Msg("Admin endpoint listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = admin.Shutdown(shutdownCtx)
		engine.Stop()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Transfer engine error")
	}
	log.Info().Msg("AState transfer engine shutdown complete")
}
