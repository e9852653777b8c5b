package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cconner2023/medsync/internal/buildinfo"
	"github.com/cconner2023/medsync/internal/config"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/remote"
	"github.com/cconner2023/medsync/internal/session"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	userID := os.Getenv("MEDSYNC_USER")
	if userID == "" {
		log.Fatal("MEDSYNC_USER must be set")
	}
	clinicID := os.Getenv("MEDSYNC_CLINIC")

	// TODO: replace with the HTTP-backed store once the backend endpoint
	// contract is finalized
	store := remote.NewInMemory()

	s, err := session.Start(ctx, userID, clinicID, store, session.Options{
		DatabaseDSN:   cfg.DatabaseDSN,
		KeyCachePath:  cfg.KeyCachePath,
		ProbeInterval: cfg.OnlineCheckInterval,
		Sync:          cfg.Sync,
		Reconcile:     cfg.Pull,
	}, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if err := s.Close(); err != nil {
		logger.Error(ctx, "shutdown failed", "error", err)
	}
}
