// Command lsmkvd runs the LSM key-value store behind a small HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lsmkv/lsmkv/pkg/httpapi"
	"github.com/lsmkv/lsmkv/pkg/store"
)

func main() {
	configPath := flag.String("config", "lsmkvd.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	slog.Info("lsmkvd starting", "data_directory", cfg.Store.DataDirectory, "port", cfg.Server.Port)

	db, err := store.Open(cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(db, cfg.Server.Port)
	if err := server.Start(); err != nil {
		slog.Error("failed to start http server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping http server", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}

	slog.Info("lsmkvd stopped")
}
