package main

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/lsmkv/lsmkv/pkg/config"
)

// initConfig loads the YAML config from path. If the file does not
// exist, config.Default() is returned instead of an error.
func initConfig(path string) (config.Config, error) {
	var cfg config.Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// initLogger installs the global slog.Logger, either JSON or text
// handler depending on cfg.
func initLogger(cfg *config.Config) {
	level := parseLevel(cfg.Logger.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
