package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-cz/devslog"
	"github.com/joho/godotenv"
	"github.com/zulandar/groupchat/internal/config"
)

// newLogger builds the slog handler selected by the logging config.
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging: level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "dev":
		h = devslog.NewHandler(w, &devslog.Options{HandlerOptions: opts})
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// loadConfig reads an optional .env file into the environment, then loads
// the YAML config at path.
func loadConfig(path string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
