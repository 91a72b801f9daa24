// Command nnvisuald serves training control, inference and model management.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"nnvisual/internal/api"
	"nnvisual/internal/dataset"
	"nnvisual/internal/platform"
	"nnvisual/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseServerConfig(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := storage.NewStore(cfg.Store, cfg.storePath())
	if err != nil {
		return err
	}
	source := dataset.Resolve(cfg.DataDir, dataset.DefaultSynthetic())
	svc, err := platform.NewService(platform.Config{
		Store:        store,
		Dataset:      source,
		Training:     cfg.Training,
		Thresholds:   cfg.Thresholds,
		CacheSize:    cfg.CacheSize,
		HistoryCap:   cfg.HistoryCap,
		ArtifactsDir: cfg.ArtifactsDir,
		ExportDir:    cfg.ExportDir,
		Autoload:     cfg.Autoload,
		Untrained:    cfg.Untrained,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Init(ctx); err != nil {
		return err
	}

	srv, err := api.New(api.Options{
		Service:     svc,
		CORSOrigins: cfg.CORSOrigins,
		RequestLog:  cfg.RequestLog,
		Logger:      logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Listen(cfg.Addr)
	}()
	logger.Info("nnvisuald listening", "addr", cfg.Addr, "store", cfg.Store, "dataset", source.Name(), "active_model", svc.Inference().ActiveModel())

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	shutdownErr := errors.Join(srv.Shutdown(shutdownCtx), svc.Shutdown(shutdownCtx))
	return errors.Join(err, shutdownErr)
}

// newLogger picks text output for terminals and JSON otherwise when format is "auto".
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
