package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/islandhouse2000/islandHouse/internal/app"
	"github.com/islandhouse2000/islandHouse/internal/config"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
// Configuration precedence: file > env > defaults.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("islandhouse", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", os.Getenv("ISLANDHOUSE_CONFIG_FILE"), "path to a YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, cfgErr := config.LoadConfigWithPrecedence(*configPath)

	logger := logging.New(logging.Options{
		Service: cfg.Log.Service,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  stdout,
	})
	if cfgErr != nil {
		logger.Warn("config file ignored, using environment and defaults", logging.Err(cfgErr))
	}

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(application.Serve)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested", slog.String("cause", context.Cause(gctx).Error()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return application.Stop(shutdownCtx)
	})

	return g.Wait()
}
