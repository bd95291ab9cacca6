package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/telemyapp/fleet-control-plane/internal/app"
	"github.com/telemyapp/fleet-control-plane/internal/config"
	"github.com/telemyapp/fleet-control-plane/internal/jobs"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
)

type options struct {
	once    bool
	migrate bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fleet-jobs: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, cfg *config.Config) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("fleet-jobs", pflag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.PrettyLog, "pretty-log", cfg.PrettyLog, "human readable console logs")
	fs.StringVar(&cfg.InventoryFile, "inventory", cfg.InventoryFile, "YAML file listing media servers and room types")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "time between fleet reconciliation sweeps")
	fs.IntVar(&cfg.ReconcileWorkers, "workers", cfg.ReconcileWorkers, "servers reconciled concurrently")
	fs.BoolVar(&opts.once, "once", false, "run every job once and exit")
	fs.BoolVar(&opts.migrate, "migrate", false, "apply the database schema first")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if cfg.ReconcileInterval <= 0 || cfg.ReconcileWorkers <= 0 {
		return opts, fmt.Errorf("--reconcile-interval and --workers must be positive")
	}
	return opts, nil
}

func run(args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts, err := parseFlags(args, &cfg)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.PrettyLog)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Migrate: opts.migrate}, log)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := jobs.NewRunner(log, a.Jobs()...)
	if opts.once {
		return runner.RunAll(ctx)
	}

	runner.Start(ctx)
	log.Info("fleet-jobs worker started",
		logger.Duration("reconcile_interval", cfg.ReconcileInterval),
		logger.Int("workers", cfg.ReconcileWorkers))
	<-ctx.Done()
	runner.Wait()
	log.Info("fleet-jobs worker stopped")
	return nil
}
