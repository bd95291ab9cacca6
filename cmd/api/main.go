package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/telemyapp/fleet-control-plane/internal/app"
	"github.com/telemyapp/fleet-control-plane/internal/config"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
)

type options struct {
	migrate       bool
	syncInventory bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fleet-api: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags applies command line overrides on top of the environment config.
func parseFlags(args []string, cfg *config.Config) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("fleet-api", pflag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.PrettyLog, "pretty-log", cfg.PrettyLog, "human readable console logs")
	fs.StringVar(&cfg.InventoryFile, "inventory", cfg.InventoryFile, "YAML file listing media servers and room types")
	fs.BoolVar(&opts.migrate, "migrate", false, "apply the database schema before serving")
	fs.BoolVar(&opts.syncInventory, "sync-inventory", false, "sync the inventory once before serving")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
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

	if opts.syncInventory && a.Inventory.Enabled() {
		res, err := a.Inventory.Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync inventory: %w", err)
		}
		log.Info("inventory synced", logger.Int("servers", res.Servers), logger.Int("room_types", res.RoomTypes))
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     a.Handler(),
		ReadTimeout: 30 * time.Second,
		// A room start may wait for the lock and then for one remote create.
		WriteTimeout: 2*cfg.LockWait() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("fleet-api listening", logger.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
