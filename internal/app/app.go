// Package app assembles the control plane from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/fleet-control-plane/internal/api"
	"github.com/telemyapp/fleet-control-plane/internal/balancer"
	"github.com/telemyapp/fleet-control-plane/internal/config"
	"github.com/telemyapp/fleet-control-plane/internal/health"
	"github.com/telemyapp/fleet-control-plane/internal/inventory"
	"github.com/telemyapp/fleet-control-plane/internal/jobs"
	"github.com/telemyapp/fleet-control-plane/internal/lock"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/meeting"
	"github.com/telemyapp/fleet-control-plane/internal/reconcile"
	"github.com/telemyapp/fleet-control-plane/internal/rooms"
	"github.com/telemyapp/fleet-control-plane/internal/store"
	"github.com/telemyapp/fleet-control-plane/internal/store/memstore"
)

// Store is everything the components need from persistence. Both the
// postgres store and memstore implement it.
type Store interface {
	health.Store
	meeting.Store
	rooms.Store
	reconcile.Store
	inventory.Store
	api.Store
}

type Options struct {
	// Migrate applies the embedded schema before anything else runs.
	Migrate bool
}

type App struct {
	Config     config.Config
	Log        logger.Logger
	Store      Store
	Media      media.Client
	Locker     lock.Locker
	Tracker    *health.Tracker
	Meetings   *meeting.Manager
	Rooms      *rooms.Orchestrator
	Reconciler *reconcile.Reconciler
	Inventory  *inventory.Syncer

	closers []func()
}

func New(ctx context.Context, cfg config.Config, opts Options, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{Config: cfg, Log: log}

	if err := a.openStore(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openInventory(); err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.MediaBackend {
	case "fake":
		a.Media = media.NewFakeClient()
	default:
		a.Media = media.NewHTTPClient(media.HTTPClientOptions{
			ConnectTimeout:  cfg.ConnectTimeout,
			ResponseTimeout: cfg.ResponseTimeout,
		})
	}

	a.Tracker = health.NewTracker(a.Store, health.Thresholds{
		Online:  cfg.OnlineThreshold,
		Offline: cfg.OfflineThreshold,
	}, log)
	a.Meetings = meeting.NewManager(a.Store, a.Media, a.Tracker, meeting.Options{
		CallbackBaseURL:   cfg.CallbackBaseURL,
		CompensateTimeout: cfg.LockWait(),
	}, log)
	a.Rooms = rooms.NewOrchestrator(a.Store, a.Meetings, a.Locker, rooms.Options{
		LockWait: cfg.LockWait(),
		Weights:  Weights(cfg),
	}, log)
	a.Reconciler = reconcile.New(a.Store, a.Media, a.Tracker, a.Meetings, reconcile.Options{
		ServerStats:  cfg.ServerStats,
		MeetingStats: cfg.MeetingStats,
		Workers:      cfg.ReconcileWorkers,
		// Past the room lock lease no start can still be in progress.
		CreatedGrace: 3 * cfg.LockWait(),
	}, log)

	// Hooks run after the health change is committed.
	a.Tracker.SetOnOffline(func(ctx context.Context, serverID string) error {
		if _, err := a.Meetings.DetachAll(ctx, serverID); err != nil {
			return err
		}
		return a.Reconciler.ClearRoomUsage(ctx, serverID)
	})
	a.Tracker.SetOnOnline(a.Reconciler.EndDetached)

	return a, nil
}

func Weights(cfg config.Config) balancer.Weights {
	return balancer.Weights{
		Video:       cfg.WeightVideo,
		Voice:       cfg.WeightVoice,
		Participant: cfg.WeightParticipant,
	}
}

func (a *App) openStore(ctx context.Context, opts Options) error {
	if a.Config.StoreBackend == "memory" {
		a.Log.Warn("using in-memory store, state is lost on restart")
		a.Store = memstore.New()
		return nil
	}

	pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	st := store.New(pool)
	if opts.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Log.Info("schema migrated")
	}
	a.Store = st
	return nil
}

func (a *App) openLocker(ctx context.Context) error {
	if a.Config.LockBackend == "memory" {
		a.Locker = lock.NewMemory()
		return nil
	}
	client, err := lock.Connect(ctx, lock.ConnectOptions{
		Addr:           a.Config.RedisAddr,
		User:           a.Config.RedisUser,
		Password:       a.Config.RedisPassword,
		DB:             a.Config.RedisDB,
		ConnectTimeout: a.Config.ConnectTimeout,
	}, a.Log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Locker = lock.NewRedis(client)
	return nil
}

func (a *App) openInventory() error {
	var sources []inventory.Source
	if a.Config.InventoryFile != "" {
		sources = append(sources, inventory.FileSource{Path: a.Config.InventoryFile})
	}
	if len(a.Config.EC2Regions) > 0 {
		src, err := inventory.NewEC2Source(inventory.EC2Options{
			Regions:     a.Config.EC2Regions,
			TagKey:      a.Config.EC2TagKey,
			TagValue:    a.Config.EC2TagValue,
			SecretTag:   a.Config.EC2SecretTag,
			URLTemplate: a.Config.EC2URLTemplate,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("init ec2 inventory: %w", err)
		}
		sources = append(sources, src)
	}
	a.Inventory = inventory.NewSyncer(a.Store, a.Log, sources...)
	return nil
}

func (a *App) Handler() http.Handler {
	return api.NewRouter(a.Config, api.Deps{
		Rooms:    a.Rooms,
		Meetings: a.Meetings,
		Store:    a.Store,
		Weights:  Weights(a.Config),
		Log:      a.Log,
	})
}

// Jobs returns the periodic work of the jobs worker. Inventory sync is only
// scheduled when a source is configured.
func (a *App) Jobs() []jobs.Job {
	out := []jobs.Job{jobs.ReconcileJob(a.Reconciler, a.Config.ReconcileInterval)}
	if a.Inventory.Enabled() {
		out = append(out, jobs.InventoryJob(a.Inventory, a.Config.InventoryInterval))
	}
	return out
}

// Close waits for background remote calls and releases connections in
// reverse order of opening.
func (a *App) Close() {
	if a.Meetings != nil {
		a.Meetings.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
