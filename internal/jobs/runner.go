package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telemyapp/fleet-control-plane/internal/inventory"
	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/reconcile"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.SweepResult, error)
}

type Syncer interface {
	Sync(ctx context.Context) (inventory.Result, error)
}

func ReconcileJob(s Sweeper, interval time.Duration) Job {
	return Job{
		Name:     "fleet_reconciliation",
		Interval: interval,
		Run: func(ctx context.Context) error {
			res, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d servers failed to reconcile", res.Failed, res.Servers)
			}
			return nil
		},
	}
}

func InventoryJob(s Syncer, interval time.Duration) Job {
	return Job{
		Name:     "inventory_sync",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.Sync(ctx)
			return err
		},
	}
}

type Runner struct {
	jobs []Job
	log  logger.Logger
	wg   sync.WaitGroup
}

func NewRunner(log logger.Logger, jobs ...Job) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{jobs: jobs, log: log}
}

func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runEvery(ctx, job)
		}()
	}
}

// Wait blocks until every started job loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunAll runs each job once, in order.
func (r *Runner) RunAll(ctx context.Context) error {
	var errs []error
	for _, job := range r.jobs {
		if err := r.runOnce(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) runEvery(ctx context.Context, job Job) {
	r.runOnce(ctx, job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": job.Name,
	}
	if err != nil {
		r.log.Error("job run",
			logger.String("job", job.Name),
			logger.String("status", "error"),
			logger.Duration("duration", time.Since(start)),
			logger.Error(err))
		labels["status"] = "error"
	} else {
		r.log.Info("job run",
			logger.String("job", job.Name),
			logger.String("status", "ok"),
			logger.Duration("duration", time.Since(start)))
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("fleet_job_runs_total", labels)
	metrics.Default().ObserveHistogram("fleet_job_duration_ms", durMs, map[string]string{"job": job.Name})
	return err
}
