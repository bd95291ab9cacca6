// Package health turns raw media call outcomes into a hysteresis-smoothed
// online/offline state per server.
package health

import (
	"context"
	"sync"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/metrics"
	"github.com/telemyapp/fleet-control-plane/internal/model"
)

type Outcome int

const (
	Success Outcome = iota
	Failure
)

type Transition int

const (
	NoChange Transition = iota
	WentOffline
	WentOnline
)

func (t Transition) String() string {
	switch t {
	case WentOffline:
		return "offline"
	case WentOnline:
		return "online"
	default:
		return "none"
	}
}

// Thresholds are the numbers of consecutive outcomes needed to flip health.
type Thresholds struct {
	Online  int
	Offline int
}

// Apply computes the next health state. Failures count towards going offline
// only while online; successes count towards recovery only while offline.
// Any failure restarts the recovery count.
func Apply(s model.HealthState, o Outcome, th Thresholds) (model.HealthState, Transition) {
	switch o {
	case Failure:
		s.RecoverCount = 0
		if s.Health != model.HealthOnline {
			return s, NoChange
		}
		s.ErrorCount++
		if s.ErrorCount >= th.Offline {
			s.Health = model.HealthOffline
			return s, WentOffline
		}
		return s, NoChange
	default:
		if s.Health == model.HealthOnline {
			s.ErrorCount = 0
			return s, NoChange
		}
		s.RecoverCount++
		if s.RecoverCount >= th.Online {
			return model.HealthState{Health: model.HealthOnline}, WentOnline
		}
		return s, NoChange
	}
}

type Store interface {
	UpdateServerHealth(ctx context.Context, id string, fn func(model.HealthState) model.HealthState) (model.HealthState, model.HealthState, error)
}

// Hook is run after a health flip has been committed.
type Hook func(ctx context.Context, serverID string) error

type Tracker struct {
	store      Store
	thresholds Thresholds
	log        logger.Logger

	mu        sync.RWMutex
	onOffline Hook
	onOnline  Hook
}

func NewTracker(store Store, thresholds Thresholds, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{store: store, thresholds: thresholds, log: log}
}

func (t *Tracker) SetOnOffline(fn Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffline = fn
}

func (t *Tracker) SetOnOnline(fn Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOnline = fn
}

func (t *Tracker) OnFailure(ctx context.Context, serverID string) (Transition, model.HealthState, error) {
	return t.record(ctx, serverID, Failure)
}

func (t *Tracker) OnSuccess(ctx context.Context, serverID string) (Transition, model.HealthState, error) {
	return t.record(ctx, serverID, Success)
}

func (t *Tracker) record(ctx context.Context, serverID string, o Outcome) (Transition, model.HealthState, error) {
	var tr Transition
	_, next, err := t.store.UpdateServerHealth(ctx, serverID, func(cur model.HealthState) model.HealthState {
		var out model.HealthState
		out, tr = Apply(cur, o, t.thresholds)
		return out
	})
	if err != nil {
		return NoChange, next, err
	}
	online := 0.0
	if next.Health == model.HealthOnline {
		online = 1
	}
	metrics.Default().SetGauge("fleet_server_online", online, map[string]string{"server": serverID})
	if tr == NoChange {
		return tr, next, nil
	}

	metrics.Default().IncCounter("fleet_health_transitions_total", map[string]string{"direction": tr.String()})
	t.log.Warn("server health changed",
		logger.String("server_id", serverID),
		logger.String("health", string(next.Health)))

	t.mu.RLock()
	hook := t.onOnline
	if tr == WentOffline {
		hook = t.onOffline
	}
	t.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, serverID); err != nil {
			t.log.Error("health transition hook failed",
				logger.String("server_id", serverID),
				logger.String("transition", tr.String()),
				logger.Error(err))
		}
	}
	return tr, next, nil
}
