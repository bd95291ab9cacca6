// Package lock provides the room-scoped mutual exclusion used by the start
// critical section.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("lock wait timed out")

// Release gives the lock back. It is safe to call after the lease expired; a
// lease taken over by another holder is left untouched.
type Release func(ctx context.Context) error

type Options struct {
	// Wait bounds how long Acquire blocks before returning ErrTimeout.
	Wait time.Duration
	// TTL is the lease lifetime, so a crashed holder cannot wedge the key.
	TTL time.Duration
}

type Locker interface {
	Acquire(ctx context.Context, key string, opts Options) (Release, error)
}

const pollInterval = 25 * time.Millisecond

// poll retries try until it succeeds, the wait bound passes or ctx ends.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
