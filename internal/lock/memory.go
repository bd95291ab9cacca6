package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Locker for single-instance and test deployments.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, key string, opts Options) (Release, error) {
	token := uuid.NewString()
	err := poll(ctx, opts.Wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		if cur, held := m.leases[key]; held && now.Before(cur.expires) {
			return false, nil
		}
		m.leases[key] = memoryLease{token: token, expires: now.Add(opts.TTL)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, held := m.leases[key]; held && cur.token == token {
			delete(m.leases, key)
		}
		return nil
	}, nil
}
