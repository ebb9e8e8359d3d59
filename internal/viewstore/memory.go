package viewstore

import (
	"context"
	"sync"
	"time"

	"github.com/jmartynas/bytemason/internal/errs"
)

type entry struct {
	state     FormState
	expiresAt time.Time
}

// Memory is a process-local Store. Expired entries are dropped on read and by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Load(ctx context.Context, id string) (FormState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return FormState{}, errs.ErrViewNotFound
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return FormState{}, errs.ErrViewNotFound
	}
	return e.state, nil
}

func (m *Memory) Save(ctx context.Context, id string, state FormState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry{state: state, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Sweep removes expired views and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
