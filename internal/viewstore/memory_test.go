package viewstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmartynas/bytemason/internal/errs"
)

func TestMemory_SaveLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Load(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrViewNotFound)

	want := FormState{Email: "tom@cruise.com", IsDisabled: true}
	require.NoError(t, m.Save(ctx, "v1", want, time.Minute))

	got, err := m.Load(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, "short", FormState{}, time.Minute))
	require.NoError(t, m.Save(ctx, "long", FormState{}, time.Hour))

	now = now.Add(2 * time.Minute)
	_, err := m.Load(ctx, "short")
	assert.ErrorIs(t, err, errs.ErrViewNotFound)

	require.NoError(t, m.Save(ctx, "other", FormState{}, time.Second))
	now = now.Add(time.Minute)
	assert.Equal(t, 1, m.Sweep())

	_, err = m.Load(ctx, "long")
	assert.NoError(t, err)
}

func TestMemory_RunSweeperStops(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "bytemason:signin:view:abc", Key("abc"))
}
