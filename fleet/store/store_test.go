package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.SetValue(ctx, "fleet:snapshot:eu:1", "a"))
	require.NoError(t, m.SetValue(ctx, "fleet:snapshot:us:1", "b"))
	require.NoError(t, m.SetValue(ctx, "other", "c"))

	v, err := m.GetValue(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "c", v)

	keys, err := m.ListKeys(ctx, "fleet:snapshot:eu:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"fleet:snapshot:eu:1"}, keys)

	require.NoError(t, m.DeleteValue(ctx, "other"))
	_, err = m.GetValue(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.SetValueWithTTL(ctx, "k", "v", time.Minute))
	_, err := m.GetValue(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.GetValue(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressTracker(t *testing.T) {
	ctx := context.Background()
	p := NewProgressTracker(NewMemoryStore(), 0)

	_, err := p.Get(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Begin(ctx, 9, 3))

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.HostDone(ctx, 9, i != 1, 2))
		}()
	}
	wg.Wait()
	require.NoError(t, p.Finish(ctx, 9, "completed"))

	tp, err := p.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, TaskProgress{
		TaskID:      9,
		Status:      "completed",
		HostsTotal:  3,
		HostsDone:   3,
		HostsFailed: 1,
		Findings:    6,
		UpdatedAt:   tp.UpdatedAt,
	}, tp)
}

func TestProgressTrackerUnknownTask(t *testing.T) {
	p := NewProgressTracker(NewMemoryStore(), time.Hour)
	assert.ErrorIs(t, p.HostDone(context.Background(), 1, true, 0), ErrNotFound)
}
