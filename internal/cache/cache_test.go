package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Addr = mr.Addr()

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestJSONRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	in := []float64{0.1, -0.2, 0.3}
	require.NoError(t, m.SetJSON(ctx, "emb:test", in, time.Minute))

	var out []float64
	require.NoError(t, m.GetJSON(ctx, "emb:test", &out))
	assert.Equal(t, in, out)
}

func TestGetMiss(t *testing.T) {
	m := newTestManager(t)

	var out []float64
	err := m.GetJSON(context.Background(), "absent", &out)
	require.Error(t, err)
	assert.True(t, IsCacheMiss(err))
}

func TestClosedManagerRejectsOps(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.SetJSON(context.Background(), "k", "v", 0)
	require.Error(t, err)
	err = m.GetJSON(context.Background(), "k", new(string))
	require.Error(t, err)
	require.Error(t, m.Ping(context.Background()))
}
