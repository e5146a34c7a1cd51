package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowline/internal/cache"
	"escrowline/internal/config"
)

func TestOpenSeedsFeePolicyOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Log.Level = "error"

	a, err := Open(ctx, dir, cfg)
	require.NoError(t, err)
	p, err := a.Engine.FeePolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "3", p.PercentString())
	assert.IsType(t, cache.Noop{}, a.Engine.Cache)
	require.NoError(t, a.Close())

	a, err = Open(ctx, dir, cfg)
	require.NoError(t, err)
	defer a.Close()
	history, err := a.Engine.FeePolicyHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOpenFallsBackWhenRedisIsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Cache.RedisAddr = "127.0.0.1:1"
	a, err := Open(context.Background(), t.TempDir(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, cache.Noop{}, a.Engine.Cache)
}
