package database

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal/pkg/config"
)

func TestRedisClient_DegradesWhenUnreachable(t *testing.T) {
	reg := prometheus.NewRegistry()
	rc := NewRedisDB(&config.RedisConfig{Host: "127.0.0.1", Port: 1, PoolSize: 1, Timeout: time.Second}, reg)
	t.Cleanup(func() { rc.Close() })
	ctx := context.Background()

	assert.False(t, rc.IsDegraded())
	require.Error(t, rc.HealthCheck(ctx))
	assert.True(t, rc.IsDegraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(rc.degradedGauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(rc.pings.WithLabelValues("error")))

	assert.ErrorIs(t, rc.SafeGet(ctx, "k").Err(), ErrDegraded)
	assert.ErrorIs(t, rc.SafeSet(ctx, "k", "v", time.Minute).Err(), ErrDegraded)
	assert.ErrorIs(t, rc.SafeDel(ctx, "k").Err(), ErrDegraded)
	assert.ErrorIs(t, rc.SafeExists(ctx, "k").Err(), ErrDegraded)
	assert.ErrorIs(t, rc.SafePublish(ctx, "c", "m").Err(), ErrDegraded)
	assert.Nil(t, rc.SafeSubscribe(ctx, "c"))
}

func TestRedisClient_NilRegistry(t *testing.T) {
	rc := NewRedisDB(&config.RedisConfig{Host: "127.0.0.1", Port: 1, Timeout: time.Second}, nil)
	t.Cleanup(func() { rc.Close() })
	require.Error(t, rc.HealthCheck(context.Background()))
	assert.True(t, rc.IsDegraded())
}
