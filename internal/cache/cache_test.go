package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/modelprobe/internal/models"
)

func TestProbeKey(t *testing.T) {
	assert.Equal(t, "modelprobe:probe:10.0.0.1:11434", ProbeKey("10.0.0.1", 11434))
	assert.Equal(t, "modelprobe:probe:[::1]:8080", ProbeKey("::1", 8080))
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *ProbeCache
	ctx := context.Background()

	res, err := c.Get(ctx, "h", 1)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.NoError(t, c.Put(ctx, models.ProbeResult{}))
	assert.NoError(t, c.Invalidate(ctx, "h", 1))

	ok, err := c.AcquireRunLock(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, c.ReleaseRunLock(ctx))
	assert.NoError(t, c.Close())
}

func TestConnectDisabled(t *testing.T) {
	c, err := Connect(context.Background(), Options{}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestUnreachableRedisSurfacesErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := New(client, time.Minute)
	defer c.Close()

	ctx := context.Background()
	_, err := c.Get(ctx, "h", 1)
	assert.Error(t, err)
	assert.Error(t, c.Put(ctx, models.ProbeResult{Endpoint: models.Endpoint{Host: "h", Port: 1}}))
	_, err = c.AcquireRunLock(ctx, time.Second)
	assert.Error(t, err)

	_, err = Connect(ctx, Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, PingTimeout: 500 * time.Millisecond}, nil)
	assert.Error(t, err)
}
