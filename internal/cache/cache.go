package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/models"
)

// Options 描述 Redis 连接参数。Addr 为空表示不启用缓存。
type Options struct {
	Addr        string
	Password    string
	DB          int
	TTL         time.Duration
	DialTimeout time.Duration
	PingTimeout time.Duration
}

// ProbeCache 在短时间内缓存按需复检的结果，并提供跨进程的任务互斥锁。
// nil 的 *ProbeCache 是合法的，所有读取都视为未命中，写入被忽略。
type ProbeCache struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

// New 使用已有客户端创建缓存。
func New(client *redis.Client, ttl time.Duration) *ProbeCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ProbeCache{
		client: client,
		ttl:    ttl,
		owner:  fmt.Sprintf("pid-%d", time.Now().UnixNano()),
	}
}

// Connect 建立连接并 ping 一次；Addr 为空时返回 nil 缓存。
func Connect(ctx context.Context, opts Options, log logger.Logger) (*ProbeCache, error) {
	if opts.Addr == "" {
		return nil, nil
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
	}
	if log != nil {
		log.Info("connected to redis", logger.String("addr", opts.Addr), logger.Duration("ttl", opts.TTL))
	}
	return New(client, opts.TTL), nil
}

// Get 读取缓存的复检结果。未命中时返回 (nil, nil)。
func (c *ProbeCache) Get(ctx context.Context, host string, port int) (*models.ProbeResult, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, ProbeKey(host, port)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached probe: %w", err)
	}
	var res models.ProbeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode cached probe: %w", err)
	}
	return &res, nil
}

// Put 写入复检结果。
func (c *ProbeCache) Put(ctx context.Context, res models.ProbeResult) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}
	if err := c.client.Set(ctx, ProbeKey(res.Endpoint.Host, res.Endpoint.Port), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache probe: %w", err)
	}
	return nil
}

// Invalidate 删除端点的缓存结果。
func (c *ProbeCache) Invalidate(ctx context.Context, host string, port int) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, ProbeKey(host, port)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate probe: %w", err)
	}
	return nil
}

// AcquireRunLock 尝试获取校验任务锁。未启用缓存时总是成功。
func (c *ProbeCache) AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error) {
	if c == nil || c.client == nil {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, KeyRunLock, c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock 释放由本实例持有的任务锁。
func (c *ProbeCache) ReleaseRunLock(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	owner, err := c.client.Get(ctx, KeyRunLock).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read run lock: %w", err)
	}
	if owner != c.owner {
		return nil
	}
	return c.client.Del(ctx, KeyRunLock).Err()
}

// Close 关闭底层连接。
func (c *ProbeCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
