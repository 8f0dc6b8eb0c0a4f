// Package redis is the shared L2 layer of the directory cache, backed by rueidis.
package redis

import (
	"context"
	"fmt"
	"time"

	"bank-ledger/pkg/cache"

	"github.com/redis/rueidis"
)

// ClientConfig describes how to reach Redis.
type ClientConfig struct {
	// Addr is the Redis server address for single node mode.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number (0-15).
	// Note: In cluster mode, only DB 0 is supported.
	DB           int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Sentinel configuration for high availability
	SentinelMasterSet string
	// SentinelAddrs is a list of Redis Sentinel addresses.
	// If set, sentinel mode is enabled.
	SentinelAddrs []string
}

// DefaultClientConfig returns a single node configuration for localhost.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient connects to Redis and pings it. The caller owns the client.
func NewClient(config ClientConfig) (rueidis.Client, error) {
	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
		// Client-side caching needs RESP3 tracking, which the directory does not use.
		DisableCache: true,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{MasterSet: config.SentinelMasterSet}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return client, nil
}

// RedisCache is a cache.Layer over a shared rueidis client.
type RedisCache struct {
	client    rueidis.Client
	name      string
	keyPrefix string
	owned     bool
}

// New wraps a client the caller keeps ownership of.
func New(client rueidis.Client, name, keyPrefix string) *RedisCache {
	if name == "" {
		name = "redis"
	}
	return &RedisCache{client: client, name: name, keyPrefix: keyPrefix}
}

// NewOwned connects a dedicated client that Close will release.
func NewOwned(config ClientConfig, name, keyPrefix string) (*RedisCache, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	r := New(client, name, keyPrefix)
	r.owned = true
	return r, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	resp := r.client.Do(ctx, r.client.B().Get().Key(r.keyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: redis get: %w", cache.ErrLayerUnavailable, err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}
	return data, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(r.keyPrefix + key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(r.keyPrefix + key).Value(rueidis.BinaryString(value)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: redis set: %w", cache.ErrLayerUnavailable, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	if err := r.client.Do(ctx, r.client.B().Del().Key(r.keyPrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("%w: redis delete: %w", cache.ErrLayerUnavailable, err)
	}
	return nil
}

func (r *RedisCache) Name() string {
	return r.name
}

// Close releases the client only when this layer created it.
func (r *RedisCache) Close() error {
	if r.owned {
		r.client.Close()
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", cache.ErrLayerUnavailable, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or ErrKeyNotFound.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp := r.client.Do(ctx, r.client.B().Ttl().Key(r.keyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}

	seconds, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: failed to read response: %w", err)
	}

	switch seconds {
	case -2:
		return 0, cache.ErrKeyNotFound
	case -1:
		return -1, nil
	}
	return time.Duration(seconds) * time.Second, nil
}
