package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"bank-ledger/pkg/cache"
)

func testAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func setupTestRedis(t *testing.T) *RedisCache {
	t.Helper()

	config := DefaultClientConfig()
	config.Addr = testAddr()
	config.DialTimeout = 2 * time.Second

	r, err := NewOwned(config, "TestRedis", "test:ledger:"+t.Name()+":")
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewClient_NoAddress(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("Expected error for empty address configuration")
	}
}

func TestRedisCache_SetGet(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	if r.Name() != "TestRedis" {
		t.Errorf("Expected name 'TestRedis', got '%s'", r.Name())
	}

	if err := r.Set(ctx, "profile", []byte(`{"name":"Ada"}`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := r.Get(ctx, "profile")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `{"name":"Ada"}` {
		t.Errorf("Expected stored JSON, got %q", value)
	}
}

func TestRedisCache_Miss(t *testing.T) {
	r := setupTestRedis(t)

	_, err := r.Get(context.Background(), "missing")
	if !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestRedisCache_Delete(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, "gone", []byte("v"), time.Minute)
	if err := r.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get(ctx, "gone"); !cache.IsNotFound(err) {
		t.Errorf("Expected key to be deleted, got %v", err)
	}
}

func TestRedisCache_TTL(t *testing.T) {
	r := setupTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, "ttl", []byte("v"), time.Minute)

	ttl, err := r.TTL(ctx, "ttl")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("Expected TTL within a minute, got %v", ttl)
	}

	if _, err := r.TTL(ctx, "no-such-key"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound for missing key, got %v", err)
	}
}

func TestRedisCache_InvalidKey(t *testing.T) {
	r := setupTestRedis(t)

	if err := r.Set(context.Background(), "", []byte("v"), time.Minute); err == nil {
		t.Error("Expected error for empty key")
	}
}
