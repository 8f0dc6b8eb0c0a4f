// Package chain stacks cache layers into a read-through lookup.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bank-ledger/pkg/cache"
	"bank-ledger/pkg/logging"
	"bank-ledger/pkg/metrics"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultWarmTTL is used when a hit in a lower layer is copied upward by Get.
const DefaultWarmTTL = time.Hour

// Loader produces the authoritative value for a key after every layer missed.
type Loader func(ctx context.Context) ([]byte, error)

// Chain manages multiple cache layers with fallback and warm-up.
// Layers are ordered from fastest (L1) to slowest (LN).
type Chain struct {
	layers  []cache.Layer
	sf      singleflight.Group
	metrics metrics.Collector
	logger  *logging.Logger
}

// New creates a chain. Layers should be ordered from fastest to slowest.
func New(collector metrics.Collector, logger *logging.Logger, layers ...cache.Layer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}

	return &Chain{
		layers:  append([]cache.Layer(nil), layers...),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.OrNop(logger).Named("chain"),
	}, nil
}

// Get traverses layers in order until a hit, then warms the layers above it.
// Layer failures count as misses. Returns cache.ErrKeyNotFound when every layer missed.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, hitIndex := c.lookup(ctx, key)
	if hitIndex < 0 {
		return nil, cache.ErrKeyNotFound
	}
	c.warm(ctx, key, value, hitIndex, DefaultWarmTTL)
	return value, nil
}

// GetOrLoad returns the cached value for key, calling load on a full miss and
// storing its result in every layer. Concurrent callers for the same key share
// one lookup. Loader errors are returned unchanged and nothing is cached.
func (c *Chain) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		value, hitIndex := c.lookup(ctx, key)
		if hitIndex >= 0 {
			c.warm(ctx, key, value, hitIndex, ttl)
			return value, nil
		}

		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.warm(ctx, key, value, len(c.layers), ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	// singleflight hands the same slice to every waiter
	shared := result.([]byte)
	out := make([]byte, len(shared))
	copy(out, shared)
	return out, nil
}

func (c *Chain) lookup(ctx context.Context, key string) ([]byte, int) {
	for i, layer := range c.layers {
		if ctx.Err() != nil {
			return nil, -1
		}

		start := time.Now()
		value, err := layer.Get(ctx, key)
		c.metrics.RecordCacheGet(layer.Name(), err == nil, time.Since(start))

		if err == nil {
			return value, i
		}
		if !cache.IsNotFound(err) {
			c.logger.Warn("cache layer get failed",
				zap.String("layer", layer.Name()),
				zap.String("key", key),
				zap.String("error_type", cache.ClassifyError(err)),
				zap.Error(err),
			)
		}
	}
	return nil, -1
}

// warm writes value into every layer above hitIndex. Failures are logged only.
func (c *Chain) warm(ctx context.Context, key string, value []byte, hitIndex int, ttl time.Duration) {
	for i := hitIndex - 1; i >= 0; i-- {
		if err := c.set(ctx, c.layers[i], key, value, ttl); err != nil {
			c.logger.Warn("cache warm-up failed",
				zap.String("layer", c.layers[i].Name()),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

func (c *Chain) set(ctx context.Context, layer cache.Layer, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := layer.Set(ctx, key, value, ttl)
	c.metrics.RecordCacheSet(layer.Name(), err == nil, time.Since(start))
	return err
}

// Set writes the value to all layers in the chain. Every layer is attempted;
// the failures are combined.
func (c *Chain) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var errs error
	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, cache.WrapError(c.set(ctx, layer, key, value, ttl), layer.Name(), "set"))
	}
	return errs
}

// Delete removes key from every layer, slowest first so an upper layer is
// never re-warmed from a stale lower one.
func (c *Chain) Delete(ctx context.Context, key string) error {
	var errs error
	for i := len(c.layers) - 1; i >= 0; i-- {
		layer := c.layers[i]
		errs = multierr.Append(errs, cache.WrapError(layer.Delete(ctx, key), layer.Name(), "delete"))
	}
	return errs
}

// Close closes all layers, attempting each one.
func (c *Chain) Close() error {
	var errs error
	for _, layer := range c.layers {
		errs = multierr.Append(errs, layer.Close())
	}
	return errs
}

// Len returns the number of layers in the chain.
func (c *Chain) Len() int {
	return len(c.layers)
}

// String returns a string representation of the chain.
func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain(%d layers): %s", len(c.layers), strings.Join(names, " -> "))
}
