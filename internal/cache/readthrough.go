package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/chatrelay/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Loader serves read-through lookups on top of a Cache. Concurrent misses for
// the same key and generation share one source load.
type Loader struct {
	cache  Cache
	name   string
	group  singleflight.Group
	logger *slog.Logger
}

func NewLoader(c Cache, name string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{cache: c, name: name, logger: logger}
}

// Invalidate must be called by every write that changes the source behind key,
// before the write returns to its caller.
func (l *Loader) Invalidate(ctx context.Context, key string) error {
	if err := l.cache.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// ReadThrough returns the cached value at key, or loads it from the source and
// populates the cache. A load that overlaps an invalidation is returned to its
// callers but never written back, so the cache cannot go stale through a race.
// Cache failures fall back to the source.
func ReadThrough[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	raw, found, err := l.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.IncCacheRequest(l.name, "error")
		l.logger.Warn("cache read failed, loading from source", "cache", l.name, "key", key, "error", err)
		return load(ctx)
	case found:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.IncCacheRequest(l.name, "hit")
			return v, nil
		}
		l.logger.Warn("cache entry undecodable, reloading", "cache", l.name, "key", key)
	}
	metrics.IncCacheRequest(l.name, "miss")

	version, err := l.cache.Version(ctx, key)
	if err != nil {
		l.logger.Warn("cache version read failed, loading from source", "cache", l.name, "key", key, "error", err)
		return load(ctx)
	}

	shared, err, _ := l.group.Do(fmt.Sprintf("%s@%d", key, version), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return v, nil
		}
		if _, err := l.cache.SetIfVersion(ctx, key, version, b, ttl); err != nil {
			l.logger.Warn("cache populate failed", "cache", l.name, "key", key, "error", err)
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return shared.(T), nil
}
