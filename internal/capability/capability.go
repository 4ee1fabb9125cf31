// Package capability remembers which models cannot do tool calls so the
// orchestrator stops offering tools to them. The negative set lives in
// three layers: an in-process set, a shared Redis set, and the durable
// capability table. The table is authoritative; the sets are mirrors.
package capability

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

// ErrToolsUnsupported signals that a model rejected a tool-calling request
// and the turn should fall back to plain streaming.
var ErrToolsUnsupported = errors.New("model does not support tool calls")

// redisKey is the shared negative set, one member per model name.
const redisKey = "parley:models:tools_unsupported"

// Cache is the three-layer negative cache.
type Cache struct {
	records store.CapabilityStore
	redis   *redis.Client // optional shared layer
	logger  *slog.Logger

	mu          sync.RWMutex
	unsupported map[string]struct{}
}

// New builds a cache. rdb may be nil in single-process deployments.
func New(records store.CapabilityStore, rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		records:     records,
		redis:       rdb,
		logger:      logger.With("component", "capability"),
		unsupported: make(map[string]struct{}),
	}
}

// Warm loads the durable negative set into the in-process and shared
// layers. Called once at startup.
func (c *Cache) Warm(ctx context.Context) error {
	names, err := c.records.ListUnsupportedModels(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, name := range names {
		c.unsupported[name] = struct{}{}
	}
	c.mu.Unlock()

	if c.redis != nil && len(names) > 0 {
		members := make([]any, len(names))
		for i, n := range names {
			members[i] = n
		}
		if err := c.redis.SAdd(ctx, redisKey, members...).Err(); err != nil {
			c.logger.Warn("failed to warm shared capability set", "error", err)
		}
	}
	c.logger.Info("capability cache warmed", "unsupported", len(names))
	return nil
}

// CheckSupportsTools reports whether a model may be offered tools. Unknown
// models return true so the caller tries and learns.
func (c *Cache) CheckSupportsTools(ctx context.Context, model string) bool {
	c.mu.RLock()
	_, hit := c.unsupported[model]
	c.mu.RUnlock()
	if hit {
		return false
	}

	if c.redis != nil {
		member, err := c.redis.SIsMember(ctx, redisKey, model).Result()
		if err != nil {
			c.logger.Warn("shared capability lookup failed", "model", model, "error", err)
		} else if member {
			c.mu.Lock()
			c.unsupported[model] = struct{}{}
			c.mu.Unlock()
			return false
		}
	}
	return true
}

// MarkUnsupported records that a model rejected tool calls. All three
// layers are updated; durable write failures are returned after the fast
// layers are set so the process stops retrying tools either way.
func (c *Cache) MarkUnsupported(ctx context.Context, model, errorMessage string) error {
	c.mu.Lock()
	c.unsupported[model] = struct{}{}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.SAdd(ctx, redisKey, model).Err(); err != nil {
			c.logger.Warn("failed to share unsupported model", "model", model, "error", err)
		}
	}
	c.logger.Info("model marked tool-unsupported", "model", model, "error_message", errorMessage)
	return c.records.UpsertCapability(ctx, &models.ModelCapability{
		ModelName:     model,
		SupportsTools: false,
		ErrorMessage:  errorMessage,
	})
}

// MarkSupported is the manual antidote when a model was misclassified or
// gained tool support.
func (c *Cache) MarkSupported(ctx context.Context, model string) error {
	c.mu.Lock()
	delete(c.unsupported, model)
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.SRem(ctx, redisKey, model).Err(); err != nil {
			c.logger.Warn("failed to clear shared unsupported model", "model", model, "error", err)
		}
	}
	return c.records.UpsertCapability(ctx, &models.ModelCapability{
		ModelName:     model,
		SupportsTools: true,
	})
}
