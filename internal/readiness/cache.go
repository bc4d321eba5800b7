package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/n8n-work/taskcore/internal/cache"
)

// Cached decorates a Functions implementation with an adaptive-TTL
// cache for TaskExecutionContext, the call the coordinator's outer loop
// makes once per pass (spec.md §4.3). StepReadiness, SystemHealth, and
// DependencyLevels pass straight through: they're either already cheap
// (DependencyLevels is static per task) or must stay live (SystemHealth
// drives concurrency sizing and would make the executor sluggish to
// react if stale).
//
// TTL adapts to the cached context's execution_status: a task with
// ready or in-flight work is cached briefly so the coordinator's next
// poll sees fresh state quickly, while a task waiting on dependencies
// or blocked by failures is cached longer, since nothing will change it
// until some other task's step completes.
type Cached struct {
	inner  Functions
	cache  cache.Cache
	logger *zap.Logger

	activeTTL time.Duration
	idleTTL   time.Duration
}

func NewCached(inner Functions, c cache.Cache, logger *zap.Logger, activeTTL, idleTTL time.Duration) *Cached {
	return &Cached{
		inner:     inner,
		cache:     c,
		logger:    logger.With(zap.String("component", "readiness_cache")),
		activeTTL: activeTTL,
		idleTTL:   idleTTL,
	}
}

func contextCacheKey(taskID string) string {
	return "taskcore:execctx:" + taskID
}

// TaskExecutionContext serves from cache when present, else computes
// via inner and populates the cache with a TTL chosen from the freshly
// computed execution_status.
func (c *Cached) TaskExecutionContext(ctx context.Context, taskID string) (TaskExecutionContext, error) {
	key := contextCacheKey(taskID)

	if raw, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var cached TaskExecutionContext
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached, nil
		}
		c.logger.Warn("discarding unparsable cached execution context", zap.String("task_id", taskID))
	}

	execCtx, err := c.inner.TaskExecutionContext(ctx, taskID)
	if err != nil {
		return TaskExecutionContext{}, err
	}

	c.store(ctx, key, execCtx)
	return execCtx, nil
}

func (c *Cached) store(ctx context.Context, key string, execCtx TaskExecutionContext) {
	raw, err := json.Marshal(execCtx)
	if err != nil {
		c.logger.Warn("failed to marshal execution context for cache", zap.Error(err))
		return
	}

	// Stamp a cached_at field in without re-marshaling the struct, the
	// way an event payload gets enriched post hoc elsewhere in the pack.
	stamped, err := sjson.Set(string(raw), "cached_at", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		stamped = string(raw)
	}

	ttl := c.ttlFor(stamped)
	if err := c.cache.Set(ctx, key, stamped, ttl); err != nil {
		c.logger.Warn("failed to cache execution context", zap.Error(err))
	}
}

func (c *Cached) ttlFor(stamped string) time.Duration {
	status := gjson.Get(stamped, "ExecutionStatus").String()
	switch ExecutionStatus(status) {
	case ExecutionStatusHasReadySteps, ExecutionStatusProcessing:
		return c.activeTTL
	default:
		return c.idleTTL
	}
}

// Invalidate drops the cached context for a task; the coordinator calls
// this immediately after committing a step transition so the next pass
// never reads stale data for the task it is actively driving.
func (c *Cached) Invalidate(ctx context.Context, taskID string) error {
	if err := c.cache.Delete(ctx, contextCacheKey(taskID)); err != nil {
		return fmt.Errorf("readiness: invalidate cache: %w", err)
	}
	return nil
}

func (c *Cached) StepReadiness(ctx context.Context, taskID string) ([]StepReadiness, error) {
	return c.inner.StepReadiness(ctx, taskID)
}

func (c *Cached) SystemHealth(ctx context.Context) (SystemHealth, error) {
	return c.inner.SystemHealth(ctx)
}

func (c *Cached) DependencyLevels(ctx context.Context, taskID string) (map[string]int, error) {
	return c.inner.DependencyLevels(ctx, taskID)
}
