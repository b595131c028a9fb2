package api

import (
	"context"
	"time"

	"lifecycle-engine/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

const dedupePrefix = "webhook:dedupe:"

// Deduper remembers webhook envelope ids for a TTL.
type Deduper struct {
	client redis.Cmdable
	ttl    time.Duration
	log    logger.Logger
}

func NewDeduper(client redis.Cmdable, ttl time.Duration, log logger.Logger) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, ttl: ttl, log: log.Named("dedupe")}
}

// FirstSeen reports whether id has not been seen within the TTL. Redis errors fail open.
func (d *Deduper) FirstSeen(ctx context.Context, id string) bool {
	ok, err := d.client.SetNX(ctx, dedupePrefix+id, 1, d.ttl).Result()
	if err != nil {
		d.log.Warn("dedupe check failed, accepting webhook", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		return true
	}
	return ok
}

// Forget releases id so a retried delivery is accepted.
func (d *Deduper) Forget(ctx context.Context, id string) {
	if err := d.client.Del(ctx, dedupePrefix+id).Err(); err != nil {
		d.log.Warn("failed to release dedupe key", map[string]interface{}{"id": id, "error": err.Error()})
	}
}
