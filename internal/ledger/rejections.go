package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"poruka/api/internal/model"
)

// RedisRejections remembers recently declined requests so that a sender
// cannot re-request during the cooldown. Entries expire on their own.
type RedisRejections struct {
	client *redis.Client
	prefix string
}

func NewRedisRejections(client *redis.Client) *RedisRejections {
	return &RedisRejections{client: client, prefix: "rejected:"}
}

func (r *RedisRejections) key(id model.RequestID) string {
	return r.prefix + id.RecipientID + ":" + id.SenderID
}

// Record marks the request as declined for ttl.
func (r *RedisRejections) Record(ctx context.Context, id model.RequestID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(id), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return model.Unavailable(err, "record rejection %s", id)
	}
	return nil
}

// Blocked reports whether the sender is still cooling down.
func (r *RedisRejections) Blocked(ctx context.Context, id model.RequestID) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, model.Unavailable(err, "check rejection %s", id)
	}
	return n > 0, nil
}
