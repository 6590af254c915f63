package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations remembers signed-out tokens by id until they would have
// expired anyway.
type Revocations struct {
	client *redis.Client
	prefix string
}

func NewRevocations(client *redis.Client) *Revocations {
	return &Revocations{client: client, prefix: "revoked:"}
}

func (r *Revocations) key(tokenID string) string {
	return r.prefix + tokenID
}

func (r *Revocations) Revoke(ctx context.Context, claims Claims) error {
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(claims.ID), claims.Subject, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *Revocations) Revoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	return n > 0, nil
}
