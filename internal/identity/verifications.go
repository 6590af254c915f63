package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"poruka/api/internal/model"
)

// DefaultVerificationTTL is how long an emailed verification link works.
const DefaultVerificationTTL = 24 * time.Hour

// Verifications holds single-use email verification tokens. A token is bound
// to the address it was mailed to, so changing the email voids it.
type Verifications struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewVerifications(client *redis.Client, ttl time.Duration) *Verifications {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	return &Verifications{client: client, prefix: "verify-email:", ttl: ttl}
}

type pendingVerification struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func (v *Verifications) Issue(ctx context.Context, userID, email string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	payload, err := json.Marshal(pendingVerification{UserID: userID, Email: email})
	if err != nil {
		return "", err
	}
	if err := v.client.Set(ctx, v.prefix+token, payload, v.ttl).Err(); err != nil {
		return "", model.Unavailable(err, "store verification token")
	}
	return token, nil
}

// Consume redeems token once and returns the user and address it was issued
// for.
func (v *Verifications) Consume(ctx context.Context, token string) (userID, email string, err error) {
	if token == "" {
		return "", "", model.ErrInvalidVerificationToken
	}
	raw, err := v.client.GetDel(ctx, v.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", model.ErrInvalidVerificationToken
	}
	if err != nil {
		return "", "", model.Unavailable(err, "redeem verification token")
	}
	var pending pendingVerification
	if err := json.Unmarshal(raw, &pending); err != nil {
		return "", "", model.ErrInvalidVerificationToken
	}
	return pending.UserID, pending.Email, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
