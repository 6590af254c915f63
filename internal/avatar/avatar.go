// Package avatar turns the opaque avatarRef stored on profiles into a
// short-lived read URL on the object store.
package avatar

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	URLTTL    time.Duration
}

// Resolver presigns GET URLs for avatar objects. A Resolver built without an
// endpoint resolves every ref to "".
type Resolver struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewResolver(cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Resolver{}, nil
	}
	if cfg.Region == "" {
		// A fixed region lets presigning skip the bucket-location lookup.
		cfg.Region = "us-east-1"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("avatar client: %w", err)
	}
	return &Resolver{client: client, bucket: cfg.Bucket, ttl: cfg.URLTTL}, nil
}

func (r *Resolver) Enabled() bool {
	return r != nil && r.client != nil
}

// URL returns a presigned read URL for ref, or "" when ref is empty or no
// object store is configured.
func (r *Resolver) URL(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "/")
	if ref == "" || !r.Enabled() {
		return "", nil
	}
	u, err := r.client.PresignedGetObject(ctx, r.bucket, ref, r.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u.String(), nil
}
