package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"poruka/api/internal/app"
	"poruka/api/internal/avatar"
	"poruka/api/internal/config"
	"poruka/api/internal/directory"
	"poruka/api/internal/docstore"
	"poruka/api/internal/email"
	"poruka/api/internal/model"
)

// openBackends connects to every configured backend. The returned cleanup
// releases them in reverse order.
func openBackends(ctx context.Context, cfg config.Config) (app.Backends, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Redis carries the change feed for either backend.
	client, err := docstore.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return app.Backends{}, cleanup, err
	}
	closers = append(closers, func() { _ = client.Close() })

	var store docstore.Store
	var pinger app.Pinger
	switch cfg.DocstoreBackend {
	case "postgres":
		db, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return app.Backends{}, func() {}, fmt.Errorf("database connection failed: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := docstore.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			cleanup()
			return app.Backends{}, func() {}, fmt.Errorf("migrations failed: %w", err)
		}
		pg := docstore.NewPostgresStore(db)
		store, pinger = pg, pg
	case "redis":
		rs := docstore.NewRedisStore(client, docstore.WithUnique(model.CollectionUsers, model.FieldEmail, model.FieldHandle))
		store, pinger = rs, rs
	default:
		cleanup()
		return app.Backends{}, func() {}, fmt.Errorf("unknown DOCSTORE_BACKEND %q", cfg.DocstoreBackend)
	}
	logrus.WithField("backend", cfg.DocstoreBackend).Info("cli: document store ready")

	var index *directory.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index = directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		closers = append(closers, index.Close)
	}

	avatars, err := avatar.NewResolver(avatar.Config{
		Endpoint:  cfg.AvatarEndpoint,
		AccessKey: cfg.AvatarAccessKey,
		SecretKey: cfg.AvatarSecretKey,
		Bucket:    cfg.AvatarBucket,
		UseSSL:    cfg.AvatarUseSSL,
		URLTTL:    cfg.AvatarURLTTL,
	})
	if err != nil {
		cleanup()
		return app.Backends{}, func() {}, err
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logrus.Warn("cli: SMTP not configured, email verification disabled")
	}

	return app.Backends{
		Store:   docstore.NewLive(store, docstore.NewFeed(client)).WithResync(cfg.FeedResync),
		Redis:   client,
		Index:   index,
		Avatars: avatars,
		Mailer:  mailer,
		Ping:    pinger,
	}, cleanup, nil
}

func openService(ctx context.Context, cfg config.Config) (*app.Service, func(), error) {
	backends, cleanup, err := openBackends(ctx, cfg)
	if err != nil {
		return nil, cleanup, err
	}
	return app.NewService(cfg, backends), cleanup, nil
}
