// Package profile reads and writes the canonical UserProfile documents that
// friend edges mirror.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
)

type Repository struct {
	store docstore.Store
}

func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) Get(ctx context.Context, userID string) (model.UserProfile, error) {
	doc, err := r.store.Get(ctx, model.CollectionUsers, userID)
	if err != nil {
		return model.UserProfile{}, err
	}
	var profile model.UserProfile
	if err := docstore.Decode(doc, &profile); err != nil {
		return model.UserProfile{}, err
	}
	if profile.ID == "" {
		profile.ID = doc.Key
	}
	return profile, nil
}

// FindBy returns every profile whose field equals value exactly.
func (r *Repository) FindBy(ctx context.Context, field, value string) ([]model.UserProfile, error) {
	docs, err := r.store.QueryEqual(ctx, model.CollectionUsers, field, value)
	if err != nil {
		return nil, err
	}
	profiles := make([]model.UserProfile, 0, len(docs))
	for _, doc := range docs {
		var profile model.UserProfile
		if err := docstore.Decode(doc, &profile); err != nil {
			return nil, err
		}
		if profile.ID == "" {
			profile.ID = doc.Key
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// Create stores a new profile. Email and handle must be unique because the
// directory resolves them to exactly one user.
func (r *Repository) Create(ctx context.Context, profile model.UserProfile) (model.UserProfile, error) {
	profile.Email = NormalizeEmail(profile.Email)
	profile.Handle = strings.TrimSpace(profile.Handle)
	if profile.ID == "" || profile.Email == "" || profile.Handle == "" {
		return model.UserProfile{}, model.NewError(model.CodeValidation, "id, email, and handle are required")
	}
	if err := r.ensureUnique(ctx, profile.ID, model.FieldEmail, profile.Email, model.ErrEmailTaken); err != nil {
		return model.UserProfile{}, err
	}
	if err := r.ensureUnique(ctx, profile.ID, model.FieldHandle, profile.Handle, model.ErrHandleTaken); err != nil {
		return model.UserProfile{}, err
	}
	if err := r.put(ctx, profile); err != nil {
		return model.UserProfile{}, err
	}
	return profile, nil
}

// Changes lists the profile fields to update; nil means unchanged.
type Changes struct {
	Email         *string
	Handle        *string
	AvatarRef     *string
	EmailVerified *bool
}

// Update applies changes to the stored profile and returns the new profile
// together with the names of the fields whose value actually changed.
func (r *Repository) Update(ctx context.Context, userID string, changes Changes) (model.UserProfile, []string, error) {
	current, err := r.Get(ctx, userID)
	if err != nil {
		return model.UserProfile{}, nil, err
	}
	next := current
	var changed []string

	if changes.Email != nil {
		email := NormalizeEmail(*changes.Email)
		if email == "" {
			return model.UserProfile{}, nil, model.NewError(model.CodeValidation, "email cannot be blank")
		}
		if email != current.Email {
			if err := r.ensureUnique(ctx, userID, model.FieldEmail, email, model.ErrEmailTaken); err != nil {
				return model.UserProfile{}, nil, err
			}
			next.Email = email
			// A new address has to be verified again.
			next.EmailVerified = false
			changed = append(changed, model.FieldEmail)
			if current.EmailVerified {
				changed = append(changed, model.FieldEmailVerified)
			}
		}
	}
	if changes.Handle != nil {
		handle := strings.TrimSpace(*changes.Handle)
		if handle == "" {
			return model.UserProfile{}, nil, model.NewError(model.CodeValidation, "handle cannot be blank")
		}
		if handle != current.Handle {
			if err := r.ensureUnique(ctx, userID, model.FieldHandle, handle, model.ErrHandleTaken); err != nil {
				return model.UserProfile{}, nil, err
			}
			next.Handle = handle
			changed = append(changed, model.FieldHandle)
		}
	}
	if changes.AvatarRef != nil && *changes.AvatarRef != current.AvatarRef {
		next.AvatarRef = *changes.AvatarRef
		changed = append(changed, model.FieldAvatarRef)
	}
	if changes.EmailVerified != nil && *changes.EmailVerified != next.EmailVerified {
		next.EmailVerified = *changes.EmailVerified
		changed = append(changed, model.FieldEmailVerified)
	}

	if len(changed) == 0 {
		return current, nil, nil
	}
	if err := r.put(ctx, next); err != nil {
		return model.UserProfile{}, nil, err
	}
	return next, changed, nil
}

func (r *Repository) put(ctx context.Context, profile model.UserProfile) error {
	fields, err := docstore.Encode(profile)
	if err != nil {
		return err
	}
	err = r.store.Put(ctx, model.CollectionUsers, profile.ID, fields)
	var taken *docstore.UniqueViolation
	if errors.As(err, &taken) {
		if taken.Field == model.FieldHandle {
			return model.ErrHandleTaken
		}
		return model.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profile.ID, err)
	}
	return nil
}

// ensureUnique fails fast on a value already in use. The store's unique
// constraint settles concurrent writers.
func (r *Repository) ensureUnique(ctx context.Context, userID, field, value string, taken *model.Error) error {
	existing, err := r.FindBy(ctx, field, value)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID != userID {
			return taken
		}
	}
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsNotFound reports whether err means the profile does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
