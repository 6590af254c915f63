package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
	"poruka/api/internal/profile"
)

const minPasswordLength = 8

type credential struct {
	UserID       string    `json:"userId"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Accounts stores password credentials next to the canonical profiles.
// Credentials are keyed by user id; login finds the user by email through the
// profile, so an email change needs no credential update.
type Accounts struct {
	store         docstore.Store
	profiles      *profile.Repository
	defaultAvatar string
	cost          int
}

func NewAccounts(store docstore.Store, profiles *profile.Repository, defaultAvatar string) *Accounts {
	return &Accounts{store: store, profiles: profiles, defaultAvatar: defaultAvatar, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost.
func (a *Accounts) WithCost(cost int) *Accounts {
	a.cost = cost
	return a
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Handle   string `json:"handle"`
}

// Register creates the profile and its credential. Email and handle must be
// unique.
func (a *Accounts) Register(ctx context.Context, req RegisterRequest) (model.UserProfile, error) {
	email := profile.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" || strings.TrimSpace(req.Handle) == "" {
		return model.UserProfile{}, model.NewError(model.CodeValidation, "email, password, and handle are required")
	}
	if len(req.Password) < minPasswordLength {
		return model.UserProfile{}, model.NewError(model.CodeValidation, "password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := a.profiles.Create(ctx, model.UserProfile{
		ID:        ulid.Make().String(),
		Email:     email,
		Handle:    req.Handle,
		AvatarRef: a.defaultAvatar,
	})
	if err != nil {
		return model.UserProfile{}, err
	}

	fields, err := docstore.Encode(credential{UserID: created.ID, PasswordHash: string(hash), CreatedAt: time.Now().UTC()})
	if err != nil {
		return model.UserProfile{}, err
	}
	if err := a.store.Put(ctx, model.CollectionCredentials, created.ID, fields); err != nil {
		if delErr := a.store.Delete(ctx, model.CollectionUsers, created.ID); delErr != nil {
			logrus.WithError(delErr).WithField("user_id", created.ID).Warn("identity: orphaned profile after failed registration")
		}
		return model.UserProfile{}, err
	}
	logrus.WithField("user_id", created.ID).Info("identity: account registered")
	return created, nil
}

// Login checks the password and returns the caller's profile.
func (a *Accounts) Login(ctx context.Context, email, password string) (model.UserProfile, error) {
	email = profile.NormalizeEmail(email)
	if email == "" || password == "" {
		return model.UserProfile{}, model.ErrInvalidCredentials
	}
	matches, err := a.profiles.FindBy(ctx, model.FieldEmail, email)
	if err != nil {
		return model.UserProfile{}, err
	}
	if len(matches) != 1 {
		return model.UserProfile{}, model.ErrInvalidCredentials
	}
	if err := a.CheckPassword(ctx, matches[0].ID, password); err != nil {
		return model.UserProfile{}, err
	}
	return matches[0], nil
}

// CheckPassword fails with ErrInvalidCredentials unless password is the
// user's current password.
func (a *Accounts) CheckPassword(ctx context.Context, userID, password string) error {
	if password == "" {
		return model.ErrInvalidCredentials
	}
	cred, err := a.credential(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return model.ErrInvalidCredentials
	}
	return nil
}

// ChangePassword replaces the password after checking the current one.
func (a *Accounts) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < minPasswordLength {
		return model.NewError(model.CodeValidation, "password must be at least %d characters", minPasswordLength)
	}
	cred, err := a.credential(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(current)); err != nil {
		return model.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), a.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	cred.PasswordHash = string(hash)
	fields, err := docstore.Encode(cred)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, model.CollectionCredentials, userID, fields); err != nil {
		return err
	}
	logrus.WithField("user_id", userID).Info("identity: password changed")
	return nil
}

func (a *Accounts) credential(ctx context.Context, userID string) (credential, error) {
	doc, err := a.store.Get(ctx, model.CollectionCredentials, userID)
	if errors.Is(err, model.ErrNotFound) {
		return credential{}, model.ErrInvalidCredentials
	}
	if err != nil {
		return credential{}, err
	}
	var cred credential
	if err := docstore.Decode(doc, &cred); err != nil {
		return credential{}, err
	}
	if cred.UserID == "" {
		cred.UserID = userID
	}
	return cred, nil
}
