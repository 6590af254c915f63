// Package directory resolves what a user types into the "add friend" box
// to exactly one user id.
package directory

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"poruka/api/internal/model"
	"poruka/api/internal/profile"
)

// UnknownName is shown for users whose profile cannot be read.
const UnknownName = "Unknown"

type Directory struct {
	profiles *profile.Repository
	index    *Meili
}

// New creates a directory. index may be nil if Meilisearch is not configured.
func New(profiles *profile.Repository, index *Meili) *Directory {
	return &Directory{profiles: profiles, index: index}
}

// Resolve tries an exact email match first, then an exact handle match.
func (d *Directory) Resolve(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", model.NewError(model.CodeNotFound, "no user found with that email or username")
	}

	strategies := []struct {
		field string
		value string
	}{
		{model.FieldEmail, profile.NormalizeEmail(query)},
		{model.FieldHandle, query},
	}
	for _, strategy := range strategies {
		matches, err := d.profiles.FindBy(ctx, strategy.field, strategy.value)
		if err != nil {
			return "", err
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0].ID, nil
		default:
			logrus.WithFields(logrus.Fields{"field": strategy.field, "matches": len(matches)}).Warn("directory: lookup is not unique")
			return "", model.NewError(model.CodeAmbiguousMatch, "more than one user matches %q", query)
		}
	}
	return "", model.NewError(model.CodeNotFound, "no user found with that email or username")
}

// DisplayName is a best-effort join for list views.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	p, err := d.profiles.Get(ctx, userID)
	if err != nil || strings.TrimSpace(p.Handle) == "" {
		if err != nil && !profile.IsNotFound(err) {
			logrus.WithError(err).WithField("user_id", userID).Warn("directory: display name lookup failed")
		}
		return UnknownName
	}
	return p.Handle
}

// Suggest returns typo-tolerant matches for the add-friend box. Without a
// healthy index it returns nothing; exact resolution still works.
func (d *Directory) Suggest(query string, limit int) []Suggestion {
	query = strings.TrimSpace(query)
	if query == "" || d.index == nil || !d.index.Healthy() {
		return []Suggestion{}
	}
	suggestions, err := d.index.Search(query, limit)
	if err != nil {
		logrus.WithError(err).Warn("directory: suggest failed")
		return []Suggestion{}
	}
	if suggestions == nil {
		return []Suggestion{}
	}
	return suggestions
}

// IndexProfile pushes a profile into the suggestion index (fire-and-forget).
func (d *Directory) IndexProfile(p model.UserProfile) {
	if d.index == nil || !d.index.Healthy() {
		return
	}
	go func() {
		if err := d.index.IndexProfile(p); err != nil {
			logrus.WithError(err).WithField("user_id", p.ID).Warn("directory: index profile failed")
		}
	}()
}
