package directory

import (
	"context"
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
	"poruka/api/internal/profile"
	"poruka/api/internal/testutil"
)

func newDirectory(t *testing.T) (*Directory, *profile.Repository, *docstore.Live) {
	t.Helper()
	store, _ := testutil.NewLiveStore(t)
	profiles := profile.NewRepository(store)
	return New(profiles, nil), profiles, store
}

func seed(t *testing.T, profiles *profile.Repository, id, email, handle string) {
	t.Helper()
	_, err := profiles.Create(context.Background(), model.UserProfile{ID: id, Email: email, Handle: handle})
	require.NoError(t, err)
}

func TestResolveByEmail(t *testing.T) {
	dir, profiles, _ := newDirectory(t)
	seed(t, profiles, "u-bob", "alice@x.com", "bobby")

	id, err := dir.Resolve(context.Background(), "alice@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", id)

	id, err = dir.Resolve(context.Background(), "  ALICE@x.com ")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", id)
}

func TestResolveFallsBackToHandle(t *testing.T) {
	dir, profiles, _ := newDirectory(t)
	seed(t, profiles, "u-bob", "bob@x.com", "bobby")

	id, err := dir.Resolve(context.Background(), "bobby")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", id)
}

func TestResolvePrefersEmailOverHandle(t *testing.T) {
	dir, profiles, _ := newDirectory(t)
	seed(t, profiles, "u-1", "carol@x.com", "carol")
	seed(t, profiles, "u-2", "other@x.com", "carol@x.com")

	id, err := dir.Resolve(context.Background(), "carol@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)
}

func TestResolveNotFound(t *testing.T) {
	dir, profiles, _ := newDirectory(t)
	seed(t, profiles, "u-bob", "bob@x.com", "bobby")

	_, err := dir.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = dir.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveAmbiguous(t *testing.T) {
	_, client := testutil.NewLiveStore(t)
	// A store without unique fields stands in for a directory populated
	// elsewhere.
	store := docstore.NewRedisStore(client)
	dir := New(profile.NewRepository(store), nil)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, model.CollectionUsers, "u1", docstore.Fields{"id": "u1", "email": "a@x.com", "handle": "twin"}))
	require.NoError(t, store.Put(ctx, model.CollectionUsers, "u2", docstore.Fields{"id": "u2", "email": "b@x.com", "handle": "twin"}))

	_, err := dir.Resolve(ctx, "twin")
	assert.ErrorIs(t, err, model.ErrAmbiguousMatch)
}

func TestDisplayNameDegradesToUnknown(t *testing.T) {
	dir, profiles, _ := newDirectory(t)
	seed(t, profiles, "u-bob", "bob@x.com", "bobby")

	assert.Equal(t, "bobby", dir.DisplayName(context.Background(), "u-bob"))
	assert.Equal(t, UnknownName, dir.DisplayName(context.Background(), "u-gone"))
}

func TestSuggestWithoutIndexIsEmpty(t *testing.T) {
	dir, _, _ := newDirectory(t)

	suggestions := dir.Suggest("bob", 5)
	assert.NotNil(t, suggestions)
	assert.Empty(t, suggestions)

	// Indexing without an index is a no-op.
	dir.IndexProfile(model.UserProfile{ID: "u1"})
}

func TestHitToSuggestionHidesEmail(t *testing.T) {
	hit := meili.Hit{
		"id":        json.RawMessage(`"u-bob"`),
		"handle":    json.RawMessage(`" bobby "`),
		"email":     json.RawMessage(`"bob@x.com"`),
		"avatarRef": json.RawMessage(`"avatars/u-bob.jpg"`),
	}

	suggestion := hitToSuggestion(hit)
	assert.Equal(t, Suggestion{ID: "u-bob", Handle: "bobby", AvatarRef: "avatars/u-bob.jpg"}, suggestion)

	assert.Equal(t, "", decodeString(meili.Hit{"id": json.RawMessage(`42`)}, "id"))
	assert.Equal(t, "", decodeString(meili.Hit{}, "id"))
}
