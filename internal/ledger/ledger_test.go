package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poruka/api/internal/directory"
	"poruka/api/internal/docstore"
	"poruka/api/internal/graph"
	"poruka/api/internal/model"
	"poruka/api/internal/profile"
	"poruka/api/internal/subscription"
	"poruka/api/internal/testutil"
)

type fixture struct {
	store      *testutil.FaultyStore
	client     *redis.Client
	profiles   *profile.Repository
	directory  *directory.Directory
	mirror     *graph.Mirror
	clock      *testutil.StepClock
	rejections *RedisRejections
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	live, client := testutil.NewLiveStore(t)
	store := testutil.NewFaultyStore(live)
	profiles := profile.NewRepository(store)
	clock := testutil.NewStepClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		store:      store,
		client:     client,
		profiles:   profiles,
		directory:  directory.New(profiles, nil),
		mirror:     graph.NewMirror(store, profiles).WithClock(clock.Now),
		clock:      clock,
		rejections: NewRedisRejections(client),
	}
	for _, u := range []model.UserProfile{
		{ID: "u-a", Email: "ana@x.com", Handle: "ana"},
		{ID: "u-b", Email: "alice@x.com", Handle: "bea"},
		{ID: "u-c", Email: "cyd@x.com", Handle: "cyd"},
	} {
		_, err := profiles.Create(context.Background(), u)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) ledger(policy Policy) *Ledger {
	policy.RetryBackoff = time.Millisecond
	return New(f.store, f.mirror, f.directory, f.rejections, policy).WithClock(f.clock.Now)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	_, err := l.CreateRequest(ctx, "", "u-b")
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)

	_, err = l.CreateRequest(ctx, "u-a", "u-a")
	assert.ErrorIs(t, err, model.ErrSelfRequest)

	_, err = l.CreateRequest(ctx, "u-a", "u-ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateRequestTwiceIsDuplicate(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)
	assert.Equal(t, model.RequestID{RecipientID: "u-b", SenderID: "u-a"}, id)

	_, err = l.CreateRequest(ctx, "u-a", "u-b")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)

	pending, err := l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReverseRequestRejectedByDefault(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	_, err := l.CreateRequest(ctx, "u-b", "u-a")
	require.NoError(t, err)

	_, err = l.CreateRequest(ctx, "u-a", "u-b")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)

	pending, err := l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReverseRequestAcceptPolicy(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy()
	policy.Reverse = ReverseAccept
	l := f.ledger(policy)
	ctx := context.Background()

	_, err := l.CreateRequest(ctx, "u-b", "u-a")
	require.NoError(t, err)

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)
	assert.Equal(t, model.RequestID{RecipientID: "u-a", SenderID: "u-b"}, id)

	pending, err := l.ListPending(ctx, "u-a")
	require.NoError(t, err)
	assert.Empty(t, pending)
	friends, err := f.mirror.ListFriends(ctx, "u-b")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "u-a", friends[0].ID)
}

func TestCreateRequestBetweenFriendsIsDuplicate(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()
	require.NoError(t, f.mirror.Materialize(ctx, "u-a", "u-b"))

	_, err := l.CreateRequest(ctx, "u-a", "u-b")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)
}

func TestAcceptTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	require.NoError(t, l.Accept(ctx, id))
	once, err := f.mirror.ListFriends(ctx, "u-a")
	require.NoError(t, err)

	require.NoError(t, l.Accept(ctx, id))
	twice, err := f.mirror.ListFriends(ctx, "u-a")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	require.Len(t, twice, 1)
	assert.Equal(t, "u-b", twice[0].ID)
}

func TestConcurrentAcceptsBothSucceed(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Accept(ctx, id)
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	friends, err := f.mirror.ListFriends(ctx, "u-b")
	require.NoError(t, err)
	assert.Len(t, friends, 1)
}

func TestAcceptReplaysAfterStoreOutage(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	f.store.FailNext(testutil.OpPut, model.FriendsCollection("u-a"), "u-b", 2)
	require.NoError(t, l.Accept(ctx, id))

	edge, err := f.store.Get(ctx, model.FriendsCollection("u-a"), "u-b")
	require.NoError(t, err)
	assert.Equal(t, "bea", edge.Fields["handle"])
	_, err = f.store.Get(ctx, model.FriendRequestsCollection("u-b"), "u-a")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAcceptGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy()
	policy.AcceptRetries = 2
	l := f.ledger(policy)
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	f.store.FailNext(testutil.OpPut, model.FriendsCollection("u-a"), "u-b", 5)
	err = l.Accept(ctx, id)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)

	// The request survives, so the accept can be retried later.
	_, err = f.store.Get(ctx, model.FriendRequestsCollection("u-b"), "u-a")
	assert.NoError(t, err)
}

func TestRejectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	require.NoError(t, l.Reject(ctx, id))
	require.NoError(t, l.Reject(ctx, id))

	pending, err := l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Without a cooldown the sender may ask again straight away.
	_, err = l.CreateRequest(ctx, "u-a", "u-b")
	assert.NoError(t, err)
}

// rejectOnRead rejects the request from inside the store the first time the
// request document is read for the nth time, interleaving Reject with Accept.
type rejectOnRead struct {
	docstore.LiveStore
	collection string
	key        string
	nth        int
	reject     func() error

	reads int
	err   error
	fired bool
}

func (s *rejectOnRead) Get(ctx context.Context, collection, key string) (docstore.Document, error) {
	if collection == s.collection && key == s.key && !s.fired {
		s.reads++
		if s.reads == s.nth {
			s.fired = true
			s.err = s.reject()
		}
	}
	return s.LiveStore.Get(ctx, collection, key)
}

func (f *fixture) racingLedgers(id model.RequestID, nth int) (*Ledger, *rejectOnRead) {
	policy := DefaultPolicy()
	policy.RetryBackoff = time.Millisecond
	policy.RejectCooldown = time.Hour
	rejecter := New(f.store, f.mirror, f.directory, f.rejections, policy)
	hooked := &rejectOnRead{
		LiveStore:  f.store,
		collection: model.FriendRequestsCollection(id.RecipientID),
		key:        id.SenderID,
		nth:        nth,
		reject:     func() error { return rejecter.Reject(context.Background(), id) },
	}
	mirror := graph.NewMirror(hooked, f.profiles).WithClock(f.clock.Now)
	return New(hooked, mirror, f.directory, f.rejections, policy), hooked
}

func TestRejectBeforeAcceptJournalsWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ledger(DefaultPolicy()).CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	// Reject runs while Accept is reading the request, before the journal.
	accepter, hooked := f.racingLedgers(id, 1)
	require.NoError(t, accepter.Accept(ctx, id))
	require.True(t, hooked.fired)
	require.NoError(t, hooked.err)

	friends, err := f.mirror.AreFriends(ctx, "u-a", "u-b")
	require.NoError(t, err)
	assert.False(t, friends)
	_, err = f.store.Get(ctx, model.FriendsCollection("u-b"), "u-a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	journal, err := f.store.List(ctx, model.CollectionAcceptJournal)
	require.NoError(t, err)
	assert.Empty(t, journal)

	blocked, err := f.rejections.Blocked(ctx, id)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestRejectAfterAcceptJournalsLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.ledger(DefaultPolicy()).CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	// Reject runs as the journaled accept re-reads the request.
	accepter, hooked := f.racingLedgers(id, 2)
	require.NoError(t, accepter.Accept(ctx, id))
	require.True(t, hooked.fired)
	assert.ErrorIs(t, hooked.err, model.ErrAlreadyResolved)

	friends, err := f.mirror.AreFriends(ctx, "u-a", "u-b")
	require.NoError(t, err)
	assert.True(t, friends)
	_, err = f.store.Get(ctx, model.FriendsCollection("u-b"), "u-a")
	assert.NoError(t, err)

	blocked, err := f.rejections.Blocked(ctx, id)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRejectDuringStalledAccept(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	// An accept crashed after its first edge and before consuming the request.
	f.store.FailNext(testutil.OpPut, model.FriendsCollection("u-a"), "u-b", 1)
	require.Error(t, f.mirror.CompleteAccept(ctx, id))

	err = l.Reject(ctx, id)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	completed, err := f.mirror.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	friends, err := f.mirror.AreFriends(ctx, "u-a", "u-b")
	require.NoError(t, err)
	assert.True(t, friends)
}

func TestRejectCooldownBlocksReRequest(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy()
	policy.RejectCooldown = time.Hour
	l := f.ledger(policy)
	ctx := context.Background()

	id, err := l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)
	require.NoError(t, l.Reject(ctx, id))

	_, err = l.CreateRequest(ctx, "u-a", "u-b")
	assert.ErrorIs(t, err, model.ErrDuplicateRequest)

	// Cooldowns are directional.
	_, err = l.CreateRequest(ctx, "u-b", "u-a")
	assert.NoError(t, err)

	ttl, err := f.client.TTL(ctx, "rejected:u-b:u-a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestListPendingJoinsNamesAndOrders(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()

	_, err := l.CreateRequest(ctx, "u-c", "u-b")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = l.CreateRequest(ctx, "u-a", "u-b")
	require.NoError(t, err)

	// A sender whose profile cannot be read degrades to a placeholder.
	f.store.FailNext(testutil.OpGet, model.CollectionUsers, "u-a", 1)
	pending, err := l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "u-c", pending[0].SenderID)
	assert.Equal(t, "cyd", pending[0].SenderName)
	assert.Equal(t, "u-a", pending[1].SenderID)
	assert.Equal(t, directory.UnknownName, pending[1].SenderName)
}

func TestListPendingUnavailable(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())

	f.store.FailNext(testutil.OpQuery, model.FriendRequestsCollection("u-b"), "", 1)
	_, err := l.ListPending(context.Background(), "u-b")
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestRequestAcceptScenario(t *testing.T) {
	f := newFixture(t)
	l := f.ledger(DefaultPolicy())
	ctx := context.Background()
	manager := subscription.NewManager()
	scope := manager.NewScope("u-b")
	defer scope.Close()

	var mu sync.Mutex
	var live []model.PendingRequest
	deliveries := 0
	_, err := l.SubscribePending(ctx, scope, "u-b", func(pending []model.PendingRequest) {
		mu.Lock()
		defer mu.Unlock()
		live = pending
		deliveries++
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries > 0
	}, 2*time.Second, 10*time.Millisecond)

	recipient, err := f.directory.Resolve(ctx, "alice@x.com")
	require.NoError(t, err)
	require.Equal(t, "u-b", recipient)

	id, err := l.CreateRequest(ctx, "u-a", recipient)
	require.NoError(t, err)

	pending, err := l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "u-a", pending[0].SenderID)
	assert.Equal(t, "ana", pending[0].SenderName)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(live) == 1 && live[0].SenderID == "u-a"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Accept(ctx, id))

	friendsA, err := f.mirror.ListFriends(ctx, "u-a")
	require.NoError(t, err)
	require.Len(t, friendsA, 1)
	assert.Equal(t, "u-b", friendsA[0].ID)
	assert.Equal(t, "bea", friendsA[0].Handle)

	friendsB, err := f.mirror.ListFriends(ctx, "u-b")
	require.NoError(t, err)
	require.Len(t, friendsB, 1)
	assert.Equal(t, "u-a", friendsB[0].ID)
	assert.Equal(t, "ana", friendsB[0].Handle)

	pending, err = l.ListPending(ctx, "u-b")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(live) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
