// Package ledger owns the lifecycle of pending friend requests.
//
// A request is a single document under the recipient's friendRequests
// collection keyed by the sender, so there is structurally at most one
// pending request per direction. Accepting hands the request to an Acceptor
// (the graph mirror) which materializes both friend edges and consumes the
// request; rejecting deletes it. Both are idempotent: a request that is
// already gone counts as resolved.
package ledger

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
	"poruka/api/internal/subscription"
)

// ReversePolicy decides what happens when A requests B while B's request to
// A is still pending.
type ReversePolicy string

const (
	// ReverseReject reports the pair as already requested.
	ReverseReject ReversePolicy = "reject"
	// ReverseAccept treats the new request as accepting the pending one.
	ReverseAccept ReversePolicy = "accept"
)

type Policy struct {
	Reverse ReversePolicy
	// RejectCooldown blocks the same sender from re-requesting after a
	// rejection. Zero allows an immediate re-request.
	RejectCooldown time.Duration
	// AcceptRetries bounds how often a failed accept is replayed.
	AcceptRetries int
	RetryBackoff  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Reverse:       ReverseReject,
		AcceptRetries: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Acceptor turns a request into a friendship and consumes the request. It
// must be safe to replay.
type Acceptor interface {
	CompleteAccept(ctx context.Context, id model.RequestID) error
}

// Namer resolves a user id to a display name, best-effort.
type Namer interface {
	DisplayName(ctx context.Context, userID string) string
}

// Rejections remembers declined requests for the cooldown policy.
type Rejections interface {
	Record(ctx context.Context, id model.RequestID, ttl time.Duration) error
	Blocked(ctx context.Context, id model.RequestID) (bool, error)
}

type Ledger struct {
	store      docstore.LiveStore
	acceptor   Acceptor
	names      Namer
	rejections Rejections
	policy     Policy
	now        func() time.Time
}

// New creates a ledger. rejections may be nil when no cooldown is configured.
func New(store docstore.LiveStore, acceptor Acceptor, names Namer, rejections Rejections, policy Policy) *Ledger {
	if policy.Reverse != ReverseAccept {
		policy.Reverse = ReverseReject
	}
	if policy.AcceptRetries < 1 {
		policy.AcceptRetries = 1
	}
	return &Ledger{
		store:      store,
		acceptor:   acceptor,
		names:      names,
		rejections: rejections,
		policy:     policy,
		now:        time.Now,
	}
}

// WithClock replaces the clock used for createdAt.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) CreateRequest(ctx context.Context, senderID, recipientID string) (model.RequestID, error) {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" {
		return model.RequestID{}, model.ErrNotAuthenticated
	}
	if recipientID == "" {
		return model.RequestID{}, model.NewError(model.CodeNotFound, "recipient is required")
	}
	if senderID == recipientID {
		return model.RequestID{}, model.ErrSelfRequest
	}
	id := model.RequestID{RecipientID: recipientID, SenderID: senderID}
	log := logrus.WithFields(logrus.Fields{"request_id": id.String()})

	if _, err := l.store.Get(ctx, model.CollectionUsers, recipientID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.RequestID{}, model.NewError(model.CodeNotFound, "recipient does not exist")
		}
		return model.RequestID{}, err
	}

	pending, err := l.pending(ctx, id)
	if err != nil {
		return model.RequestID{}, err
	}
	if pending {
		return model.RequestID{}, model.NewError(model.CodeDuplicateRequest, "friend request already sent")
	}

	if _, err := l.store.Get(ctx, model.FriendsCollection(senderID), recipientID); err == nil {
		return model.RequestID{}, model.NewError(model.CodeDuplicateRequest, "already friends")
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.RequestID{}, err
	}

	reverse := model.RequestID{RecipientID: senderID, SenderID: recipientID}
	reversePending, err := l.pending(ctx, reverse)
	if err != nil {
		return model.RequestID{}, err
	}
	if reversePending {
		if l.policy.Reverse == ReverseAccept {
			log.Info("ledger: reverse request pending, accepting it instead")
			if err := l.Accept(ctx, reverse); err != nil {
				return model.RequestID{}, err
			}
			return reverse, nil
		}
		return model.RequestID{}, model.NewError(model.CodeDuplicateRequest, "this user already sent you a friend request")
	}

	if l.rejections != nil && l.policy.RejectCooldown > 0 {
		blocked, err := l.rejections.Blocked(ctx, id)
		if err != nil {
			return model.RequestID{}, err
		}
		if blocked {
			return model.RequestID{}, model.NewError(model.CodeDuplicateRequest, "friend request was recently declined")
		}
	}

	fields, err := docstore.Encode(model.FriendRequest{
		SenderID:    senderID,
		RecipientID: recipientID,
		Status:      model.RequestStatusPending,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return model.RequestID{}, err
	}
	if err := l.store.Put(ctx, model.FriendRequestsCollection(recipientID), senderID, fields); err != nil {
		return model.RequestID{}, err
	}
	log.Info("ledger: friend request created")
	return id, nil
}

func (l *Ledger) pending(ctx context.Context, id model.RequestID) (bool, error) {
	req, err := l.get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return req.Status == model.RequestStatusPending, nil
}

func (l *Ledger) get(ctx context.Context, id model.RequestID) (model.FriendRequest, error) {
	doc, err := l.store.Get(ctx, model.FriendRequestsCollection(id.RecipientID), id.SenderID)
	if err != nil {
		return model.FriendRequest{}, err
	}
	return decodeRequest(doc, id.RecipientID)
}

// Accept materializes the friendship and consumes the request. A request
// that no longer exists was resolved by someone else and counts as success.
// Store outages replay the whole idempotent sequence.
func (l *Ledger) Accept(ctx context.Context, id model.RequestID) error {
	log := logrus.WithField("request_id", id.String())

	var err error
	for attempt := 1; attempt <= l.policy.AcceptRetries; attempt++ {
		err = l.acceptOnce(ctx, id)
		if err == nil || !model.Retryable(err) {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("ledger: accept failed, replaying")
		if attempt == l.policy.AcceptRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.policy.RetryBackoff * time.Duration(attempt)):
		}
	}
	if errors.Is(err, model.ErrAlreadyResolved) {
		log.Info("ledger: request already resolved")
		return nil
	}
	return err
}

func (l *Ledger) acceptOnce(ctx context.Context, id model.RequestID) error {
	if _, err := l.get(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrAlreadyResolved
		}
		return err
	}
	return l.acceptor.CompleteAccept(ctx, id)
}

// Reject deletes the request. Rejecting a vanished request is a no-op.
//
// An accept journals itself before it re-reads the request, so a journal
// entry seen before the delete means the accept got there first. After the
// delete the journal is consulted again: an accept that read the request
// before it was deleted goes on to write the edges, and the rejection then
// reports ErrAlreadyResolved instead of success.
func (l *Ledger) Reject(ctx context.Context, id model.RequestID) error {
	log := logrus.WithField("request_id", id.String())

	journaled, _, err := l.acceptState(ctx, id)
	if err != nil {
		return err
	}
	if journaled {
		log.Info("ledger: reject lost to an accept in flight")
		return errAcceptInFlight
	}

	err = l.store.Delete(ctx, model.FriendRequestsCollection(id.RecipientID), id.SenderID)
	if errors.Is(err, model.ErrNotFound) {
		log.Info("ledger: request already resolved")
		return nil
	}
	if err != nil {
		return err
	}

	accepted, err := l.settle(ctx, id)
	if err != nil {
		return err
	}
	if accepted {
		log.Info("ledger: reject lost to an accept in flight")
		return errAcceptInFlight
	}

	if l.rejections != nil && l.policy.RejectCooldown > 0 {
		if err := l.rejections.Record(ctx, id, l.policy.RejectCooldown); err != nil {
			// The rejection itself went through; only the cooldown is lost.
			log.WithError(err).Warn("ledger: failed to record rejection cooldown")
		}
	}
	log.Info("ledger: friend request rejected")
	return nil
}

var errAcceptInFlight = model.NewError(model.CodeAlreadyResolved, "friend request is being accepted")

// settleAttempts bounds how long Reject waits for a racing accept to either
// commit or abort.
const settleAttempts = 20

// settle waits for a journaled accept of id to finish and reports whether it
// committed the friendship. An accept that never finishes is treated as
// committed; recovery decides its outcome later.
func (l *Ledger) settle(ctx context.Context, id model.RequestID) (bool, error) {
	for attempt := 0; ; attempt++ {
		journaled, committed, err := l.acceptState(ctx, id)
		if err != nil {
			return false, err
		}
		if committed {
			return true, nil
		}
		if !journaled {
			return false, nil
		}
		if attempt == settleAttempts {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.policy.RetryBackoff):
		}
	}
}

// acceptState reports whether an accept of id is journaled and whether the
// recipient's edge to the sender exists.
func (l *Ledger) acceptState(ctx context.Context, id model.RequestID) (journaled, committed bool, err error) {
	_, err = l.store.Get(ctx, model.CollectionAcceptJournal, model.AcceptJournalKey(id))
	switch {
	case err == nil:
		journaled = true
	case !errors.Is(err, model.ErrNotFound):
		return false, false, err
	}
	_, err = l.store.Get(ctx, model.FriendsCollection(id.RecipientID), id.SenderID)
	switch {
	case err == nil:
		committed = true
	case !errors.Is(err, model.ErrNotFound):
		return false, false, err
	}
	return journaled, committed, nil
}

// ListPending returns the user's pending requests, oldest first, each joined
// with the sender's display name.
func (l *Ledger) ListPending(ctx context.Context, userID string) ([]model.PendingRequest, error) {
	docs, err := l.store.QueryEqual(ctx, model.FriendRequestsCollection(userID), "status", model.RequestStatusPending)
	if err != nil {
		return nil, err
	}
	return l.joinNames(ctx, userID, docs), nil
}

// SubscribePending delivers the full pending list on every change, until the
// handle or its scope is disposed.
func (l *Ledger) SubscribePending(ctx context.Context, scope *subscription.Scope, userID string, fn func([]model.PendingRequest)) (*subscription.Handle, error) {
	collection := model.FriendRequestsCollection(userID)
	filter := &docstore.Filter{Field: "status", Value: model.RequestStatusPending}
	return scope.Register("friendRequests:"+userID, func(h *subscription.Handle) (io.Closer, error) {
		return l.store.Subscribe(ctx, collection, filter, func(docs []docstore.Document, err error) {
			if err != nil {
				logrus.WithError(err).WithField("user_id", userID).Warn("ledger: pending refresh failed")
				return
			}
			pending := l.joinNames(ctx, userID, docs)
			h.Deliver(func() { fn(pending) })
		})
	})
}

func (l *Ledger) joinNames(ctx context.Context, userID string, docs []docstore.Document) []model.PendingRequest {
	pending := make([]model.PendingRequest, 0, len(docs))
	for _, doc := range docs {
		req, err := decodeRequest(doc, userID)
		if err != nil {
			logrus.WithError(err).WithField("key", doc.Key).Warn("ledger: skipping unreadable request")
			continue
		}
		if req.Status != model.RequestStatusPending {
			continue
		}
		name := "Unknown"
		if l.names != nil {
			name = l.names.DisplayName(ctx, req.SenderID)
		}
		pending = append(pending, model.PendingRequest{FriendRequest: req, SenderName: name})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

func decodeRequest(doc docstore.Document, recipientID string) (model.FriendRequest, error) {
	var req model.FriendRequest
	if err := docstore.Decode(doc, &req); err != nil {
		return model.FriendRequest{}, err
	}
	if req.SenderID == "" {
		req.SenderID = doc.Key
	}
	if req.RecipientID == "" {
		req.RecipientID = recipientID
	}
	return req, nil
}
