// Package graph maintains the denormalized friend graph: two edges per
// friendship, each owner holding a copy of the counterpart's profile.
//
// No step is transactional. Every write is an overwrite by value, so any
// sequence can be replayed after a crash or a store outage and converge to the
// same state. Accepts are journaled before their first write so that Recover
// can finish those that were interrupted.
package graph

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
	"poruka/api/internal/profile"
	"poruka/api/internal/subscription"
)

type Mirror struct {
	store    docstore.LiveStore
	profiles *profile.Repository
	now      func() time.Time
}

func NewMirror(store docstore.LiveStore, profiles *profile.Repository) *Mirror {
	return &Mirror{store: store, profiles: profiles, now: time.Now}
}

// WithClock replaces the clock used for syncedAt and journal timestamps.
func (m *Mirror) WithClock(now func() time.Time) *Mirror {
	m.now = now
	return m
}

// Materialize writes edge(a→b) from b's profile, then edge(b→a) from a's.
func (m *Mirror) Materialize(ctx context.Context, a, b string) error {
	profileA, err := m.profiles.Get(ctx, a)
	if err != nil {
		return err
	}
	profileB, err := m.profiles.Get(ctx, b)
	if err != nil {
		return err
	}
	if err := m.writeEdge(ctx, a, profileB); err != nil {
		return err
	}
	return m.writeEdge(ctx, b, profileA)
}

func (m *Mirror) writeEdge(ctx context.Context, ownerID string, counterpart model.UserProfile) error {
	fields, err := docstore.Encode(model.Snapshot(ownerID, counterpart, m.now()))
	if err != nil {
		return err
	}
	return m.store.Put(ctx, model.FriendsCollection(ownerID), counterpart.ID, fields)
}

type journalEntry struct {
	RecipientID string    `json:"recipientId"`
	SenderID    string    `json:"senderId"`
	StartedAt   time.Time `json:"startedAt"`
}

func pair(id model.RequestID) string {
	return model.ConversationKey(id.RecipientID, id.SenderID)
}

// CompleteAccept runs the accept sequence for a request: journal the intent,
// confirm the request is still there, write both edges, consume the request,
// clear the journal. Every step is safe to repeat.
//
// The journal entry is what Reject checks for, so the request is re-read only
// after it is written. A request that vanished before any edge was written
// was rejected and the accept fails with ErrAlreadyResolved. If an edge
// already exists the friendship was committed by an earlier run and is
// finished.
func (m *Mirror) CompleteAccept(ctx context.Context, id model.RequestID) error {
	log := logrus.WithFields(logrus.Fields{"request_id": id.String(), "pair": pair(id)})

	fields, err := docstore.Encode(journalEntry{RecipientID: id.RecipientID, SenderID: id.SenderID, StartedAt: m.now().UTC()})
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, model.CollectionAcceptJournal, model.AcceptJournalKey(id), fields); err != nil {
		return err
	}
	log.Debug("graph: accept journaled")

	_, err = m.store.Get(ctx, model.FriendRequestsCollection(id.RecipientID), id.SenderID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		committed, err := m.committed(ctx, id)
		if err != nil {
			return err
		}
		if !committed {
			m.clearJournal(ctx, id, log)
			log.Info("graph: request resolved before accept, nothing materialized")
			return model.ErrAlreadyResolved
		}
	case err != nil:
		return err
	}

	recipient, err := m.profiles.Get(ctx, id.RecipientID)
	if err != nil {
		return err
	}
	sender, err := m.profiles.Get(ctx, id.SenderID)
	if err != nil {
		return err
	}
	if err := m.writeEdge(ctx, id.RecipientID, sender); err != nil {
		return err
	}
	log.Debug("graph: edge recipient->sender written")
	if err := m.writeEdge(ctx, id.SenderID, recipient); err != nil {
		return err
	}
	log.Debug("graph: edge sender->recipient written")

	err = m.store.Delete(ctx, model.FriendRequestsCollection(id.RecipientID), id.SenderID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	log.Debug("graph: request consumed")

	m.clearJournal(ctx, id, log)
	log.Info("graph: friendship materialized")
	return nil
}

// committed reports whether either edge of the pair exists.
func (m *Mirror) committed(ctx context.Context, id model.RequestID) (bool, error) {
	for _, e := range [][2]string{{id.RecipientID, id.SenderID}, {id.SenderID, id.RecipientID}} {
		_, err := m.store.Get(ctx, model.FriendsCollection(e[0]), e[1])
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return false, err
		}
	}
	return false, nil
}

func (m *Mirror) clearJournal(ctx context.Context, id model.RequestID, log *logrus.Entry) {
	err := m.store.Delete(ctx, model.CollectionAcceptJournal, model.AcceptJournalKey(id))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		// A leftover entry only costs a replay.
		log.WithError(err).Warn("graph: failed to clear accept journal")
	}
}

// Recover finishes every journaled accept and returns how many it completed.
// A journal entry whose replay fails stays in place for the next pass.
func (m *Mirror) Recover(ctx context.Context) (int, error) {
	docs, err := m.store.List(ctx, model.CollectionAcceptJournal)
	if err != nil {
		return 0, err
	}
	completed := 0
	var failures []error
	for _, doc := range docs {
		var entry journalEntry
		if err := docstore.Decode(doc, &entry); err != nil {
			logrus.WithError(err).WithField("key", doc.Key).Warn("graph: skipping unreadable journal entry")
			continue
		}
		id := model.RequestID{RecipientID: entry.RecipientID, SenderID: entry.SenderID}
		err := m.CompleteAccept(ctx, id)
		if errors.Is(err, model.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			logrus.WithError(err).WithField("request_id", id.String()).Warn("graph: recovery replay failed")
			failures = append(failures, err)
			continue
		}
		completed++
	}
	if len(failures) > 0 {
		return completed, errors.Join(failures...)
	}
	return completed, nil
}

// PeerFailure records a peer whose edge could not be brought up to date.
type PeerFailure struct {
	OwnerID string `json:"ownerId"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// PropagationReport lists the edge owners whose copy was rewritten and those
// whose write failed.
type PropagationReport struct {
	Updated []string      `json:"updated"`
	Failed  []PeerFailure `json:"failed"`
}

func (r *PropagationReport) fail(ownerID string, err error) {
	r.Failed = append(r.Failed, PeerFailure{OwnerID: ownerID, Reason: err.Error(), Err: err})
}

// Propagate fans the user's current profile out to every peer's edge. Peer
// failures are collected in the report; only failing to read the user's own
// profile or edge set is an error.
func (m *Mirror) Propagate(ctx context.Context, userID string, changedFields []string) (PropagationReport, error) {
	report := PropagationReport{Updated: []string{}, Failed: []PeerFailure{}}
	if !touchesEdge(changedFields) {
		return report, nil
	}
	current, err := m.profiles.Get(ctx, userID)
	if err != nil {
		return report, err
	}
	peers, err := m.peers(ctx, userID)
	if err != nil {
		return report, err
	}

	log := logrus.WithField("user_id", userID)
	for _, peer := range peers {
		if err := m.writeEdge(ctx, peer, current); err != nil {
			log.WithError(err).WithField("peer", peer).Warn("graph: propagate to peer failed")
			report.fail(peer, err)
			continue
		}
		report.Updated = append(report.Updated, peer)
	}
	log.WithFields(logrus.Fields{"updated": len(report.Updated), "failed": len(report.Failed)}).Info("graph: profile propagated")
	return report, nil
}

// Reconcile repairs every edge touching the user. Edges the user owns are
// compared with each friend's canonical profile, and each friend's edge back
// to the user is compared with the user's canonical profile. Stale or missing
// edges are rewritten; a friend whose profile is gone is skipped.
func (m *Mirror) Reconcile(ctx context.Context, userID string) (PropagationReport, error) {
	report := PropagationReport{Updated: []string{}, Failed: []PeerFailure{}}
	current, err := m.profiles.Get(ctx, userID)
	if err != nil {
		return report, err
	}
	edges, err := m.edges(ctx, userID)
	if err != nil {
		return report, err
	}

	log := logrus.WithField("user_id", userID)
	for _, edge := range edges {
		peer := edge.ID
		canonical, err := m.profiles.Get(ctx, peer)
		switch {
		case errors.Is(err, model.ErrNotFound):
			log.WithField("peer", peer).Warn("graph: friend profile missing, skipping")
			continue
		case err != nil:
			report.fail(userID, err)
			continue
		}
		if !edge.Agrees(canonical) {
			if err := m.writeEdge(ctx, userID, canonical); err != nil {
				report.fail(userID, err)
			} else {
				report.Updated = append(report.Updated, userID)
			}
		}

		mirrored, err := m.edge(ctx, peer, userID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			report.fail(peer, err)
			continue
		}
		if err == nil && mirrored.Agrees(current) {
			continue
		}
		if err := m.writeEdge(ctx, peer, current); err != nil {
			log.WithError(err).WithField("peer", peer).Warn("graph: reconcile peer failed")
			report.fail(peer, err)
			continue
		}
		report.Updated = append(report.Updated, peer)
	}
	log.WithFields(logrus.Fields{"updated": len(report.Updated), "failed": len(report.Failed)}).Info("graph: reconciled")
	return report, nil
}

// AreFriends reports whether the user holds an edge for peer.
func (m *Mirror) AreFriends(ctx context.Context, userID, peerID string) (bool, error) {
	_, err := m.store.Get(ctx, model.FriendsCollection(userID), peerID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListFriends returns the user's edges ordered by handle.
func (m *Mirror) ListFriends(ctx context.Context, userID string) ([]model.FriendEdge, error) {
	return m.edges(ctx, userID)
}

// SubscribeFriends delivers the full friend list on every change.
func (m *Mirror) SubscribeFriends(ctx context.Context, scope *subscription.Scope, userID string, fn func([]model.FriendEdge)) (*subscription.Handle, error) {
	collection := model.FriendsCollection(userID)
	return scope.Register("friends:"+userID, func(h *subscription.Handle) (io.Closer, error) {
		return m.store.Subscribe(ctx, collection, nil, func(docs []docstore.Document, err error) {
			if err != nil {
				logrus.WithError(err).WithField("user_id", userID).Warn("graph: friends refresh failed")
				return
			}
			edges := decodeEdges(userID, docs)
			h.Deliver(func() { fn(edges) })
		})
	})
}

func (m *Mirror) edge(ctx context.Context, ownerID, counterpartID string) (model.FriendEdge, error) {
	doc, err := m.store.Get(ctx, model.FriendsCollection(ownerID), counterpartID)
	if err != nil {
		return model.FriendEdge{}, err
	}
	var edge model.FriendEdge
	if err := docstore.Decode(doc, &edge); err != nil {
		return model.FriendEdge{}, err
	}
	if edge.ID == "" {
		edge.ID = doc.Key
	}
	return edge, nil
}

func (m *Mirror) edges(ctx context.Context, ownerID string) ([]model.FriendEdge, error) {
	docs, err := m.store.List(ctx, model.FriendsCollection(ownerID))
	if err != nil {
		return nil, err
	}
	return decodeEdges(ownerID, docs), nil
}

func (m *Mirror) peers(ctx context.Context, userID string) ([]string, error) {
	edges, err := m.edges(ctx, userID)
	if err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(edges))
	for _, edge := range edges {
		peers = append(peers, edge.ID)
	}
	sort.Strings(peers)
	return peers, nil
}

func decodeEdges(ownerID string, docs []docstore.Document) []model.FriendEdge {
	edges := make([]model.FriendEdge, 0, len(docs))
	for _, doc := range docs {
		var edge model.FriendEdge
		if err := docstore.Decode(doc, &edge); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"owner": ownerID, "key": doc.Key}).Warn("graph: skipping unreadable edge")
			continue
		}
		if edge.ID == "" {
			edge.ID = doc.Key
		}
		if edge.OwnerID == "" {
			edge.OwnerID = ownerID
		}
		edges = append(edges, edge)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return strings.ToLower(edges[i].Handle) < strings.ToLower(edges[j].Handle)
	})
	return edges
}

func touchesEdge(changed []string) bool {
	for _, field := range changed {
		for _, edgeField := range model.EdgeFields {
			if field == edgeField {
				return true
			}
		}
	}
	return false
}
