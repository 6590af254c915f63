// Package conversation is the append-only message log between two users and
// its live, ordered view.
package conversation

import (
	"context"
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"poruka/api/internal/docstore"
	"poruka/api/internal/model"
	"poruka/api/internal/seal"
	"poruka/api/internal/subscription"
)

type Stream struct {
	store  docstore.LiveStore
	sealer *seal.Sealer
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	entropy  *ulid.MonotonicEntropy
}

// NewStream creates a stream. sealer may be nil to store plaintext.
func NewStream(store docstore.LiveStore, sealer *seal.Sealer) *Stream {
	return &Stream{
		store:    store,
		sealer:   sealer,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *Stream) WithClock(now func() time.Time) *Stream {
	s.now = now
	return s
}

// Key returns the conversation key for two users in either order.
func Key(a, b string) string {
	return model.ConversationKey(a, b)
}

// Append stores one message and returns its id. sentAt is strictly
// increasing per sender even if the clock stalls or steps back.
func (s *Stream) Append(ctx context.Context, key, senderID, content string) (string, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return "", model.ErrNotAuthenticated
	}
	if strings.TrimSpace(content) == "" {
		return "", model.ErrEmptyContent
	}
	a, b, ok := model.Participants(key)
	if !ok {
		return "", model.NewError(model.CodeValidation, "invalid conversation key %q", key)
	}
	if senderID != a && senderID != b {
		return "", model.NewError(model.CodeValidation, "sender is not a participant of %s", key)
	}

	stored := content
	if s.sealer.Enabled() {
		sealed, err := s.sealer.Seal(content)
		if err != nil {
			return "", err
		}
		stored = sealed
	}

	id, sentAt, err := s.stamp(senderID)
	if err != nil {
		return "", err
	}
	fields, err := docstore.Encode(model.Message{
		ID:              id,
		SenderID:        senderID,
		ConversationKey: key,
		Content:         stored,
		SentAt:          sentAt,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, model.MessagesCollection(key), id, fields); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"conversation": key, "message_id": id}).Debug("conversation: message appended")
	return id, nil
}

func (s *Stream) stamp(senderID string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sentAt := s.now().UTC()
	if last, ok := s.lastSent[senderID]; ok && !sentAt.After(last) {
		sentAt = last.Add(time.Microsecond)
	}
	id, err := ulid.New(ulid.Timestamp(sentAt), s.entropy)
	if err != nil {
		return "", time.Time{}, err
	}
	s.lastSent[senderID] = sentAt
	return id.String(), sentAt, nil
}

// History returns the conversation ordered by (sentAt, id).
func (s *Stream) History(ctx context.Context, key string) ([]model.Message, error) {
	docs, err := s.store.List(ctx, model.MessagesCollection(key))
	if err != nil {
		return nil, err
	}
	return s.decode(key, docs), nil
}

// Subscribe delivers the whole ordered conversation after every change.
// Callers replace their view with each delivery.
func (s *Stream) Subscribe(ctx context.Context, scope *subscription.Scope, key string, onUpdate func([]model.Message)) (*subscription.Handle, error) {
	collection := model.MessagesCollection(key)
	return scope.Register("conversation:"+key, func(h *subscription.Handle) (io.Closer, error) {
		return s.store.Subscribe(ctx, collection, nil, func(docs []docstore.Document, err error) {
			if err != nil {
				logrus.WithError(err).WithField("conversation", key).Warn("conversation: refresh failed")
				return
			}
			messages := s.decode(key, docs)
			h.Deliver(func() { onUpdate(messages) })
		})
	})
}

func (s *Stream) decode(key string, docs []docstore.Document) []model.Message {
	messages := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		var msg model.Message
		if err := docstore.Decode(doc, &msg); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"conversation": key, "key": doc.Key}).Warn("conversation: skipping unreadable message")
			continue
		}
		if msg.ID == "" {
			msg.ID = doc.Key
		}
		if msg.ConversationKey == "" {
			msg.ConversationKey = key
		}
		plain, err := s.sealer.Open(msg.Content)
		if err != nil {
			logrus.WithError(err).WithField("message_id", msg.ID).Warn("conversation: cannot open message")
			continue
		}
		msg.Content = plain
		messages = append(messages, msg)
	}
	model.SortMessages(messages)
	return messages
}
