// Package model holds the records the social graph and messaging engine
// reads and writes, the collection layout they live in, and the engine's
// error taxonomy.
package model

import (
	"sort"
	"strings"
	"time"
)

type UserProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Handle        string `json:"handle"`
	AvatarRef     string `json:"avatarRef"`
	EmailVerified bool   `json:"emailVerified"`
}

// Profile fields copied into friend edges. A change to any of them has to be
// fanned out to every peer's mirror.
const (
	FieldEmail         = "email"
	FieldHandle        = "handle"
	FieldAvatarRef     = "avatarRef"
	FieldEmailVerified = "emailVerified"
)

var EdgeFields = []string{FieldEmail, FieldHandle, FieldAvatarRef, FieldEmailVerified}

const RequestStatusPending = "pending"

// RequestID identifies a friend request: requests live under the recipient
// and are keyed by the sender, so the pair is the identity.
type RequestID struct {
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId"`
}

func (id RequestID) String() string {
	return id.SenderID + "->" + id.RecipientID
}

type FriendRequest struct {
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (r FriendRequest) ID() RequestID {
	return RequestID{RecipientID: r.RecipientID, SenderID: r.SenderID}
}

// PendingRequest is a FriendRequest joined with the sender's display name.
type PendingRequest struct {
	FriendRequest
	SenderName string `json:"senderName"`
}

// FriendEdge is the owner's denormalized copy of a friend's profile.
type FriendEdge struct {
	OwnerID string `json:"ownerId"`
	UserProfile
	SyncedAt time.Time `json:"syncedAt"`
}

// Snapshot copies the profile fields an edge mirrors.
func Snapshot(ownerID string, profile UserProfile, now time.Time) FriendEdge {
	return FriendEdge{OwnerID: ownerID, UserProfile: profile, SyncedAt: now.UTC()}
}

// Agrees reports whether the edge still mirrors the canonical profile.
func (e FriendEdge) Agrees(profile UserProfile) bool {
	return e.UserProfile == profile
}

type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	ConversationKey string    `json:"conversationKey"`
	Content         string    `json:"content"`
	SentAt          time.Time `json:"sentAt"`
}

// SortMessages orders messages by (sentAt, id) ascending.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.ID < b.ID
	})
}

// ConversationKey is the unordered identifier of the stream between a and b.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// Participants splits a conversation key back into its two user ids.
func Participants(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, "_")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// Collections.
const (
	CollectionUsers         = "users"
	CollectionCredentials   = "credentials"
	CollectionAcceptJournal = "acceptJournal"
)

// AcceptJournalKey is the key of a request's entry in the accept journal.
func AcceptJournalKey(id RequestID) string {
	return id.RecipientID + ":" + id.SenderID
}

func FriendsCollection(ownerID string) string {
	return CollectionUsers + "/" + ownerID + "/friends"
}

func FriendRequestsCollection(recipientID string) string {
	return CollectionUsers + "/" + recipientID + "/friendRequests"
}

func MessagesCollection(conversationKey string) string {
	return "conversations/" + conversationKey + "/messages"
}
