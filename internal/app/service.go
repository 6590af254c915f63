package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"poruka/api/internal/avatar"
	"poruka/api/internal/config"
	"poruka/api/internal/conversation"
	"poruka/api/internal/directory"
	"poruka/api/internal/docstore"
	"poruka/api/internal/graph"
	"poruka/api/internal/identity"
	"poruka/api/internal/ledger"
	"poruka/api/internal/model"
	"poruka/api/internal/profile"
	"poruka/api/internal/seal"
	"poruka/api/internal/subscription"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Mailer delivers account email.
type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, handle, verificationURL string) error
	SendPasswordChangedEmail(to, handle string) error
}

// Backends are the external systems the service runs on. Index, Avatars,
// Mailer and Ping may be nil.
type Backends struct {
	Store   docstore.LiveStore
	Redis   *redis.Client
	Index   *directory.Meili
	Avatars *avatar.Resolver
	Mailer  Mailer
	Ping    Pinger
}

// Service is the facade the HTTP layer and the CLI talk to. Every
// user-facing operation takes the caller from ctx.
type Service struct {
	cfg           config.Config
	backends      Backends
	profiles      *profile.Repository
	directory     *directory.Directory
	ledger        *ledger.Ledger
	mirror        *graph.Mirror
	stream        *conversation.Stream
	subscriptions *subscription.Manager
	tokens        *identity.Tokens
	revocations   *identity.Revocations
	verifications *identity.Verifications
	accounts      *identity.Accounts
}

func NewService(cfg config.Config, backends Backends) *Service {
	store := backends.Store
	profiles := profile.NewRepository(store)
	dir := directory.New(profiles, backends.Index)
	mirror := graph.NewMirror(store, profiles)

	policy := ledger.DefaultPolicy()
	policy.Reverse = ledger.ReversePolicy(cfg.ReverseRequestPolicy)
	policy.RejectCooldown = cfg.RejectCooldown
	if cfg.AcceptRetries > 0 {
		policy.AcceptRetries = cfg.AcceptRetries
	}
	var rejections ledger.Rejections
	var revocations *identity.Revocations
	var verifications *identity.Verifications
	if backends.Redis != nil {
		rejections = ledger.NewRedisRejections(backends.Redis)
		revocations = identity.NewRevocations(backends.Redis)
		verifications = identity.NewVerifications(backends.Redis, cfg.VerificationTTL)
	}

	return &Service{
		cfg:           cfg,
		backends:      backends,
		profiles:      profiles,
		directory:     dir,
		ledger:        ledger.New(store, mirror, dir, rejections, policy),
		mirror:        mirror,
		stream:        conversation.NewStream(store, seal.New(cfg.MessageSealKey)),
		subscriptions: subscription.NewManager(),
		tokens:        identity.NewTokens(cfg.JWTSecret, cfg.AccessTTL),
		revocations:   revocations,
		verifications: verifications,
		accounts:      identity.NewAccounts(store, profiles, cfg.DefaultAvatarRef),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.backends.Ping == nil {
		return nil
	}
	return s.backends.Ping.Ping(ctx)
}

// Subscriptions exposes the live subscription table.
func (s *Service) Subscriptions() *subscription.Manager {
	return s.subscriptions
}

type AuthResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Profile   ProfileView `json:"profile"`
}

// ProfileView is a profile with its avatar resolved to a readable URL.
type ProfileView struct {
	model.UserProfile
	AvatarURL string `json:"avatarUrl"`
}

type FriendView struct {
	model.FriendEdge
	AvatarURL string `json:"avatarUrl"`
}

func (s *Service) Register(ctx context.Context, req identity.RegisterRequest) (AuthResult, error) {
	created, err := s.accounts.Register(ctx, req)
	if err != nil {
		return AuthResult{}, err
	}
	s.directory.IndexProfile(created)
	return s.issue(ctx, created)
}

func (s *Service) Login(ctx context.Context, email, password string) (AuthResult, error) {
	p, err := s.accounts.Login(ctx, email, password)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issue(ctx, p)
}

func (s *Service) issue(ctx context.Context, p model.UserProfile) (AuthResult, error) {
	token, claims, err := s.tokens.Issue(p)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Token: token, ExpiresAt: claims.ExpiresAt.Time, Profile: s.view(ctx, p)}, nil
}

// Authenticate maps a bearer token to its user id.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return "", err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.Revoked(ctx, claims.ID)
		if err != nil {
			return "", model.Unavailable(err, "check token")
		}
		if revoked {
			return "", identity.ErrInvalidToken
		}
	}
	return claims.UserID(), nil
}

// Logout revokes the token until it expires.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil || s.revocations == nil {
		return nil
	}
	return s.revocations.Revoke(ctx, claims)
}

func (s *Service) Profile(ctx context.Context) (ProfileView, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return ProfileView{}, err
	}
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return ProfileView{}, err
	}
	return s.view(ctx, p), nil
}

type ProfileUpdate struct {
	Profile     ProfileView             `json:"profile"`
	Propagation graph.PropagationReport `json:"propagation"`
}

// UpdateProfile saves the caller's profile and fans mirrored fields out to
// every friend. Changing the email requires the current password.
func (s *Service) UpdateProfile(ctx context.Context, changes profile.Changes, currentPassword string) (ProfileUpdate, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return ProfileUpdate{}, err
	}
	changes.EmailVerified = nil
	if changes.Email != nil {
		current, err := s.profiles.Get(ctx, userID)
		if err != nil {
			return ProfileUpdate{}, err
		}
		if profile.NormalizeEmail(*changes.Email) != current.Email {
			if err := s.accounts.CheckPassword(ctx, userID, currentPassword); err != nil {
				return ProfileUpdate{}, err
			}
		}
	}
	return s.saveProfile(ctx, userID, changes)
}

// saveProfile applies changes and propagates them. Peers that could not be
// updated are reported, not failed.
func (s *Service) saveProfile(ctx context.Context, userID string, changes profile.Changes) (ProfileUpdate, error) {
	updated, changed, err := s.profiles.Update(ctx, userID, changes)
	if err != nil {
		return ProfileUpdate{}, err
	}
	if len(changed) > 0 {
		s.directory.IndexProfile(updated)
	}
	report, err := s.mirror.Propagate(ctx, userID, changed)
	if err != nil {
		// The profile itself is saved; reconcile repairs the peers later.
		logrus.WithError(err).WithField("user_id", userID).Warn("app: propagation did not run")
	}
	return ProfileUpdate{Profile: s.view(ctx, updated), Propagation: report}, nil
}

var errEmailDisabled = domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email delivery is not configured", nil)

// SendVerification mails the caller a link that confirms their current
// address.
func (s *Service) SendVerification(ctx context.Context) error {
	userID, err := identity.Require(ctx)
	if err != nil {
		return err
	}
	if s.backends.Mailer == nil || !s.backends.Mailer.IsConfigured() || s.verifications == nil {
		return errEmailDisabled
	}
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}
	if p.EmailVerified {
		return model.NewError(model.CodeValidation, "email is already verified")
	}
	token, err := s.verifications.Issue(ctx, userID, p.Email)
	if err != nil {
		return err
	}
	link := s.cfg.VerifyEmailURL + "?token=" + url.QueryEscape(token)
	if err := s.backends.Mailer.SendVerificationEmail(p.Email, p.Handle, link); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	logrus.WithField("user_id", userID).Info("app: verification email sent")
	return nil
}

// ConfirmEmail redeems a verification token, marks the address verified and
// mirrors the flag to every friend. A token for an address the user has since
// changed is rejected.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (ProfileUpdate, error) {
	if s.verifications == nil {
		return ProfileUpdate{}, errEmailDisabled
	}
	userID, email, err := s.verifications.Consume(ctx, strings.TrimSpace(token))
	if err != nil {
		return ProfileUpdate{}, err
	}
	p, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return ProfileUpdate{}, err
	}
	if p.Email != email {
		return ProfileUpdate{}, model.ErrInvalidVerificationToken
	}
	verified := true
	return s.saveProfile(ctx, userID, profile.Changes{EmailVerified: &verified})
}

// ChangePassword replaces the caller's password. The owner is told by email
// when mail is configured.
func (s *Service) ChangePassword(ctx context.Context, current, next string) error {
	userID, err := identity.Require(ctx)
	if err != nil {
		return err
	}
	if err := s.accounts.ChangePassword(ctx, userID, current, next); err != nil {
		return err
	}
	if s.backends.Mailer == nil || !s.backends.Mailer.IsConfigured() {
		return nil
	}
	p, err := s.profiles.Get(ctx, userID)
	if err == nil {
		err = s.backends.Mailer.SendPasswordChangedEmail(p.Email, p.Handle)
	}
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("app: password change notice not sent")
	}
	return nil
}

type Resolved struct {
	UserID string `json:"userId"`
	Handle string `json:"handle"`
}

func (s *Service) Resolve(ctx context.Context, query string) (Resolved, error) {
	if _, err := identity.Require(ctx); err != nil {
		return Resolved{}, err
	}
	userID, err := s.directory.Resolve(ctx, query)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{UserID: userID, Handle: s.directory.DisplayName(ctx, userID)}, nil
}

func (s *Service) Suggest(ctx context.Context, query string, limit int) ([]directory.Suggestion, error) {
	if _, err := identity.Require(ctx); err != nil {
		return nil, err
	}
	return s.directory.Suggest(query, limit), nil
}

// SendFriendRequest accepts either a recipient id or a search query that the
// directory resolves to one.
func (s *Service) SendFriendRequest(ctx context.Context, recipientID, query string) (model.RequestID, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return model.RequestID{}, err
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		recipientID, err = s.directory.Resolve(ctx, query)
		if err != nil {
			return model.RequestID{}, err
		}
	}
	return s.ledger.CreateRequest(ctx, userID, recipientID)
}

func (s *Service) PendingRequests(ctx context.Context) ([]model.PendingRequest, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListPending(ctx, userID)
}

// AcceptRequest accepts the request senderID sent to the caller.
func (s *Service) AcceptRequest(ctx context.Context, senderID string) error {
	userID, err := identity.Require(ctx)
	if err != nil {
		return err
	}
	return s.ledger.Accept(ctx, model.RequestID{RecipientID: userID, SenderID: senderID})
}

func (s *Service) RejectRequest(ctx context.Context, senderID string) error {
	userID, err := identity.Require(ctx)
	if err != nil {
		return err
	}
	return s.ledger.Reject(ctx, model.RequestID{RecipientID: userID, SenderID: senderID})
}

func (s *Service) Friends(ctx context.Context) ([]FriendView, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.mirror.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.friendViews(ctx, edges), nil
}

// ReconcileFriends repairs the caller's edges.
func (s *Service) ReconcileFriends(ctx context.Context) (graph.PropagationReport, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return graph.PropagationReport{}, err
	}
	return s.mirror.Reconcile(ctx, userID)
}

// ReconcileUser repairs a user's edges on behalf of an operator.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (graph.PropagationReport, error) {
	return s.mirror.Reconcile(ctx, userID)
}

// RecoverAccepts finishes interrupted accepts.
func (s *Service) RecoverAccepts(ctx context.Context) (int, error) {
	return s.mirror.Recover(ctx)
}

// conversationWith checks that the caller may talk to peer and returns the
// conversation key.
func (s *Service) conversationWith(ctx context.Context, peerID string) (string, string, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return "", "", err
	}
	friends, err := s.mirror.AreFriends(ctx, userID, peerID)
	if err != nil {
		return "", "", err
	}
	if !friends {
		return "", "", model.NewError(model.CodeNotFound, "no conversation with %s", peerID)
	}
	return userID, conversation.Key(userID, peerID), nil
}

func (s *Service) Messages(ctx context.Context, peerID string) ([]model.Message, error) {
	_, key, err := s.conversationWith(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return s.stream.History(ctx, key)
}

func (s *Service) SendMessage(ctx context.Context, peerID, content string) (string, error) {
	userID, key, err := s.conversationWith(ctx, peerID)
	if err != nil {
		return "", err
	}
	return s.stream.Append(ctx, key, userID, content)
}

func (s *Service) SubscribeConversation(ctx context.Context, scope *subscription.Scope, peerID string, fn func([]model.Message)) (*subscription.Handle, error) {
	_, key, err := s.conversationWith(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return s.stream.Subscribe(ctx, scope, key, fn)
}

func (s *Service) SubscribePending(ctx context.Context, scope *subscription.Scope, fn func([]model.PendingRequest)) (*subscription.Handle, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.SubscribePending(ctx, scope, userID, fn)
}

func (s *Service) SubscribeFriends(ctx context.Context, scope *subscription.Scope, fn func([]FriendView)) (*subscription.Handle, error) {
	userID, err := identity.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.mirror.SubscribeFriends(ctx, scope, userID, func(edges []model.FriendEdge) {
		fn(s.friendViews(ctx, edges))
	})
}

// Reindex pushes every profile into the suggestion index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.backends.Index == nil {
		return 0, nil
	}
	docs, err := s.backends.Store.List(ctx, model.CollectionUsers)
	if err != nil {
		return 0, err
	}
	profiles := make([]model.UserProfile, 0, len(docs))
	for _, doc := range docs {
		var p model.UserProfile
		if err := docstore.Decode(doc, &p); err != nil {
			continue
		}
		profiles = append(profiles, p)
	}
	if err := s.backends.Index.IndexProfiles(profiles); err != nil {
		return 0, err
	}
	return len(profiles), nil
}

func (s *Service) view(ctx context.Context, p model.UserProfile) ProfileView {
	return ProfileView{UserProfile: p, AvatarURL: s.avatarURL(ctx, p.AvatarRef)}
}

func (s *Service) friendViews(ctx context.Context, edges []model.FriendEdge) []FriendView {
	views := make([]FriendView, len(edges))
	for i, edge := range edges {
		views[i] = FriendView{FriendEdge: edge, AvatarURL: s.avatarURL(ctx, edge.AvatarRef)}
	}
	return views
}

func (s *Service) avatarURL(ctx context.Context, ref string) string {
	u, err := s.backends.Avatars.URL(ctx, ref)
	if err != nil {
		logrus.WithError(err).WithField("avatar_ref", ref).Warn("app: avatar url")
		return ""
	}
	return u
}
