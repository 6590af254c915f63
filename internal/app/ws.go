package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"poruka/api/internal/identity"
	"poruka/api/internal/model"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePingInterval = 30 * time.Second
)

func newUpgrader(corsOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(corsOrigin, r.Header.Get("Origin")) },
	}
}

// originAllowed applies the CORS origin to websocket upgrades. Clients that
// send no Origin are not browsers and are let through.
func originAllowed(corsOrigin, origin string) bool {
	corsOrigin = strings.TrimSpace(corsOrigin)
	if corsOrigin == "" || corsOrigin == "*" || origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(corsOrigin, "/"))
}

// liveFrame is one full snapshot pushed to a websocket client. Clients
// replace their view with items on every frame.
type liveFrame struct {
	Type  string `json:"type"`
	Items any    `json:"items"`
}

// latest is a one-slot mailbox that keeps only the newest snapshot.
type latest chan liveFrame

func (l latest) put(frame liveFrame) {
	for {
		select {
		case l <- frame:
			return
		default:
		}
		select {
		case <-l:
		default:
		}
	}
}

// handleLive serves the websocket feeds. The subscription lives in a scope
// that is closed when the connection ends, whichever side ends it.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet || len(parts) < 3 {
		s.fail(w, r, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown live feed", nil))
		return
	}
	if !originAllowed(s.corsOrigin, r.Header.Get("Origin")) {
		s.fail(w, r, domainError(http.StatusForbidden, "FORBIDDEN_ORIGIN", "Origin not allowed", nil))
		return
	}
	userID := identity.CurrentUserID(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	scope := s.service.Subscriptions().NewScope("ws:" + userID)
	defer scope.Close()

	out := make(latest, 1)
	var err error
	switch {
	case parts[2] == "conversations" && len(parts) == 4:
		_, err = s.service.SubscribeConversation(ctx, scope, parts[3], func(messages []model.Message) {
			out.put(liveFrame{Type: "messages", Items: messages})
		})
	case parts[2] == "friend-requests" && len(parts) == 3:
		_, err = s.service.SubscribePending(ctx, scope, func(pending []model.PendingRequest) {
			out.put(liveFrame{Type: "friendRequests", Items: pending})
		})
	case parts[2] == "friends" && len(parts) == 3:
		_, err = s.service.SubscribeFriends(ctx, scope, func(friends []FriendView) {
			out.put(liveFrame{Type: "friends", Items: friends})
		})
	default:
		err = domainError(http.StatusNotFound, "NOT_FOUND", "Unknown live feed", nil)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("request_id", requestID(r.Context())).Debug("app: websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{"request_id": requestID(r.Context()), "scope": scope.ID()})
	log.Debug("app: live feed opened")

	// The read loop only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			log.Debug("app: live feed closed")
			return
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				log.WithError(err).Debug("app: live feed write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return
			}
		}
	}
}
