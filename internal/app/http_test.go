package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poruka/api/internal/config"
	"poruka/api/internal/testutil"
)

func newTestService(t *testing.T, pinger Pinger) *Service {
	t.Helper()
	return buildTestService(t, func(b *Backends) { b.Ping = pinger })
}

func buildTestService(t *testing.T, customize func(*Backends)) *Service {
	t.Helper()
	store, client := testutil.NewLiveStore(t)
	cfg := config.Config{
		JWTSecret:            "test-secret",
		AccessTTL:            time.Hour,
		ReverseRequestPolicy: config.ReversePolicyReject,
		AcceptRetries:        2,
		DefaultAvatarRef:     "defaults/profile.jpg",
		VerifyEmailURL:       "https://app.poruka.test/verify-email",
		VerificationTTL:      time.Hour,
	}
	backends := Backends{Store: store, Redis: client}
	if customize != nil {
		customize(&backends)
	}
	return NewService(cfg, backends)
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c *apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rr.Body.Bytes(), &decoded), rr.Body.String())
	}
	return rr.Code, decoded
}

func register(t *testing.T, handler http.Handler, email, handle string) (*apiClient, string) {
	t.Helper()
	client := &apiClient{t: t, handler: handler}
	status, body := client.do(http.MethodPost, "/api/auth/register", map[string]any{
		"email": email, "password": "password123", "handle": handle,
	})
	require.Equal(t, http.StatusCreated, status, body)
	client.token = body["token"].(string)
	profile := body["profile"].(map[string]any)
	return client, profile["id"].(string)
}

func items(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	raw, ok := body["items"].([]any)
	require.True(t, ok, "items missing in %v", body)
	out := make([]map[string]any, len(raw))
	for i, item := range raw {
		out[i] = item.(map[string]any)
	}
	return out
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, nil), "*").Handler()
	anon := &apiClient{t: t, handler: handler}

	status, body := anon.do(http.MethodGet, "/api/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	anon.token = "garbage"
	status, _ = anon.do(http.MethodGet, "/api/friends", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegisterLoginLogout(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, nil), "*").Handler()
	alice, _ := register(t, handler, "alice@x.com", "alice")

	status, body := alice.do(http.MethodGet, "/api/profile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["handle"])
	assert.Equal(t, "defaults/profile.jpg", body["avatarRef"])

	anon := &apiClient{t: t, handler: handler}
	status, body = anon.do(http.MethodPost, "/api/auth/login", map[string]any{"email": "alice@x.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	status, body = anon.do(http.MethodPost, "/api/auth/login", map[string]any{"email": "ALICE@x.com", "password": "password123"})
	require.Equal(t, http.StatusOK, status)
	second := &apiClient{t: t, handler: handler, token: body["token"].(string)}

	status, _ = second.do(http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = second.do(http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Other tokens of the same user stay valid.
	status, _ = alice.do(http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = anon.do(http.MethodPost, "/api/auth/register", map[string]any{"email": "alice@x.com", "password": "password123", "handle": "other"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "EMAIL_TAKEN", body["code"])
}

func TestFriendshipAndMessagingFlow(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, nil), "*").Handler()
	ana, anaID := register(t, handler, "ana@x.com", "ana")
	bea, beaID := register(t, handler, "alice@x.com", "bea")

	status, body := ana.do(http.MethodGet, "/api/directory/resolve?q=alice@x.com", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, beaID, body["userId"])

	status, body = ana.do(http.MethodPost, "/api/friend-requests", map[string]any{"query": "alice@x.com"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, beaID, body["recipientId"])
	assert.Equal(t, anaID, body["senderId"])

	status, body = ana.do(http.MethodPost, "/api/friend-requests", map[string]any{"recipientId": beaID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DUPLICATE_REQUEST", body["code"])

	status, body = ana.do(http.MethodPost, "/api/friend-requests", map[string]any{"recipientId": anaID})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "SELF_REQUEST", body["code"])

	// Not friends yet.
	status, _ = ana.do(http.MethodPost, "/api/conversations/"+beaID+"/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = bea.do(http.MethodGet, "/api/friend-requests", nil)
	require.Equal(t, http.StatusOK, status)
	pending := items(t, body)
	require.Len(t, pending, 1)
	assert.Equal(t, anaID, pending[0]["senderId"])
	assert.Equal(t, "ana", pending[0]["senderName"])

	status, _ = bea.do(http.MethodPost, "/api/friend-requests/"+anaID+"/accept", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = bea.do(http.MethodPost, "/api/friend-requests/"+anaID+"/accept", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = bea.do(http.MethodGet, "/api/friend-requests", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, items(t, body))

	for _, c := range []struct {
		client *apiClient
		peer   string
	}{{ana, beaID}, {bea, anaID}} {
		status, body = c.client.do(http.MethodGet, "/api/friends", nil)
		require.Equal(t, http.StatusOK, status)
		friends := items(t, body)
		require.Len(t, friends, 1)
		assert.Equal(t, c.peer, friends[0]["id"])
	}

	status, body = ana.do(http.MethodPost, "/api/conversations/"+beaID+"/messages", map[string]any{"content": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "EMPTY_CONTENT", body["code"])

	status, _ = ana.do(http.MethodPost, "/api/conversations/"+beaID+"/messages", map[string]any{"content": "hello"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = bea.do(http.MethodPost, "/api/conversations/"+anaID+"/messages", map[string]any{"content": "hey"})
	require.Equal(t, http.StatusCreated, status)

	status, body = bea.do(http.MethodGet, "/api/conversations/"+anaID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	messages := items(t, body)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0]["content"])
	assert.Equal(t, "hey", messages[1]["content"])

	// A handle change reaches the friend's copy.
	status, body = bea.do(http.MethodPut, "/api/profile", map[string]any{"handle": "bea2"})
	require.Equal(t, http.StatusOK, status)
	propagation := body["propagation"].(map[string]any)
	assert.Equal(t, []any{anaID}, propagation["updated"])

	status, body = ana.do(http.MethodGet, "/api/friends", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bea2", items(t, body)[0]["handle"])

	status, body = ana.do(http.MethodPost, "/api/friends/reconcile", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["failed"])
}

func TestRejectFlow(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, nil), "*").Handler()
	ana, anaID := register(t, handler, "ana@x.com", "ana")
	bea, beaID := register(t, handler, "bea@x.com", "bea")

	status, _ := ana.do(http.MethodPost, "/api/friend-requests", map[string]any{"recipientId": beaID})
	require.Equal(t, http.StatusCreated, status)

	status, body := bea.do(http.MethodPost, "/api/friend-requests", map[string]any{"recipientId": anaID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DUPLICATE_REQUEST", body["code"])

	status, _ = bea.do(http.MethodPost, "/api/friend-requests/"+anaID+"/reject", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = bea.do(http.MethodPost, "/api/friend-requests/"+anaID+"/reject", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = bea.do(http.MethodGet, "/api/friends", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, items(t, body))
}

func TestDirectoryErrors(t *testing.T) {
	handler := NewHTTPServer(newTestService(t, nil), "*").Handler()
	ana, _ := register(t, handler, "ana@x.com", "ana")

	status, body := ana.do(http.MethodGet, "/api/directory/resolve?q=nobody", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])

	status, body = ana.do(http.MethodGet, "/api/directory/suggest?q=an", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, items(t, body))
}

func TestLiveConversationFeed(t *testing.T) {
	svc := newTestService(t, nil)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()
	handler := server.Config.Handler

	ana, anaID := register(t, handler, "ana@x.com", "ana")
	bea, beaID := register(t, handler, "bea@x.com", "bea")
	status, _ := ana.do(http.MethodPost, "/api/friend-requests", map[string]any{"recipientId": beaID})
	require.Equal(t, http.StatusCreated, status)
	status, _ = bea.do(http.MethodPost, "/api/friend-requests/"+anaID+"/accept", nil)
	require.Equal(t, http.StatusOK, status)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/live/conversations/" + beaID + "?access_token=" + ana.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var frame struct {
		Type  string           `json:"type"`
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "messages", frame.Type)
	assert.Empty(t, frame.Items)

	status, _ = bea.do(http.MethodPost, "/api/conversations/"+anaID+"/messages", map[string]any{"content": "ping"})
	require.Equal(t, http.StatusCreated, status)

	for len(frame.Items) == 0 {
		require.NoError(t, conn.ReadJSON(&frame))
	}
	assert.Equal(t, "ping", frame.Items[0]["content"])
	assert.Equal(t, 1, svc.Subscriptions().Active())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return svc.Subscriptions().Active() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLiveFeedRejectsStrangers(t *testing.T) {
	svc := newTestService(t, nil)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()
	handler := server.Config.Handler

	ana, _ := register(t, handler, "ana@x.com", "ana")
	_, beaID := register(t, handler, "bea@x.com", "bea")

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/live/conversations/" + beaID + "?access_token=" + ana.token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, svc.Subscriptions().Active())
}

func TestLiveFeedChecksOrigin(t *testing.T) {
	svc := newTestService(t, nil)
	server := httptest.NewServer(NewHTTPServer(svc, "https://app.poruka.test").Handler())
	defer server.Close()
	handler := server.Config.Handler

	ana, _ := register(t, handler, "ana@x.com", "ana")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/live/friends?access_token=" + ana.token

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, svc.Subscriptions().Active())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://app.poruka.test"}})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		cors, origin string
		allowed      bool
	}{
		{"*", "https://evil.test", true},
		{"", "https://evil.test", true},
		{"https://app.poruka.test", "", true},
		{"https://app.poruka.test", "https://app.poruka.test", true},
		{"https://app.poruka.test/", "https://APP.poruka.test", true},
		{"https://app.poruka.test", "https://evil.test", false},
		{"https://app.poruka.test", "http://app.poruka.test", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, originAllowed(tt.cors, tt.origin), "cors=%q origin=%q", tt.cors, tt.origin)
	}
}
