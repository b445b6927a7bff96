package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/auth"
	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/presence"
	"github.com/rehabcare/messaging/internal/protocol"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/rooms"
	"github.com/rehabcare/messaging/internal/storage/memory"
	"github.com/rehabcare/messaging/internal/ws"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type server struct {
	t     *testing.T
	srv   *httptest.Server
	jwt   *auth.JWTAuthenticator
	store *memory.Store
	reg   *registry.Registry
	idx   *rooms.Index
	convs *conversation.Manager
	disp  *ws.Dispatcher
}

func newServer(t *testing.T) *server {
	t.Helper()
	jwtAuth, err := auth.NewJWTAuthenticator(testSecret, "rehab-test")
	require.NoError(t, err)

	store := memory.New()
	reg := registry.New(0)
	convs := conversation.New(store, store)
	idx := rooms.New(convs, reg)
	disp := ws.NewDispatcher(reg, idx, convs, store)
	pres := presence.New(reg, memory.NewPresence())

	h := NewRouter(RouterDeps{
		Auth:           jwtAuth,
		Dispatcher:     disp,
		Conversations:  convs,
		Registry:       reg,
		Presence:       pres,
		AllowedOrigins: []string{"*"},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})
	return &server{t: t, srv: srv, jwt: jwtAuth, store: store, reg: reg, idx: idx, convs: convs, disp: disp}
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *server) dial(id model.Identity) *websocket.Conn {
	s.t.Helper()
	token, err := s.jwt.Issue(id, time.Minute)
	require.NoError(s.t, err)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), hdr)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = conn.Close() })
	convIDs, err := s.convs.ConversationsFor(context.Background(), id)
	require.NoError(s.t, err)
	// Connect joins rooms after the upgrade response; wait for it.
	require.Eventually(s.t, func() bool {
		return s.reg.IsOnline(id) && len(s.idx.JoinedRooms(id)) == len(convIDs)
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.EventType) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == want {
			return env
		}
	}
}

func (s *server) do(method, path, body string) *http.Response {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWS_HandshakeWithoutTokenIs401(t *testing.T) {
	req := require.New(t)
	s := newServer(t)

	// When dialing without a credential
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)

	// Then the upgrade is refused before a connection is registered
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(0, s.reg.Count())
}

func TestWS_HandshakeWithExpiredTokenIs401(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	token, err := s.jwt.Issue("alice", -time.Hour)
	req.NoError(err)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL()+"?token="+token, nil)

	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_SendReachesRoomAndSender(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	ctx := context.Background()

	// Given a group conversation of alice and bob, both connected
	conv, err := s.disp.CreateConversation(ctx, &model.Conversation{
		Type:         model.ConversationGroup,
		CreatedBy:    "alice",
		Participants: []model.Participant{{UserID: "bob"}},
	})
	req.NoError(err)
	alice := s.dial("alice")
	bob := s.dial("bob")

	// When alice sends a message
	req.NoError(alice.WriteJSON(map[string]any{
		"type":    protocol.EventSendMessage,
		"payload": map[string]any{"conversationId": conv.ID, "content": "hello"},
	}))

	// Then bob gets new_message and alice gets message_sent
	env := readUntil(t, bob, protocol.EventNewMessage)
	var got protocol.NewMessagePayload
	req.NoError(json.Unmarshal(env.Payload, &got))
	req.Equal(conv.ID, got.ConversationID)
	req.Equal("hello", got.Message.Content)
	req.Equal(model.Identity("alice"), got.Message.SenderID)

	readUntil(t, alice, protocol.EventMessageSent)
	req.Equal(1, s.store.MessageCount(conv.ID))
}

func TestWS_InvalidFrameYieldsMessageError(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial("alice")

	// When a frame with an unknown type arrives
	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance","payload":{}}`)))

	// Then only the sender gets message_error and the connection survives
	env := readUntil(t, alice, protocol.EventMessageError)
	var p protocol.ErrorPayload
	req.NoError(json.Unmarshal(env.Payload, &p))
	req.Equal("validation", p.Code)
	req.True(s.reg.IsOnline("alice"))
}

func TestWS_CloseGoesOffline(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial("alice")

	req.NoError(alice.Close())

	req.Eventually(func() bool { return !s.reg.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)
}

func TestWS_ConcurrentReconnectsConverge(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	token, err := s.jwt.Issue("alice", time.Minute)
	req.NoError(err)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	// Given many connections for the same user opening and closing at once
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), hdr)
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(20 * time.Millisecond)
			_ = conn.Close()
		}()
	}
	wg.Wait()

	// Then every replaced or closed session is torn down
	req.Eventually(func() bool { return !s.reg.IsOnline("alice") && s.reg.Count() == 0 },
		5*time.Second, 10*time.Millisecond)

	// And a fresh connection is registered and stays registered
	alice := s.dial("alice")
	req.Equal(1, s.reg.Count())
	req.Never(func() bool { return !s.reg.IsOnline("alice") }, 100*time.Millisecond, 10*time.Millisecond)

	req.NoError(alice.Close())
	req.Eventually(func() bool { return !s.reg.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)
}

func TestWS_OnlineStatusBroadcast(t *testing.T) {
	req := require.New(t)
	s := newServer(t)
	alice := s.dial("alice")

	// When bob connects
	s.dial("bob")

	// Then alice sees bob online
	env := readUntil(t, alice, protocol.EventUserStatusChange)
	var p protocol.UserStatusPayload
	req.NoError(json.Unmarshal(env.Payload, &p))
	for p.UserID != "bob" {
		env = readUntil(t, alice, protocol.EventUserStatusChange)
		req.NoError(json.Unmarshal(env.Payload, &p))
	}
	req.Equal(protocol.StatusOnline, p.Status)
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	s := newServer(t)

	resp := s.do(http.MethodGet, "/health", "")

	req.Equal(http.StatusOK, resp.StatusCode)
	var body map[string]any
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body["status"])
}
