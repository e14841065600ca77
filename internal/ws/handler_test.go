package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/auth"
	"teamchat/internal/models"
	"teamchat/internal/protocol"
	"teamchat/internal/registry"
	"teamchat/internal/repositories"
	"teamchat/internal/router"
	"teamchat/internal/store"
)

type harness struct {
	server *httptest.Server
	store  *store.Store
	router *router.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New()
	rt := router.New(reg, zap.NewNop(), router.Options{})
	st := store.New(repositories.NewBadgerChannelRepo(db), repositories.NewBadgerMessageRepo(db), rt, zap.NewNop(), store.Options{})
	h := NewHandler(st, rt, reg, auth.HeaderAuthenticator{}, zap.NewNop(), Options{})

	engine := gin.New()
	engine.GET("/ws", h.Handle)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		rt.CloseAll("shutdown")
		srv.Close()
	})
	return &harness{server: srv, store: st, router: rt}
}

func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?user_id=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// nextEvent reads until a frame named event arrives, skipping others.
func nextEvent(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// joinAndWait subscribes through sync so the caller knows the subscription is live.
func joinAndWait(t *testing.T, conn *websocket.Conn, channelID string) protocol.History {
	t.Helper()
	sendEvent(t, conn, protocol.EventSync, protocol.Sync{ChannelID: channelID})
	return decodeData[protocol.History](t, nextEvent(t, conn, protocol.EventHistory))
}

func (h *harness) channel(t *testing.T, id string, kind models.ChannelKind, creator string, members ...string) {
	t.Helper()
	_, err := h.store.CreateChannel(context.Background(), store.CreateChannelRequest{
		ID: id, Kind: kind, Name: id, CreatorID: creator, Members: members,
	})
	require.NoError(t, err)
}

func TestSendMessageConfirmsSenderAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")

	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	joinAndWait(t, bob, "general")

	sendEvent(t, alice, protocol.EventSendMessage, protocol.SendMessage{
		SenderID: "alice", ChannelID: "general", Content: "hello", ClientID: "tmp-1",
	})

	confirmed := decodeData[protocol.ReceiveMessage](t, nextEvent(t, alice, protocol.EventReceiveMessage))
	assert.Equal(t, "tmp-1", confirmed.ClientID)
	assert.Equal(t, "hello", confirmed.Content)
	assert.NotEmpty(t, confirmed.ID)

	received := decodeData[protocol.ReceiveMessage](t, nextEvent(t, bob, protocol.EventReceiveMessage))
	assert.Equal(t, confirmed.ID, received.ID)
	assert.Equal(t, "alice", received.SenderID)
}

func TestSendMessageWithoutClientIDIsAppended(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")

	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	joinAndWait(t, bob, "general")

	sendEvent(t, alice, protocol.EventSendMessage, map[string]any{
		"senderId":  "alice",
		"content":   "plain send",
		"timestamp": time.Now().UTC(),
		"channelId": "general",
	})

	own := decodeData[protocol.ReceiveMessage](t, nextEvent(t, alice, protocol.EventReceiveMessage))
	assert.Empty(t, own.ClientID)
	assert.Equal(t, "plain send", own.Content)

	received := decodeData[protocol.ReceiveMessage](t, nextEvent(t, bob, protocol.EventReceiveMessage))
	assert.Equal(t, own.ID, received.ID)
	assert.Equal(t, "alice", received.SenderID)
}

func TestSendMessageRejectsInvalidBody(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	alice := h.dial(t, "alice")

	sendEvent(t, alice, protocol.EventSendMessage, protocol.SendMessage{ChannelID: "general", Content: "   ", ClientID: "tmp-2"})

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, alice, protocol.EventRequestRejected))
	assert.Equal(t, "tmp-2", rejected.RequestID)
	assert.Equal(t, store.ErrEmptyBody.Code, rejected.Code)
	assert.Equal(t, protocol.EventSendMessage, rejected.Op)
}

func TestSendMessageRejectsForeignSender(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	bob := h.dial(t, "bob")

	sendEvent(t, bob, protocol.EventSendMessage, protocol.SendMessage{SenderID: "alice", ChannelID: "general", Content: "hi", ClientID: "tmp-3"})

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, bob, protocol.EventRequestRejected))
	assert.Equal(t, "sender_mismatch", rejected.Code)
	assert.Equal(t, "tmp-3", rejected.RequestID)
}

func TestEditByNonOwnerIsRejected(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	msg, err := h.store.Append(context.Background(), store.AppendRequest{ChannelID: "general", SenderID: "alice", Body: "original"})
	require.NoError(t, err)

	bob := h.dial(t, "bob")
	joinAndWait(t, bob, "general")
	sendEvent(t, bob, protocol.EventEditMessage, protocol.EditMessage{MessageID: msg.ID, Content: "hijack", RequestID: "r1"})

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, bob, protocol.EventRequestRejected))
	assert.Equal(t, "r1", rejected.RequestID)
	assert.Equal(t, store.ErrNotOwner.Code, rejected.Code)

	history := joinAndWait(t, bob, "general")
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "original", history.Messages[0].Content)
}

func TestEditAndReactBroadcast(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	msg, err := h.store.Append(context.Background(), store.AppendRequest{ChannelID: "general", SenderID: "alice", Body: "draft"})
	require.NoError(t, err)

	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	joinAndWait(t, alice, "general")
	joinAndWait(t, bob, "general")

	sendEvent(t, alice, protocol.EventEditMessage, protocol.EditMessage{MessageID: msg.ID, Content: "final", RequestID: "e1"})
	edited := decodeData[protocol.MessageEdited](t, nextEvent(t, bob, protocol.EventMessageEdited))
	assert.Equal(t, "final", edited.Content)
	assert.True(t, edited.Edited)

	sendEvent(t, bob, protocol.EventReact, protocol.React{MessageID: msg.ID, Emoji: "\U0001F44D", RequestID: "x1"})
	reaction := decodeData[protocol.ReactionChanged](t, nextEvent(t, alice, protocol.EventReactionChanged))
	assert.Equal(t, msg.ID, reaction.MessageID)
	assert.Equal(t, "bob", reaction.UserID)
	assert.True(t, reaction.Added)
}

func TestSyncReturnsMessagesAfterCursor(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	var ids []string
	for _, body := range []string{"one", "two", "three"} {
		msg, err := h.store.Append(context.Background(), store.AppendRequest{ChannelID: "general", SenderID: "alice", Body: body})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	alice := h.dial(t, "alice")
	sendEvent(t, alice, protocol.EventSync, protocol.Sync{ChannelID: "general", Since: ids[0]})

	history := decodeData[protocol.History](t, nextEvent(t, alice, protocol.EventHistory))
	assert.Equal(t, "general", history.ChannelID)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, ids[1], history.Messages[0].ID)
	assert.Equal(t, ids[2], history.Messages[1].ID)
}

func TestSyncLatestReturnsChannelTail(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := h.store.Append(context.Background(), store.AppendRequest{ChannelID: "general", SenderID: "alice", Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	alice := h.dial(t, "alice")
	sendEvent(t, alice, protocol.EventSync, protocol.Sync{ChannelID: "general", Since: ids[0], Latest: true, Limit: 2})

	history := decodeData[protocol.History](t, nextEvent(t, alice, protocol.EventHistory))
	assert.True(t, history.Latest)
	assert.Empty(t, history.Since)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, ids[3], history.Messages[0].ID)
	assert.Equal(t, ids[4], history.Messages[1].ID)
}

func TestJoinPrivateChannelRequiresMembership(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "secret", models.ChannelPrivate, "alice")
	bob := h.dial(t, "bob")

	sendEvent(t, bob, protocol.EventJoinRoom, "secret")

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, bob, protocol.EventRequestRejected))
	assert.Equal(t, store.ErrNotMember.Code, rejected.Code)
	assert.Equal(t, protocol.EventJoinRoom, rejected.Op)
}

func TestMalformedFrameIsRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, alice, protocol.EventRequestRejected))
	assert.Equal(t, "invalid_frame", rejected.Code)
}

func TestUnknownEventIsRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice")

	sendEvent(t, alice, "launch_rockets", map[string]string{})

	rejected := decodeData[protocol.RequestRejected](t, nextEvent(t, alice, protocol.EventRequestRejected))
	assert.Equal(t, "unknown_event", rejected.Code)
}

func TestHandshakeWithoutUserIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDisconnectDetachesSession(t *testing.T) {
	h := newHarness(t)
	h.channel(t, "general", models.ChannelPublic, "alice")
	alice := h.dial(t, "alice")
	joinAndWait(t, alice, "general")
	require.Equal(t, 1, h.router.SessionCount())

	require.NoError(t, alice.Close())

	assert.Eventually(t, func() bool { return h.router.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
