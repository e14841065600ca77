package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teamchat/internal/mocks"
	"teamchat/internal/models"
	"teamchat/internal/store"
	"teamchat/internal/telemetry"
)

func TestListMessagesPassesCursor(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("ListSince", mock.Anything, "general", "alice", "0000000000000000007", 50).
		Return([]models.Message{{ID: "0000000000000000008", ChannelID: "general"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/channels/general/messages?since=0000000000000000007&limit=50", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	svc.AssertExpectations(t)
}

func TestListMessagesInvalidLimit(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/channels/general/messages?limit=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ListSince", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessageSuccess(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("Append", mock.Anything, store.AppendRequest{
		ChannelID: "general", SenderID: "alice", Body: "hello", RequestID: "tmp-1",
	}).Return(models.Message{ID: "0000000000000000001", ChannelID: "general", SenderID: "alice", Content: "hello"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/channels/general/messages", bytes.NewBufferString(`{"content":"hello","client_id":"tmp-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	svc.AssertExpectations(t)
}

func TestPostMessageEmptyBody(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("Append", mock.Anything, mock.Anything).Return(nil, store.ErrEmptyBody).Once()

	req := httptest.NewRequest(http.MethodPost, "/channels/general/messages", bytes.NewBufferString(`{"content":"  "}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, store.ErrEmptyBody.Code, resp["code"])
}

func TestEditMessageNotOwner(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("Edit", mock.Anything, "0000000000000000001", "alice", "changed", "req-1").Return(nil, store.ErrNotOwner).Once()

	req := httptest.NewRequest(http.MethodPatch, "/messages/0000000000000000001", bytes.NewBufferString(`{"content":"changed"}`))
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	svc.AssertExpectations(t)
}

func TestDeleteMessageEmitsAudit(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	publisher := new(mocks.BusMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "teamchat", "test", nil)
	router := setupRouter(svc, audit)

	svc.On("Delete", mock.Anything, "0000000000000000001", "alice", "req-2").Return(nil).Once()
	publisher.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Action == "message_deleted" && env.Payload.MessageID == "0000000000000000001" && env.RequestID == "req-2"
	})).Return(nil).Once()

	req := httptest.NewRequest(http.MethodDelete, "/messages/0000000000000000001", nil)
	req.Header.Set("X-Request-ID", "req-2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	svc.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestDeleteMessageNotFoundSkipsAudit(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	publisher := new(mocks.BusMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "teamchat", "test", nil)
	router := setupRouter(svc, audit)

	svc.On("Delete", mock.Anything, "missing", "alice", mock.Anything).Return(store.ErrNotFound).Once()

	req := httptest.NewRequest(http.MethodDelete, "/messages/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestReactToggles(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("React", mock.Anything, "0000000000000000001", "alice", "\U0001F44D", mock.Anything).Return(models.ReactionDelta{
		MessageID: "0000000000000000001", Emoji: "\U0001F44D", UserID: "alice", Added: true,
	}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/messages/0000000000000000001/reactions", bytes.NewBufferString("{\"emoji\":\"\U0001F44D\"}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var delta models.ReactionDelta
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&delta))
	assert.True(t, delta.Added)
	svc.AssertExpectations(t)
}

func TestSearch(t *testing.T) {
	svc := new(mocks.ChatServiceMock)
	router := setupRouter(svc, nil)

	svc.On("Search", mock.Anything, "alice", "deploy", 0).Return([]models.Message{{ID: "0000000000000000003", Content: "deploy done"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/search?q=deploy", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}
