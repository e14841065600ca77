package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"teamchat/internal/models"
	"teamchat/internal/store"
	"teamchat/internal/telemetry"
)

// ChatServiceMock stands in for *store.Store behind the HTTP handlers.
type ChatServiceMock struct {
	mock.Mock
}

func (m *ChatServiceMock) CreateChannel(ctx context.Context, req store.CreateChannelRequest) (models.Channel, error) {
	args := m.Called(ctx, req)
	var ch models.Channel
	if val := args.Get(0); val != nil {
		ch = val.(models.Channel)
	}
	return ch, args.Error(1)
}

func (m *ChatServiceMock) GetChannel(ctx context.Context, channelID, viewerID string) (models.Channel, error) {
	args := m.Called(ctx, channelID, viewerID)
	var ch models.Channel
	if val := args.Get(0); val != nil {
		ch = val.(models.Channel)
	}
	return ch, args.Error(1)
}

func (m *ChatServiceMock) AddMember(ctx context.Context, channelID, requesterID, userID string) error {
	args := m.Called(ctx, channelID, requesterID, userID)
	return args.Error(0)
}

func (m *ChatServiceMock) ListChannels(ctx context.Context, userID string) ([]models.ChannelSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ChannelSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChannelSummary)
	}
	return list, args.Error(1)
}

func (m *ChatServiceMock) MarkRead(ctx context.Context, channelID, userID, messageID string) (models.ReadState, error) {
	args := m.Called(ctx, channelID, userID, messageID)
	var rs models.ReadState
	if val := args.Get(0); val != nil {
		rs = val.(models.ReadState)
	}
	return rs, args.Error(1)
}

func (m *ChatServiceMock) Append(ctx context.Context, req store.AppendRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) Edit(ctx context.Context, messageID, requesterID, newBody, requestID string) (models.Message, error) {
	args := m.Called(ctx, messageID, requesterID, newBody, requestID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) Delete(ctx context.Context, messageID, requesterID, requestID string) error {
	args := m.Called(ctx, messageID, requesterID, requestID)
	return args.Error(0)
}

func (m *ChatServiceMock) React(ctx context.Context, messageID, userID, emoji, requestID string) (models.ReactionDelta, error) {
	args := m.Called(ctx, messageID, userID, emoji, requestID)
	var delta models.ReactionDelta
	if val := args.Get(0); val != nil {
		delta = val.(models.ReactionDelta)
	}
	return delta, args.Error(1)
}

func (m *ChatServiceMock) ListSince(ctx context.Context, channelID, viewerID, cursor string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, channelID, viewerID, cursor, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatServiceMock) Search(ctx context.Context, userID, query string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, query, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

// BusMock records what the audit emitter and session events publish.
type BusMock struct {
	mock.Mock
}

func (m *BusMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *BusMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Audits returns the audit envelopes published so far, in order.
func (m *BusMock) Audits() []telemetry.AuditEnvelope {
	var out []telemetry.AuditEnvelope
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		if env, ok := call.Arguments.Get(2).(telemetry.AuditEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}
