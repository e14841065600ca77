package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/models"
)

func TestJoinRoomAcceptsBareString(t *testing.T) {
	var j JoinRoom
	require.NoError(t, json.Unmarshal([]byte(`"C1"`), &j))
	assert.Equal(t, "C1", j.ChannelID)
	assert.False(t, j.Focus)

	require.NoError(t, json.Unmarshal([]byte(`{"channelId":"C2","focus":true}`), &j))
	assert.Equal(t, "C2", j.ChannelID)
	assert.True(t, j.Focus)
}

func TestEncodeEventCarriesClientID(t *testing.T) {
	msg := models.Message{ID: "0000000000000000007", ChannelID: "C1", SenderID: "alice", Content: "hi", Kind: models.KindText, Timestamp: time.Unix(7, 0).UTC()}
	frame, err := EncodeEvent(models.Event{Type: models.EventMessageCreated, ChannelID: "C1", Seq: 3, RequestID: "tmp-1", Message: &msg})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, EventReceiveMessage, raw["event"])
	data := raw["data"].(map[string]any)
	assert.Equal(t, "tmp-1", data["clientId"])
	assert.Equal(t, "C1", data["channelId"])
	assert.Equal(t, "hi", data["content"])

	env, err := Decode(frame)
	require.NoError(t, err)
	ev, ok, err := DecodeEvent(env)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.EventMessageCreated, ev.Type)
	assert.Equal(t, "tmp-1", ev.RequestID)
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, msg.ID, ev.MessageID)
}

func TestEncodeEventRejectsIncompleteEvents(t *testing.T) {
	_, err := EncodeEvent(models.Event{Type: models.EventMessageEdited})
	assert.Error(t, err)
	_, err = EncodeEvent(models.Event{Type: "bogus"})
	assert.Error(t, err)
}

func TestDecodeIgnoresNonEvents(t *testing.T) {
	frame, err := Encode(EventHistory, History{ChannelID: "C1", Messages: []models.Message{}})
	require.NoError(t, err)
	env, err := Decode(frame)
	require.NoError(t, err)

	_, ok, err := DecodeEvent(env)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
}
