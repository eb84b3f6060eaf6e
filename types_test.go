package chatterbox

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "sender as bare id, unix millis",
			raw:  `{"_id":"m1","roomId":"c1","from":"u2","message":"hi","ts":1767999600000,"status":"delivered"}`,
			want: Message{
				ID: "m1", ConversationID: "c1", Sender: User{ID: "u2"}, Body: "hi",
				SentAt: time.UnixMilli(1767999600000).UTC(), State: StateDelivered,
			},
		},
		{
			name: "embedded sender, RFC 3339",
			raw:  `{"id":"m2","conversationId":"c1","sender":{"_id":"u3","name":"Ana"},"body":"yo","createdAt":"2026-01-10T09:00:00Z","correlationId":"x"}`,
			want: Message{
				ID: "m2", CorrelationID: "x", ConversationID: "c1", Sender: User{ID: "u3", Name: "Ana"}, Body: "yo",
				SentAt: t0,
			},
		},
		{
			name: "legacy attachment key, string millis",
			raw:  `{"id":"m3","roomId":"c1","from":"u2","content":"see","attachment":[{"url":"https://cdn/x"}],"timestamp":"1767999600000"}`,
			want: Message{
				ID: "m3", ConversationID: "c1", Sender: User{ID: "u2"}, Body: "see",
				Attachments: []Attachment{{URL: "https://cdn/x"}},
				SentAt:      time.UnixMilli(1767999600000).UTC(),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeMessage(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeMessageRejectsGarbage(t *testing.T) {
	_, err := normalizeMessage(json.RawMessage(`[1,2]`))
	assert.Error(t, err)

	_, err = normalizeMessage(json.RawMessage(`{"id":"m1","from":42}`))
	assert.Error(t, err)
}

func TestParseDeliveryStateUnknown(t *testing.T) {
	assert.Equal(t, DeliveryState(""), parseDeliveryState("seen"))
	assert.Equal(t, StateRead, parseDeliveryState("read"))
}

func TestNormalizeConversation(t *testing.T) {
	raw := `{"_id":"g1","name":"Team","isGroup":true,"participants":["u1",{"id":"u2","email":"b@example.com"}],"lastMessage":{"id":"m1","from":"u2","message":"hey","ts":1767999600000}}`
	c, err := normalizeConversation(json.RawMessage(raw))
	require.NoError(t, err)

	assert.Equal(t, "g1", c.ID)
	assert.Equal(t, "Team", c.Title)
	assert.True(t, c.IsGroup)
	assert.Equal(t, []User{{ID: "u1"}, {ID: "u2", Email: "b@example.com"}}, c.Participants)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "hey", c.LastMessage.Body)
}

func TestDirectConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, "alice_bob", DirectConversationID("alice", "bob"))
	assert.Equal(t, "alice_bob", DirectConversationID("bob", "alice"))
}

func TestErrorsMatchByCode(t *testing.T) {
	err := wrapError(errors.New("boom"), ErrCodeAckError, "rejected")

	assert.ErrorIs(t, err, ErrAckError)
	assert.NotErrorIs(t, err, ErrAckTimeout)
	assert.Equal(t, ErrCodeAckError, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "boom")
}

func TestAckErrorText(t *testing.T) {
	assert.Equal(t, "server rejected message", ackErrorText(nil))
	assert.Equal(t, "blocked", ackErrorText(json.RawMessage(`"blocked"`)))
	assert.Equal(t, "too long", ackErrorText(json.RawMessage(`{"code":"E","message":"too long"}`)))
}
