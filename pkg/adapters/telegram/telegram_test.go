package telegram

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleWebhookDecodesTextMessage(t *testing.T) {
	a := New(Config{BotToken: "123:ABC"}, nil)

	body := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 5,
			"date": 1234567,
			"text": "hello there",
			"from": {"id": 42, "is_bot": false, "username": "alice"},
			"chat": {"id": 42, "type": "private"}
		}
	}`)

	result := a.HandleWebhook(context.Background(), "/webhook/telegram", "POST", nil, body)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.Messages, 1)
	msg := result.Messages[0]
	require.Equal(t, "hello there", msg.Text)
	require.Equal(t, "42", msg.SenderID)
	require.Equal(t, "alice", msg.SenderName)
	require.Empty(t, msg.GroupID)
}

func TestHandleWebhookGroupChatSetsGroupID(t *testing.T) {
	a := New(Config{BotToken: "123:ABC"}, nil)
	body := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 5, "date": 1, "text": "hi",
			"from": {"id": 42, "is_bot": false},
			"chat": {"id": -100123, "type": "supergroup"}
		}
	}`)
	result := a.HandleWebhook(context.Background(), "/webhook/telegram", "POST", nil, body)
	require.Len(t, result.Messages, 1)
	require.Equal(t, "-100123", result.Messages[0].GroupID)
}

func TestHandleWebhookRejectsBadSecretToken(t *testing.T) {
	a := New(Config{BotToken: "123:ABC", WebhookSecret: "expected"}, nil)
	headers := map[string][]string{"X-Telegram-Bot-Api-Secret-Token": {"wrong"}}
	result := a.HandleWebhook(context.Background(), "/webhook/telegram", "POST", headers, []byte(`{}`))
	require.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestHandleWebhookIgnoresNonMessageUpdates(t *testing.T) {
	a := New(Config{BotToken: "123:ABC"}, nil)
	result := a.HandleWebhook(context.Background(), "/webhook/telegram", "POST", nil, []byte(`{"update_id":1}`))
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Empty(t, result.Messages)
}
