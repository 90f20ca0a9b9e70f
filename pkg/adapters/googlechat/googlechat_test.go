package googlechat

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleWebhookDecodesMessage(t *testing.T) {
	a := New(Config{VerificationToken: "tok"}, nil)
	body := []byte(`{
		"type": "MESSAGE",
		"token": "tok",
		"message": {
			"name": "spaces/AAA/messages/1",
			"text": "hello",
			"sender": {"name": "users/123", "displayName": "Alice", "type": "HUMAN"},
			"thread": {"name": "spaces/AAA/threads/t1"},
			"space": {"name": "spaces/AAA"}
		}
	}`)
	result := a.HandleWebhook(context.Background(), "/webhook/google_chat", "POST", nil, body)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.Messages, 1)
	require.Equal(t, "hello", result.Messages[0].Text)
	require.Equal(t, "users/123", result.Messages[0].SenderID)
	require.Equal(t, "spaces/AAA", result.Messages[0].GroupID)
}

func TestHandleWebhookRejectsBadToken(t *testing.T) {
	a := New(Config{VerificationToken: "tok"}, nil)
	body := []byte(`{"type": "MESSAGE", "token": "wrong"}`)
	result := a.HandleWebhook(context.Background(), "/webhook/google_chat", "POST", nil, body)
	require.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestHandleWebhookIgnoresBotSender(t *testing.T) {
	a := New(Config{VerificationToken: "tok"}, nil)
	body := []byte(`{
		"type": "MESSAGE", "token": "tok",
		"message": {"text": "hi", "sender": {"type": "BOT"}}
	}`)
	result := a.HandleWebhook(context.Background(), "/webhook/google_chat", "POST", nil, body)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Empty(t, result.Messages)
}

func TestIsConfiguredRequiresKeyAndEmail(t *testing.T) {
	require.False(t, New(Config{}, nil).IsConfigured())
	require.False(t, New(Config{ServiceAccountEmail: "a@b.iam.gserviceaccount.com"}, nil).IsConfigured())
}
