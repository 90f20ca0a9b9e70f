package mattermost

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleWebhookS1TriggerWordStripped(t *testing.T) {
	a := New(Config{ServerURL: "http://mm.example", BotToken: "t", BotUserID: "B"}, nil)

	form := url.Values{
		"channel_id":   {"C1"},
		"user_id":      {"U1"},
		"text":         {"moa hello"},
		"post_id":      {"P1"},
		"trigger_word": {"moa"},
	}
	result := a.HandleWebhook(context.Background(), "/webhook/mattermost", "POST", nil, []byte(form.Encode()))

	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.Messages, 1)
	msg := result.Messages[0]
	require.Equal(t, "hello", msg.Text)
	require.Equal(t, "U1", msg.SenderID)
	require.Equal(t, "C1", msg.GroupID)
	require.Equal(t, "C1", msg.DeliveryMeta["channelId"])
}

func TestHandleWebhookDropsBotOriginEvents(t *testing.T) {
	a := New(Config{ServerURL: "http://mm.example", BotToken: "t", BotUserID: "B"}, nil)

	form := url.Values{"channel_id": {"C1"}, "user_id": {"B"}, "text": {"moa hi"}}
	result := a.HandleWebhook(context.Background(), "/webhook/mattermost", "POST", nil, []byte(form.Encode()))

	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Empty(t, result.Messages)
}

func TestHandleWebhookRejectsBadToken(t *testing.T) {
	a := New(Config{ServerURL: "http://mm.example", BotToken: "t", WebhookSecret: "expected"}, nil)

	form := url.Values{"channel_id": {"C1"}, "user_id": {"U1"}, "text": {"hi"}, "token": {"wrong"}}
	result := a.HandleWebhook(context.Background(), "/webhook/mattermost", "POST", nil, []byte(form.Encode()))

	require.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestIsConfigured(t *testing.T) {
	require.True(t, New(Config{ServerURL: "x", BotToken: "y"}, nil).IsConfigured())
	require.False(t, New(Config{}, nil).IsConfigured())
}
