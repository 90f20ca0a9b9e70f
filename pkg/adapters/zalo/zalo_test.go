package zalo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "mac=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookDecodesTextMessage(t *testing.T) {
	a := New(Config{OASecretKey: "secret", AccessToken: "tok"}, nil)
	body := []byte(`{"event_name": "user_send_text", "sender": {"id": "U1"}, "message": {"text": "hi", "msg_id": "m1"}}`)
	headers := map[string][]string{"X-ZEvent-Signature": {sign("secret", body)}}

	result := a.HandleWebhook(context.Background(), "/webhook/zalo", "POST", headers, body)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.Messages, 1)
	require.Equal(t, "hi", result.Messages[0].Text)
	require.Equal(t, "U1", result.Messages[0].SenderID)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	a := New(Config{OASecretKey: "secret", AccessToken: "tok"}, nil)
	body := []byte(`{"event_name": "user_send_text"}`)
	headers := map[string][]string{"X-ZEvent-Signature": {"mac=deadbeef"}}
	result := a.HandleWebhook(context.Background(), "/webhook/zalo", "POST", headers, body)
	require.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestHandleWebhookIgnoresNonTextEvents(t *testing.T) {
	a := New(Config{OASecretKey: "secret", AccessToken: "tok"}, nil)
	body := []byte(`{"event_name": "user_seen"}`)
	headers := map[string][]string{"X-ZEvent-Signature": {sign("secret", body)}}
	result := a.HandleWebhook(context.Background(), "/webhook/zalo", "POST", headers, body)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Empty(t, result.Messages)
}

func TestIsConfigured(t *testing.T) {
	require.True(t, New(Config{OASecretKey: "a", AccessToken: "b"}, nil).IsConfigured())
	require.False(t, New(Config{}, nil).IsConfigured())
}
