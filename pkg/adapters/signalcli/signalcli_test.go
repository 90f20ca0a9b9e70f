package signalcli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

func TestIsConfigured(t *testing.T) {
	require.True(t, New(Config{DaemonURL: "http://d", AccountE164: "+15551234567"}, nil).IsConfigured())
	require.False(t, New(Config{}, nil).IsConfigured())
}

func TestDispatchEnvelopesSkipsMessagesWithoutDataMessage(t *testing.T) {
	a := New(Config{DaemonURL: "http://d", AccountE164: "+15551234567"}, nil)
	var received []channel.IncomingMessage
	a.OnMessage(func(ctx context.Context, msg channel.IncomingMessage) {
		received = append(received, msg)
	})

	envelopes := []signalEnvelope{
		{},
	}
	envelopes[0].Envelope.SourceNumber = "+15557654321"
	envelopes[0].Envelope.DataMessage = &struct {
		Message   string `json:"message"`
		GroupInfo *struct {
			GroupID string `json:"groupId"`
		} `json:"groupInfo"`
	}{Message: "hi there"}

	a.dispatchEnvelopes(context.Background(), envelopes)
	require.Len(t, received, 1)
	require.Equal(t, "hi there", received[0].Text)
	require.Equal(t, "+15557654321", received[0].SenderID)
}

func TestDeliverPostsToSendEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/send", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{DaemonURL: server.URL, AccountE164: "+15551234567"}, nil)
	ok := a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "+15557654321", Text: "hi"})
	require.True(t, ok)
}

func TestHandleWebhookIsNoop(t *testing.T) {
	a := New(Config{DaemonURL: "http://d", AccountE164: "+15551234567"}, nil)
	result := a.HandleWebhook(context.Background(), "/webhook/signal", "POST", nil, nil)
	require.Equal(t, http.StatusOK, result.StatusCode)
}
