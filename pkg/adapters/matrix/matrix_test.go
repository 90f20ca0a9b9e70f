package matrix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

func TestIsConfigured(t *testing.T) {
	require.True(t, New(Config{HomeserverURL: "https://h", AccessToken: "t"}, nil).IsConfigured())
	require.False(t, New(Config{}, nil).IsConfigured())
}

func TestDispatchEventsFiltersNonTextAndSelf(t *testing.T) {
	a := New(Config{HomeserverURL: "https://h", AccessToken: "t", UserID: "@bot:h"}, nil)
	var received []channel.IncomingMessage
	a.OnMessage(func(ctx context.Context, msg channel.IncomingMessage) {
		received = append(received, msg)
	})

	resp := &matrixSyncResponse{}
	resp.Rooms.Join = map[string]struct {
		Timeline struct {
			Events []matrixEvent `json:"events"`
		} `json:"timeline"`
	}{
		"!room:h": {Timeline: struct {
			Events []matrixEvent `json:"events"`
		}{Events: []matrixEvent{
			{Type: "m.room.message", Sender: "@bot:h", Content: struct {
				MsgType string `json:"msgtype"`
				Body    string `json:"body"`
			}{MsgType: "m.text", Body: "self message"}},
			{Type: "m.room.message", Sender: "@alice:h", EventID: "e1", Content: struct {
				MsgType string `json:"msgtype"`
				Body    string `json:"body"`
			}{MsgType: "m.text", Body: "hello"}},
			{Type: "m.room.member", Sender: "@alice:h"},
		}},
	}

	a.dispatchEvents(context.Background(), resp)
	require.Len(t, received, 1)
	require.Equal(t, "hello", received[0].Text)
	require.Equal(t, "@alice:h", received[0].SenderID)
	require.Equal(t, "!room:h", received[0].GroupID)
}

func TestDeliverPutsMessageToRoom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{HomeserverURL: server.URL, AccessToken: "t"}, nil)
	ok := a.Deliver(context.Background(), channel.DeliveryParams{Text: "hi", DeliveryMeta: map[string]string{"roomId": "!room:h"}})
	require.True(t, ok)
}

func TestHandleWebhookIsNoop(t *testing.T) {
	a := New(Config{HomeserverURL: "https://h", AccessToken: "t"}, nil)
	result := a.HandleWebhook(context.Background(), "/webhook/matrix", "POST", nil, nil)
	require.Equal(t, http.StatusOK, result.StatusCode)
}
