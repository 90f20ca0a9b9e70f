package aidispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIdentities(t *testing.T) {
	userID, sessionID := Identities("telegram", "U1")
	require.Equal(t, "gateway_telegram_U1", userID)
	require.Equal(t, "gw_telegram_U1", sessionID)
}

func TestDispatchTier2FallbackWhenNoAgentConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tier2ResponseBody{
			Reply: "hi", Model: "m", Category: "c", CreditsUsed: 1,
		})
	}))
	defer srv.Close()

	d := New(Config{MoaAPIURL: srv.URL, MoaAPISecret: "secret"}, nil)
	res, err := d.Dispatch(context.Background(), Request{
		UserID: "gateway_slack_U1", SessionID: "gw_slack_U1", Channel: "slack", Content: "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "hi", res.Reply)
	require.Equal(t, 2, res.Tier)
}

func TestDispatchTier2UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(Config{MoaAPIURL: srv.URL, MoaAPISecret: "secret"}, nil)
	_, err := d.Dispatch(context.Background(), Request{
		UserID: "u", SessionID: "s", Channel: "slack", Content: "hello",
	})
	require.Error(t, err)
}

func TestTier1FallsThroughOnUnhealthyProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tier2srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tier2ResponseBody{Reply: "fallback-reply", Model: "m"})
	}))
	defer tier2srv.Close()

	d := New(Config{AgentURL: srv.URL, MoaAPIURL: tier2srv.URL, MoaAPISecret: "s"}, nil)
	res, err := d.Dispatch(context.Background(), Request{UserID: "u", SessionID: "s", Channel: "slack", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "fallback-reply", res.Reply)
}

func TestTier1HealthyAgentRespondsFinal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var connectReq frame
		require.NoError(t, conn.ReadJSON(&connectReq))
		ok := true
		require.NoError(t, conn.WriteJSON(frame{Type: "res", ID: connectReq.ID, OK: &ok}))

		var chatReq frame
		require.NoError(t, conn.ReadJSON(&chatReq))

		payload, _ := json.Marshal(chatEventPayload{State: "final", Delta: "hello from agent"})
		require.NoError(t, conn.WriteJSON(frame{Type: "event", Event: "chat", Payload: payload}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(Config{AgentURL: srv.URL}, nil)
	res, err := d.Dispatch(context.Background(), Request{UserID: "u", SessionID: "s", Channel: "slack", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello from agent", res.Reply)
	require.Equal(t, 1, res.Tier)
}
