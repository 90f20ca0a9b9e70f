package discord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

func TestIsConfigured(t *testing.T) {
	require.True(t, New(Config{BotToken: "abc"}, nil).IsConfigured())
	require.False(t, New(Config{}, nil).IsConfigured())
}

func TestInitializeWithoutTokenReturnsConfigError(t *testing.T) {
	a := New(Config{}, nil)
	err := a.Initialize(context.Background())
	require.Error(t, err)
}

func TestDeliverWithoutSessionReturnsFalse(t *testing.T) {
	a := New(Config{BotToken: "abc"}, nil)
	ok := a.Deliver(context.Background(), channel.DeliveryParams{Text: "hello", DeliveryMeta: map[string]string{"channelId": "1"}})
	require.False(t, ok)
}

func TestShutdownWithoutSessionIsNoop(t *testing.T) {
	a := New(Config{BotToken: "abc"}, nil)
	require.NoError(t, a.Shutdown(context.Background()))
}
