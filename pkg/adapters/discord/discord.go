// Package discord implements the channel.Adapter contract for Discord,
// driven by discordgo's persistent gateway connection rather than a webhook
// (spec §4.H: "platforms differ only in who pushes to the pipeline" — here
// the adapter pushes itself via OnMessage, matching the long-poll family's
// shape even though the transport is a socket, not HTTP polling).
package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

// Config holds the credentials this adapter consumes.
type Config struct {
	BotToken string
}

// Adapter implements channel.Adapter and channel.PollingAdapter for Discord.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	session *discordgo.Session
	handler channel.MessageHandler
	selfID  string
}

// New constructs a Discord adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) Channel() string     { return "discord" }
func (a *Adapter) DisplayName() string { return "Discord" }

func (a *Adapter) IsConfigured() bool { return a.cfg.BotToken != "" }

// OnMessage registers the callback invoked for every inbound Discord
// message. Must be called before Initialize.
func (a *Adapter) OnMessage(handler channel.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Initialize opens the Discord gateway connection and begins dispatching
// MessageCreate events to the registered handler.
func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}

	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return channel.NewAdapterError(channel.ErrKindAuthFailure, err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessageCreate(ctx, m)
	})

	if err := session.Open(); err != nil {
		return channel.NewAdapterError(channel.ErrKindUnreachable, err)
	}

	a.mu.Lock()
	a.session = session
	if session.State != nil && session.State.User != nil {
		a.selfID = session.State.User.ID
	}
	a.mu.Unlock()

	return nil
}

func (a *Adapter) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (a.selfID != "" && m.Author.ID == a.selfID) {
		return
	}
	if m.Content == "" {
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	msg := channel.IncomingMessage{
		Channel:    a.Channel(),
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.Content,
		MessageID:  m.ID,
		GroupID:    m.GuildID,
		DeliveryMeta: map[string]string{"channelId": m.ChannelID},
	}
	handler(ctx, msg)
}

// Deliver sends the reply back into the originating Discord channel.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return false
	}

	channelID := params.DeliveryMeta["channelId"]
	if channelID == "" {
		channelID = params.ThreadID
	}
	if channelID == "" {
		return false
	}

	if _, err := session.ChannelMessageSend(channelID, params.Text); err != nil {
		a.logger.Warn("discord deliver failed", zap.Error(err))
		return false
	}
	return true
}

// Shutdown closes the gateway connection.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// HandleWebhook is a no-op for Discord's gateway-based ingress; this adapter
// receives exclusively through OnMessage.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	return channel.WebhookResult{StatusCode: 200, ResponseBody: "discord adapter uses gateway ingress, not webhooks"}
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("discord: bot_token is required")
