// Package mattermost implements the channel.Adapter contract for Mattermost
// outgoing webhooks (spec §4.H webhook-push family, scenario S1).
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
)

// Config holds the credentials this adapter consumes.
type Config struct {
	WebhookSecret string // compared against the incoming token field
	BotUserID     string // used to drop bot-origin events (loop prevention)
	BotToken      string // personal access token for egress posts
	ServerURL     string
}

// Adapter implements channel.Adapter for Mattermost.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client
}

// New constructs a Mattermost adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Channel() string     { return "mattermost" }
func (a *Adapter) DisplayName() string { return "Mattermost" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.ServerURL != "" && a.cfg.BotToken != ""
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// outgoingWebhookPayload is Mattermost's form-encoded outgoing webhook body.
type outgoingWebhookPayload struct {
	ChannelID   string
	UserID      string
	UserName    string
	Text        string
	PostID      string
	TriggerWord string
	Token       string
}

// HandleWebhook decodes a Mattermost outgoing-webhook POST (form-encoded)
// into zero or one IncomingMessage, matching scenario S1: the trigger word
// is stripped from the message text.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}
	payload := outgoingWebhookPayload{
		ChannelID:   values.Get("channel_id"),
		UserID:      values.Get("user_id"),
		UserName:    values.Get("user_name"),
		Text:        values.Get("text"),
		PostID:      values.Get("post_id"),
		TriggerWord: values.Get("trigger_word"),
		Token:       values.Get("token"),
	}

	if a.cfg.WebhookSecret != "" && !crypto.ConstantTimeEqual(payload.Token, a.cfg.WebhookSecret) {
		return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
	}

	if payload.UserID == "" || a.cfg.BotUserID != "" && payload.UserID == a.cfg.BotUserID {
		// Bot-origin event; drop to prevent reply loops.
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	text := payload.Text
	if payload.TriggerWord != "" {
		text = strings.TrimSpace(strings.Replace(text, payload.TriggerWord, "", 1))
	}

	msg := channel.IncomingMessage{
		Channel:    a.Channel(),
		SenderID:   payload.UserID,
		SenderName: payload.UserName,
		Text:       text,
		MessageID:  payload.PostID,
		GroupID:    payload.ChannelID,
		DeliveryMeta: map[string]string{
			"channelId": payload.ChannelID,
		},
	}

	return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
}

// createPostBody is the Mattermost REST API's POST /api/v4/posts body.
type createPostBody struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

// Deliver posts the reply back into the originating channel (threaded on
// ReplyToID when present).
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	channelID := params.ThreadID
	if channelID == "" && params.DeliveryMeta != nil {
		channelID = params.DeliveryMeta["channelId"]
	}
	if channelID == "" {
		a.logger.Warn("mattermost deliver: no channel id resolvable")
		return false
	}

	body, _ := json.Marshal(createPostBody{
		ChannelID: channelID,
		Message:   params.Text,
		RootID:    params.ReplyToID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+"/api/v4/posts", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("mattermost deliver failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("mattermost: server_url and bot_token are required")
