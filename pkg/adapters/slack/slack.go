// Package slack implements the channel.Adapter contract for Slack's Events
// API (spec §4.H webhook-push family), using slack-go/slack for signature
// verification, event parsing, and egress posting.
package slack

import (
	"context"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

// Config holds the credentials this adapter consumes.
type Config struct {
	SigningSecret string
	BotToken      string
	BotUserID     string // dropped to prevent reply loops
}

// Adapter implements channel.Adapter for Slack.
type Adapter struct {
	cfg    Config
	client *slack.Client
	logger *zap.Logger
}

// New constructs a Slack adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	var client *slack.Client
	if cfg.BotToken != "" {
		client = slack.New(cfg.BotToken)
	}
	return &Adapter{cfg: cfg, client: client, logger: logger}
}

func (a *Adapter) Channel() string     { return "slack" }
func (a *Adapter) DisplayName() string { return "Slack" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.SigningSecret != "" && a.cfg.BotToken != ""
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// HandleWebhook verifies Slack's v0 request signature, handles the URL
// verification handshake, and converts app_mention/message events into
// canonical messages.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	verifier, err := slack.NewSecretsVerifier(toHTTPHeader(headers), a.cfg.SigningSecret)
	if err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}
	if _, err := verifier.Write(rawBody); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}
	if err := verifier.Ensure(); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
	}

	event, err := slackevents.ParseEvent(rawBody, slackevents.OptionNoVerifyToken())
	if err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}

	if event.Type == slackevents.URLVerification {
		ve, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			return channel.WebhookResult{StatusCode: http.StatusBadRequest}
		}
		return channel.WebhookResult{StatusCode: http.StatusOK, ResponseBody: ve.Challenge}
	}

	if event.Type != slackevents.CallbackEvent {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	inner := event.InnerEvent
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" || ev.BotID != "" || (a.cfg.BotUserID != "" && ev.User == a.cfg.BotUserID) {
			return channel.WebhookResult{StatusCode: http.StatusOK}
		}
		msg := channel.IncomingMessage{
			Channel:    a.Channel(),
			SenderID:   ev.User,
			Text:       ev.Text,
			MessageID:  ev.TimeStamp,
			GroupID:    ev.Channel,
			DeliveryMeta: map[string]string{"channelId": ev.Channel, "threadTs": ev.ThreadTimeStamp},
		}
		return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
	case *slackevents.AppMentionEvent:
		if a.cfg.BotUserID != "" && ev.User == a.cfg.BotUserID {
			return channel.WebhookResult{StatusCode: http.StatusOK}
		}
		msg := channel.IncomingMessage{
			Channel:    a.Channel(),
			SenderID:   ev.User,
			Text:       ev.Text,
			MessageID:  ev.TimeStamp,
			GroupID:    ev.Channel,
			DeliveryMeta: map[string]string{"channelId": ev.Channel},
		}
		return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
	default:
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}
}

// Deliver posts the reply back into the originating channel, threading on
// ThreadTs when present.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	channelID := params.ThreadID
	if channelID == "" && params.DeliveryMeta != nil {
		channelID = params.DeliveryMeta["channelId"]
	}
	if channelID == "" || a.client == nil {
		return false
	}

	opts := []slack.MsgOption{slack.MsgOptionText(params.Text, false)}
	if ts := params.DeliveryMeta["threadTs"]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	_, _, err := a.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		a.logger.Warn("slack deliver failed", zap.Error(err))
		return false
	}
	return true
}

func toHTTPHeader(headers map[string][]string) http.Header {
	h := http.Header{}
	for k, v := range headers {
		h[k] = v
	}
	return h
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("slack: signing_secret and bot_token are required")
