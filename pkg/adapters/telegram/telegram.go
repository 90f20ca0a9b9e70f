// Package telegram implements the channel.Adapter contract for Telegram bot
// webhooks (spec §4.H webhook-push family), using go-telegram-bot-api for
// update decoding and message sending.
package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
)

// Config holds the credentials this adapter consumes. Telegram's webhook
// "signature" is a shared secret token echoed in a header, set via
// setWebhook's secret_token field.
type Config struct {
	BotToken      string
	WebhookSecret string
}

// Adapter implements channel.Adapter for Telegram.
type Adapter struct {
	cfg    Config
	bot    *tgbotapi.BotAPI
	logger *zap.Logger
}

// New constructs a Telegram adapter. The bot client is built lazily in
// Initialize so construction never performs I/O.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) Channel() string     { return "telegram" }
func (a *Adapter) DisplayName() string { return "Telegram" }

func (a *Adapter) IsConfigured() bool { return a.cfg.BotToken != "" }

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	bot, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return channel.NewAdapterError(channel.ErrKindAuthFailure, err)
	}
	a.bot = bot
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// HandleWebhook decodes Telegram's update JSON, verifying the secret token
// header when configured, and converts a plain text message into a
// canonical message.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	if a.cfg.WebhookSecret != "" {
		token := firstHeader(headers, "X-Telegram-Bot-Api-Secret-Token")
		if !crypto.ConstantTimeEqual(token, a.cfg.WebhookSecret) {
			return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
		}
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(rawBody, &update); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}

	if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}
	if a.bot != nil && update.Message.From.ID == a.bot.Self.ID {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:      a.Channel(),
		SenderID:     strconv.FormatInt(update.Message.From.ID, 10),
		SenderName:   update.Message.From.UserName,
		Text:         update.Message.Text,
		MessageID:    strconv.Itoa(update.Message.MessageID),
		PlatformTime: int64(update.Message.Date),
		DeliveryMeta: map[string]string{"chatId": strconv.FormatInt(update.Message.Chat.ID, 10)},
	}
	if update.Message.Chat.IsGroup() || update.Message.Chat.IsSuperGroup() {
		msg.GroupID = strconv.FormatInt(update.Message.Chat.ID, 10)
	}

	return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
}

// Deliver sends the reply back to the originating chat.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	if a.bot == nil {
		return false
	}
	chatIDStr := params.DeliveryMeta["chatId"]
	if chatIDStr == "" {
		chatIDStr = params.RecipientID
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return false
	}

	msg := tgbotapi.NewMessage(chatID, params.Text)
	if params.ReplyToID != "" {
		if id, err := strconv.Atoi(params.ReplyToID); err == nil {
			msg.ReplyToMessageID = id
		}
	}

	if _, err := a.bot.Send(msg); err != nil {
		a.logger.Warn("telegram deliver failed", zap.Error(err))
		return false
	}
	return true
}

func firstHeader(headers map[string][]string, key string) string {
	if vals, ok := headers[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("telegram: bot_token is required")
