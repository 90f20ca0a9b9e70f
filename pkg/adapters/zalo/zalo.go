// Package zalo implements the channel.Adapter contract for Zalo Official
// Account webhooks (spec §4.H webhook-push family). Zalo has no Go SDK in
// the corpus; verification and delivery are built on net/http and
// internal/crypto's hex HMAC helper, following Zalo's documented
// mac-over-raw-body scheme (header X-ZEvent-Signature: "mac=<hex>").
package zalo

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
)

// Config holds the credentials this adapter consumes.
type Config struct {
	OASecretKey  string
	AccessToken  string
	APIBase      string // defaults to https://openapi.zalo.me
}

// Adapter implements channel.Adapter for Zalo.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
}

// New constructs a Zalo adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://openapi.zalo.me"
	}
	return &Adapter{cfg: cfg, logger: logger, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Channel() string     { return "zalo" }
func (a *Adapter) DisplayName() string { return "Zalo" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.OASecretKey != "" && a.cfg.AccessToken != ""
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

type zaloEventPayload struct {
	EventName string `json:"event_name"`
	Sender    struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message struct {
		Text string `json:"text"`
		MsgID string `json:"msg_id"`
	} `json:"message"`
	Timestamp string `json:"timestamp"`
}

// HandleWebhook verifies Zalo's mac-over-raw-body signature and converts
// user_send_text events into canonical messages.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	sig := firstHeader(headers, "X-ZEvent-Signature")
	if !crypto.VerifyHmacSha256(string(rawBody), sig, a.cfg.OASecretKey, "mac=") {
		return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
	}

	var event zaloEventPayload
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}

	if event.EventName != "user_send_text" || event.Message.Text == "" {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:   a.Channel(),
		SenderID:  event.Sender.ID,
		Text:      event.Message.Text,
		MessageID: event.Message.MsgID,
	}
	return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
}

type zaloSendRequest struct {
	Recipient struct {
		UserID string `json:"user_id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Deliver sends a text message via the Zalo OA API.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	if params.RecipientID == "" {
		return false
	}
	var req zaloSendRequest
	req.Recipient.UserID = params.RecipientID
	req.Message.Text = params.Text
	body, err := json.Marshal(req)
	if err != nil {
		return false
	}

	url := a.cfg.APIBase + "/v3.0/oa/message/cs?access_token=" + a.cfg.AccessToken
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.Warn("zalo deliver failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func firstHeader(headers map[string][]string, key string) string {
	if vals, ok := headers[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("zalo: oa_secret_key and access_token are required")
