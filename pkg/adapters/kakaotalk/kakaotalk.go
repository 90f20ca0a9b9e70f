// Package kakaotalk implements the channel.Adapter contract for KakaoTalk
// Channel (Kakao i Open Builder skill) webhooks (spec §4.H webhook-push
// family). No Kakao SDK appears in the corpus, so verification and
// delivery are built directly on net/http and internal/crypto's hex HMAC
// helper over a shared skill secret.
package kakaotalk

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
	SkillSecret string
	APIKey      string
	APIBase     string // defaults to https://api.kakaowork.com (proxy-style push)
}

// Adapter implements channel.Adapter for KakaoTalk.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
}

// New constructs a KakaoTalk adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.kakaowork.com"
	}
	return &Adapter{cfg: cfg, logger: logger, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Channel() string     { return "kakaotalk" }
func (a *Adapter) DisplayName() string { return "KakaoTalk" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.SkillSecret != "" && a.cfg.APIKey != ""
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

type kakaoSkillPayload struct {
	UserRequest struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Utterance string `json:"utterance"`
	} `json:"userRequest"`
	Action struct {
		ID string `json:"id"`
	} `json:"action"`
}

// HandleWebhook verifies the shared-secret HMAC signature and converts a
// skill utterance payload into a canonical message.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	sig := firstHeader(headers, "X-Kakao-Signature")
	if !crypto.VerifyHmacSha256(string(rawBody), sig, a.cfg.SkillSecret, "") {
		return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
	}

	var payload kakaoSkillPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}

	if payload.UserRequest.Utterance == "" || payload.UserRequest.User.ID == "" {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:   a.Channel(),
		SenderID:  payload.UserRequest.User.ID,
		Text:      payload.UserRequest.Utterance,
		MessageID: payload.Action.ID,
	}
	return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
}

type kakaoSendRequest struct {
	Text string `json:"text"`
}

// Deliver sends a text message back to the skill caller via Kakao's
// asynchronous response API.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	if params.RecipientID == "" {
		return false
	}
	body, err := json.Marshal(kakaoSendRequest{Text: params.Text})
	if err != nil {
		return false
	}

	url := a.cfg.APIBase + "/v1/users/" + params.RecipientID + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.Warn("kakaotalk deliver failed", zap.Error(err))
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

const errMissingConfig = configError("kakaotalk: skill_secret and api_key are required")
