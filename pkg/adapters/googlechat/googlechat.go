// Package googlechat implements the channel.Adapter contract for Google
// Chat (spec §4.H webhook-push family). Inbound verification compares the
// token field Google Chat echoes in each push payload, and outbound delivery mints a
// service-account JWT signed with RS256 to obtain a Bearer token for the
// Chat REST API (golang-jwt/jwt/v5), since the corpus carries no Google
// Chat SDK to reuse.
package googlechat

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
)

// Config holds the credentials this adapter consumes. VerificationToken is
// the shared token Google Chat echoes in each push payload's token field
// (space audience verification); ServiceAccountEmail/PrivateKey are used to
// mint a short-lived JWT for authenticating outbound REST calls.
type Config struct {
	VerificationToken  string
	ServiceAccountEmail string
	PrivateKeyPEM       string
	TokenURL            string // defaults to https://oauth2.googleapis.com/token
	ChatAPIBase         string // defaults to https://chat.googleapis.com
}

// Adapter implements channel.Adapter for Google Chat.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
	signingKey *rsa.PrivateKey

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// New constructs a Google Chat adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.ChatAPIBase == "" {
		cfg.ChatAPIBase = "https://chat.googleapis.com"
	}
	a := &Adapter{cfg: cfg, logger: logger, httpClient: &http.Client{Timeout: 10 * time.Second}}
	if cfg.PrivateKeyPEM != "" {
		if key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM)); err == nil {
			a.signingKey = key
		}
	}
	return a
}

func (a *Adapter) Channel() string     { return "google_chat" }
func (a *Adapter) DisplayName() string { return "Google Chat" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.ServiceAccountEmail != "" && a.signingKey != nil
}

func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

type chatEventPayload struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Message struct {
		Name string `json:"name"`
		Text string `json:"text"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Type        string `json:"type"`
		} `json:"sender"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
		Space struct {
			Name string `json:"name"`
		} `json:"space"`
	} `json:"message"`
}

// HandleWebhook verifies the shared verification token embedded in the push
// payload and converts MESSAGE events into a canonical message.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	var event chatEventPayload
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return channel.WebhookResult{StatusCode: http.StatusBadRequest}
	}

	if a.cfg.VerificationToken != "" && !crypto.ConstantTimeEqual(event.Token, a.cfg.VerificationToken) {
		return channel.WebhookResult{StatusCode: http.StatusUnauthorized}
	}

	if event.Type != "MESSAGE" || event.Message.Sender.Type == "BOT" || event.Message.Text == "" {
		return channel.WebhookResult{StatusCode: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:    a.Channel(),
		SenderID:   event.Message.Sender.Name,
		SenderName: event.Message.Sender.DisplayName,
		Text:       event.Message.Text,
		MessageID:  event.Message.Name,
		GroupID:    event.Message.Space.Name,
		DeliveryMeta: map[string]string{
			"spaceName":  event.Message.Space.Name,
			"threadName": event.Message.Thread.Name,
		},
	}
	return channel.WebhookResult{Messages: []channel.IncomingMessage{msg}, StatusCode: http.StatusOK}
}

// Deliver posts the reply into the originating space via the Chat REST API,
// authenticating with the bearer token from bearerToken, which is cached
// and reused until shortly before it expires.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	space := params.DeliveryMeta["spaceName"]
	if space == "" {
		space = params.RecipientID
	}
	if space == "" {
		return false
	}

	token, err := a.bearerToken(ctx)
	if err != nil {
		a.logger.Warn("google chat token mint failed", zap.Error(err))
		return false
	}

	payload := map[string]any{"text": params.Text}
	if thread := params.DeliveryMeta["threadName"]; thread != "" {
		payload["thread"] = map[string]string{"name": thread}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	url := fmt.Sprintf("%s/v1/%s/messages", a.cfg.ChatAPIBase, space)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("google chat deliver failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// bearerToken mints (and caches until near-expiry) a JWT bearer assertion
// exchanged for an OAuth2 access token via the standard JWT bearer grant.
func (a *Adapter) bearerToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.cachedToken != "" && time.Now().Before(a.tokenExpiry) {
		tok := a.cachedToken
		a.mu.Unlock()
		return tok, nil
	}
	a.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   a.cfg.ServiceAccountEmail,
		"sub":   a.cfg.ServiceAccountEmail,
		"scope": "https://www.googleapis.com/auth/chat.bot",
		"aud":   a.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(50 * time.Minute).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", err
	}

	form := fmt.Sprintf("grant_type=urn:ietf:params:oauth:grant-type:jwt-bearer&assertion=%s", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, bytes.NewBufferString(form))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("googlechat: token endpoint returned %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cachedToken = tokenResp.AccessToken
	a.tokenExpiry = now.Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	a.mu.Unlock()

	return tokenResp.AccessToken, nil
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("google_chat: service_account_email and private_key are required")
