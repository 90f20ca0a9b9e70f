// Package signalcli implements the channel.Adapter contract for Signal via
// a local signal-cli JSON-RPC/REST daemon (spec §4.H REST-poll family),
// polling its receive endpoint on a fixed interval. No Signal SDK appears
// in the corpus; this adapter is built directly on net/http.
package signalcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

// Config holds the credentials/endpoints this adapter consumes.
type Config struct {
	DaemonURL    string // base URL of the signal-cli REST daemon
	AccountE164  string // our own registered number, for the receive endpoint
	PollInterval time.Duration
}

// Adapter implements channel.Adapter and channel.PollingAdapter for Signal.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client

	mu      sync.Mutex
	handler channel.MessageHandler
	cancel  context.CancelFunc
}

// New constructs a Signal-CLI adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Adapter{cfg: cfg, logger: logger, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (a *Adapter) Channel() string     { return "signal" }
func (a *Adapter) DisplayName() string { return "Signal" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.DaemonURL != "" && a.cfg.AccountE164 != ""
}

// OnMessage registers the callback invoked for every message discovered by
// the poll loop. Must be called before Initialize.
func (a *Adapter) OnMessage(handler channel.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Initialize starts the background poll loop.
func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.pollLoop(loopCtx)
	return nil
}

// Shutdown stops the poll loop.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type signalEnvelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message          string `json:"message"`
			GroupInfo        *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envelopes, err := a.receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("signal-cli receive failed", zap.Error(err))
				continue
			}
			a.dispatchEnvelopes(ctx, envelopes)
		}
	}
}

func (a *Adapter) dispatchEnvelopes(ctx context.Context, envelopes []signalEnvelope) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	for _, e := range envelopes {
		env := e.Envelope
		if env.DataMessage == nil || env.DataMessage.Message == "" {
			continue
		}
		senderID := env.SourceNumber
		if senderID == "" {
			senderID = env.Source
		}

		msg := channel.IncomingMessage{
			Channel:      a.Channel(),
			SenderID:     senderID,
			Text:         env.DataMessage.Message,
			PlatformTime: env.Timestamp,
		}
		if env.DataMessage.GroupInfo != nil {
			msg.GroupID = env.DataMessage.GroupInfo.GroupID
		}
		handler(ctx, msg)
	}
}

func (a *Adapter) receive(ctx context.Context) ([]signalEnvelope, error) {
	reqURL := fmt.Sprintf("%s/v1/receive/%s", a.cfg.DaemonURL, a.cfg.AccountE164)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signal-cli: receive returned %d", resp.StatusCode)
	}

	var envelopes []signalEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, err
	}
	return envelopes, nil
}

type signalSendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Deliver sends a text message via signal-cli's send endpoint.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	recipient := params.RecipientID
	if recipient == "" {
		return false
	}

	body, err := json.Marshal(signalSendRequest{
		Message:    params.Text,
		Number:     a.cfg.AccountE164,
		Recipients: []string{recipient},
	})
	if err != nil {
		return false
	}

	reqURL := a.cfg.DaemonURL + "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("signal-cli deliver failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// HandleWebhook is a no-op: Signal ingress is exclusively the poll loop.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	return channel.WebhookResult{StatusCode: http.StatusOK, ResponseBody: "signal adapter uses rest polling, not webhooks"}
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("signal: daemon_url and account_e164 are required")
