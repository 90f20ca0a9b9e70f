// Package aidispatch implements the two-tier AI dispatch cascade from spec
// §4.I: an enhanced agent reached over a duplex websocket connection,
// falling back to a simple signed REST call when the agent tier is
// unavailable or errors out.
package aidispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/crypto"
)

// Config holds the endpoints and tuning knobs for both tiers.
type Config struct {
	MoaAPIURL     string
	MoaAPISecret  string

	AgentURL      string
	AgentToken    string
	AgentTimeout  time.Duration // overall Tier-1 deadline, default 90s

	Tier2Timeout  time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 90 * time.Second
	}
	if c.Tier2Timeout <= 0 {
		c.Tier2Timeout = 60 * time.Second
	}
	return c
}

// Request is the normalized input to Dispatch, built by the pipeline from an
// IncomingMessage.
type Request struct {
	UserID          string // gateway_<channel>_<senderId>
	SessionID       string // gw_<channel>_<senderId>
	Channel         string
	Content         string
	ContentForStore string // masked text, persisted for audit; may equal Content
}

// Result is the normalized output from either tier.
type Result struct {
	Reply             string
	Model             string
	Category          string
	CreditsUsed       int
	CreditsRemaining  *int
	KeySource         string
	Timestamp         int64
	Tier              int
}

// Dispatcher runs the two-tier cascade.
type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a Dispatcher.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-tier2",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	// retryablehttp absorbs transient network/5xx flakiness on the Tier-2
	// call before the breaker ever sees a failure; the breaker still trips on
	// sustained outages once retries are exhausted.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.Logger = nil

	return &Dispatcher{
		cfg:        cfg,
		httpClient: retryClient.StandardClient(),
		logger:     logger,
		breaker:    breaker,
	}
}

// Dispatch attempts Tier 1 (if configured), falling back to Tier 2 on any
// failure. It returns an error only when Tier 2 fails, wrapping that tier's
// error — the pipeline's job is to turn that into a generic apology reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if d.cfg.AgentURL != "" {
		if res := d.tryTier1(ctx, req); res != nil {
			return res, nil
		}
		d.logger.Info("ai dispatch: tier 1 unavailable or failed, falling back to tier 2",
			zap.String("channel", req.Channel))
	}

	res, err := d.tier2(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("aidispatch: %w", err)
	}
	return res, nil
}

// --- Tier 1: agent over duplex websocket ---

type frame struct {
	Type    string          `json:"type"` // "req" | "res" | "event"
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type chatEventPayload struct {
	State   string `json:"state"` // streaming | final | error
	Delta   string `json:"delta,omitempty"`
	Message *struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

// tryTier1 performs the health probe, connects, sends chat.send, and
// consumes frames until a final/error state or the overall deadline. Any
// transport or protocol error, or a non-200 health probe, causes tryTier1 to
// return nil so the caller falls through to Tier 2.
func (d *Dispatcher) tryTier1(ctx context.Context, req Request) *Result {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !d.healthProbe(probeCtx) {
		return nil
	}

	deadline, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout)
	defer cancel()

	wsURL := strings.Replace(d.cfg.AgentURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, _, err := websocket.DefaultDialer.DialContext(deadline, wsURL, nil)
	if err != nil {
		d.logger.Warn("ai dispatch: tier 1 dial failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	connectID := uuid.NewString()
	connectParams, _ := json.Marshal(map[string]any{
		"client_id": "gateway_" + req.Channel,
		"token":     d.cfg.AgentToken,
		"scope":     "chat",
	})
	if err := writeFrame(conn, frame{Type: "req", ID: connectID, Method: "connect", Params: connectParams}); err != nil {
		return nil
	}
	if _, err := readMatchingResponse(conn, connectID, deadline); err != nil {
		d.logger.Warn("ai dispatch: tier 1 connect failed", zap.Error(err))
		return nil
	}

	chatID := uuid.NewString()
	idempotencyKey := uuid.NewString()
	chatParams, _ := json.Marshal(map[string]any{
		"session_key":     req.SessionID,
		"message":         req.Content,
		"idempotency_key": idempotencyKey,
	})
	if err := writeFrame(conn, frame{Type: "req", ID: chatID, Method: "chat.send", Params: chatParams}); err != nil {
		return nil
	}

	var buf strings.Builder
	for {
		select {
		case <-deadline.Done():
			return partialOrNil(buf.String())
		default:
		}

		var f frame
		if dl, ok := deadline.Deadline(); ok {
			conn.SetReadDeadline(dl)
		}
		if err := conn.ReadJSON(&f); err != nil {
			if ctxDeadlineHit(deadline) {
				return partialOrNil(buf.String())
			}
			d.logger.Warn("ai dispatch: tier 1 read failed", zap.Error(err))
			return nil
		}

		if f.Type != "event" || f.Event != "chat" {
			continue
		}
		var payload chatEventPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			continue
		}
		if payload.Delta != "" {
			buf.WriteString(payload.Delta)
		}
		authoritative := ""
		if payload.Message != nil {
			for _, part := range payload.Message.Content {
				authoritative += part.Text
			}
		}

		switch payload.State {
		case "final":
			text := buf.String()
			if authoritative != "" {
				text = authoritative
			}
			return &Result{Reply: text, Model: "agent", Tier: 1, Timestamp: time.Now().Unix()}
		case "error":
			return partialOrNil(buf.String())
		}
	}
}

func ctxDeadlineHit(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func partialOrNil(partial string) *Result {
	if partial == "" {
		return nil
	}
	return &Result{Reply: partial, Model: "agent", Tier: 1, Timestamp: time.Now().Unix()}
}

func writeFrame(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(f)
}

func readMatchingResponse(conn *websocket.Conn, id string, ctx context.Context) (*frame, error) {
	for {
		var f frame
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&f); err != nil {
			return nil, err
		}
		if f.Type == "res" && f.ID == id {
			if f.OK != nil && !*f.OK {
				return nil, fmt.Errorf("aidispatch: tier 1 rejected request: %s", f.Error)
			}
			return &f, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func (d *Dispatcher) healthProbe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.AgentURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// --- Tier 2: simple signed REST ---

type tier2RequestBody struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	Content         string `json:"content"`
	Channel         string `json:"channel"`
	ContentForStore string `json:"content_for_storage,omitempty"`
}

type tier2ResponseBody struct {
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	Category         string `json:"category"`
	CreditsUsed      int    `json:"credits_used"`
	CreditsRemaining *int   `json:"credits_remaining"`
	KeySource        string `json:"key_source"`
	Timestamp        int64  `json:"timestamp"`
}

// ErrUpstreamFailure wraps a non-2xx Tier 2 response.
type ErrUpstreamFailure struct {
	StatusCode int
}

func (e *ErrUpstreamFailure) Error() string {
	return fmt.Sprintf("tier 2 upstream failure: status %d", e.StatusCode)
}

func (d *Dispatcher) tier2(ctx context.Context, req Request) (*Result, error) {
	out, err := d.breaker.Execute(func() (any, error) {
		return d.tier2Call(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

func (d *Dispatcher) tier2Call(ctx context.Context, req Request) (*Result, error) {
	body := tier2RequestBody{
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Content:         req.Content,
		Channel:         req.Channel,
		ContentForStore: req.ContentForStore,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal tier 2 body: %w", err)
	}

	deadline, cancel := context.WithTimeout(ctx, d.cfg.Tier2Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(deadline, http.MethodPost, d.cfg.MoaAPIURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build tier 2 request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Gateway-Auth", crypto.SignRequest(string(payload), d.cfg.MoaAPISecret))
	httpReq.Header.Set("X-Gateway-Channel", req.Channel)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tier 2 request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrUpstreamFailure{StatusCode: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tier 2 response: %w", err)
	}

	var parsed tier2ResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse tier 2 response: %w", err)
	}

	if parsed.Timestamp == 0 {
		parsed.Timestamp = time.Now().Unix()
	}
	if parsed.Model == "" {
		parsed.Model = "unknown"
	}

	return &Result{
		Reply:            parsed.Reply,
		Model:            parsed.Model,
		Category:         parsed.Category,
		CreditsUsed:      parsed.CreditsUsed,
		CreditsRemaining: parsed.CreditsRemaining,
		KeySource:        parsed.KeySource,
		Timestamp:        parsed.Timestamp,
		Tier:             2,
	}, nil
}

// Identities builds the synthesized gateway user/session identifiers from a
// channel and sender id, per spec §4.I.
func Identities(channel, senderID string) (userID, sessionID string) {
	return fmt.Sprintf("gateway_%s_%s", channel, senderID), fmt.Sprintf("gw_%s_%s", channel, senderID)
}
