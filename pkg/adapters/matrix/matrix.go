// Package matrix implements the channel.Adapter contract for Matrix
// (spec §4.H long-poll/sync family) by driving the homeserver's /sync
// long-poll endpoint in a background goroutine. No Matrix client SDK
// appears anywhere in the corpus, so this adapter is built directly on
// net/http — justified in the grounding ledger as a deliberate stdlib
// choice, not an oversight.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/channel"
)

// Config holds the credentials this adapter consumes.
type Config struct {
	HomeserverURL string
	AccessToken   string
	UserID        string // our own user id, filtered out of incoming events
	SyncTimeout   time.Duration
}

// Adapter implements channel.Adapter and channel.PollingAdapter for Matrix.
type Adapter struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client

	mu      sync.Mutex
	handler channel.MessageHandler
	cancel  context.CancelFunc
}

// New constructs a Matrix adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	return &Adapter{cfg: cfg, logger: logger, httpClient: &http.Client{Timeout: cfg.SyncTimeout + 10*time.Second}}
}

func (a *Adapter) Channel() string     { return "matrix" }
func (a *Adapter) DisplayName() string { return "Matrix" }

func (a *Adapter) IsConfigured() bool {
	return a.cfg.HomeserverURL != "" && a.cfg.AccessToken != ""
}

// OnMessage registers the callback invoked for every message discovered by
// the /sync loop. Must be called before Initialize.
func (a *Adapter) OnMessage(handler channel.MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// Initialize starts the background /sync loop.
func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.IsConfigured() {
		return channel.NewAdapterError(channel.ErrKindConfig, errMissingConfig)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.syncLoop(loopCtx)
	return nil
}

// Shutdown stops the /sync loop.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type matrixSyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []matrixEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

type matrixEvent struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	EventID   string `json:"event_id"`
	OriginTS  int64  `json:"origin_server_ts"`
	Content   struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

func (a *Adapter) syncLoop(ctx context.Context) {
	since := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := a.sync(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("matrix sync failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		a.dispatchEvents(ctx, resp)
		since = resp.NextBatch
	}
}

func (a *Adapter) dispatchEvents(ctx context.Context, resp *matrixSyncResponse) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Content.MsgType != "m.text" || ev.Content.Body == "" {
				continue
			}
			if a.cfg.UserID != "" && ev.Sender == a.cfg.UserID {
				continue
			}
			handler(ctx, channel.IncomingMessage{
				Channel:      a.Channel(),
				SenderID:     ev.Sender,
				Text:         ev.Content.Body,
				MessageID:    ev.EventID,
				GroupID:      roomID,
				PlatformTime: ev.OriginTS,
				DeliveryMeta: map[string]string{"roomId": roomID},
			})
		}
	}
}

func (a *Adapter) sync(ctx context.Context, since string) (*matrixSyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprintf("%d", a.cfg.SyncTimeout.Milliseconds()))
	if since != "" {
		q.Set("since", since)
	}

	reqURL := a.cfg.HomeserverURL + "/_matrix/client/v3/sync?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("matrix: sync returned %d", resp.StatusCode)
	}

	var out matrixSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

type matrixSendRequest struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// Deliver sends an m.text message into the given room via the client-server
// API's send endpoint.
func (a *Adapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool {
	roomID := params.DeliveryMeta["roomId"]
	if roomID == "" {
		roomID = params.RecipientID
	}
	if roomID == "" {
		return false
	}

	body, err := json.Marshal(matrixSendRequest{MsgType: "m.text", Body: params.Text})
	if err != nil {
		return false
	}

	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	reqURL := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s", a.cfg.HomeserverURL, url.PathEscape(roomID), txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("matrix deliver failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// HandleWebhook is a no-op: Matrix ingress is exclusively the /sync loop.
func (a *Adapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) channel.WebhookResult {
	return channel.WebhookResult{StatusCode: http.StatusOK, ResponseBody: "matrix adapter uses /sync polling, not webhooks"}
}

type configError string

func (e configError) Error() string { return string(e) }

const errMissingConfig = configError("matrix: homeserver_url and access_token are required")
