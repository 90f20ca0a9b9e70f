package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/aidispatch"
	"github.com/kimjaechol/moa-gateway/internal/allowlist"
	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/pipeline"
	"github.com/kimjaechol/moa-gateway/internal/ratelimit"
	"github.com/kimjaechol/moa-gateway/internal/registry"
)

type stubAdapter struct {
	tag string
}

func (a *stubAdapter) Channel() string     { return a.tag }
func (a *stubAdapter) DisplayName() string { return a.tag }
func (a *stubAdapter) IsConfigured() bool  { return true }
func (a *stubAdapter) Initialize(ctx context.Context) error { return nil }
func (a *stubAdapter) HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, body []byte) channel.WebhookResult {
	return channel.WebhookResult{
		Messages:   []channel.IncomingMessage{{Channel: a.tag, SenderID: "U1", Text: "hi"}},
		StatusCode: http.StatusOK,
	}
}
func (a *stubAdapter) Deliver(ctx context.Context, params channel.DeliveryParams) bool { return true }
func (a *stubAdapter) Shutdown(ctx context.Context) error                             { return nil }

func newTestServer(t *testing.T) *Server {
	al := allowlist.New()
	al.LoadChannel("mattermost", allowlist.ModeOpen, nil, nil)
	rl := ratelimit.New(ratelimit.Config{MaxPerMinute: 30})
	t.Cleanup(rl.Shutdown)
	reg := registry.New(nil, nil)
	require.NoError(t, reg.Register(&stubAdapter{tag: "mattermost"}))
	disp := aidispatch.New(aidispatch.Config{MoaAPIURL: "http://127.0.0.1:1"}, nil)
	pipe := pipeline.New(pipeline.Deps{Allowlist: al, RateLimiter: rl, Registry: reg, Dispatcher: disp})

	return New(Config{Addr: ":0", AdminToken: "secret-token"}, reg, pipe, al, rl, nil, nil, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestWebhookUnknownChannelReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook/unknown", strings.NewReader("{}")))
	require.Equal(t, 404, rec.Code)
}

func TestWebhookKnownChannelReturnsAdapterStatus(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest("POST", "/webhook/mattermost", strings.NewReader("{}")))
	require.Equal(t, 200, rec.Code)
}

func TestAdminSurfaceRejectsMissingBearer(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/allowlist/mattermost/users/U2", nil)
	s.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, 401, rec.Code)
}

func TestAdminSurfaceAcceptsValidBearer(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/allowlist/mattermost/users/U2", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	s.http.Handler.ServeHTTP(rec, req)
	require.Equal(t, 204, rec.Code)
}
