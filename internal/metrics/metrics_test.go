package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRegistryHandlerServesText(t *testing.T) {
	reg := NewRegistry()
	reg.MessagesIngested.WithLabelValues("slack").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "gateway_messages_ingested_total")
}

func TestSystemSnapshotHandlerServesJSON(t *testing.T) {
	snap := NewSystemSnapshot()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics/system", nil)
	snap.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Contains(t, rec.Body.String(), "goroutines")
}
