package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	secret := "s3cret"
	token := SignRequest("payload", secret)
	require.True(t, VerifySignedRequest(token, "payload", secret, 0))
}

func TestVerifySignedRequestRejectsStale(t *testing.T) {
	secret := "s3cret"
	stale := signAt(t, "payload", secret, time.Now().Add(-310*time.Second))
	require.False(t, VerifySignedRequest(stale, "payload", secret, 0))
}

func TestVerifySignedRequestRejectsFuture(t *testing.T) {
	secret := "s3cret"
	future := signAt(t, "payload", secret, time.Now().Add(310*time.Second))
	require.False(t, VerifySignedRequest(future, "payload", secret, 0))
}

func TestVerifySignedRequestRejectsMalformed(t *testing.T) {
	require.False(t, VerifySignedRequest("not-a-token", "payload", "secret", 0))
	require.False(t, VerifySignedRequest("abc:def:ghi", "payload", "secret", 0))
	require.False(t, VerifySignedRequest("notanumber:deadbeef", "payload", "secret", 0))
}

func TestVerifySignedRequestRejectsWrongSecret(t *testing.T) {
	token := SignRequest("payload", "secret-a")
	require.False(t, VerifySignedRequest(token, "payload", "secret-b", 0))
}

func TestVerifyHmacSha256(t *testing.T) {
	sig := "sha256=" + hmacHex("secret", "body")
	require.True(t, VerifyHmacSha256("body", sig, "secret", "sha256="))
	require.False(t, VerifyHmacSha256("tampered", sig, "secret", "sha256="))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("abc", "abc"))
	require.False(t, ConstantTimeEqual("abc", "abcd"))
	require.False(t, ConstantTimeEqual("abc", "abd"))
}

func TestAuditTagStableAndOpaque(t *testing.T) {
	tag1 := AuditTag("user-123")
	tag2 := AuditTag("user-123")
	require.Equal(t, tag1, tag2)
	require.Len(t, tag1, 12)
	require.NotEqual(t, tag1, AuditTag("user-456"))
}

// signAt signs a payload as of a specific instant, for freshness-window tests.
func signAt(t *testing.T, payload, secret string, at time.Time) string {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmacHex(secret, ts+":"+payload)
	return ts + ":" + mac
}
