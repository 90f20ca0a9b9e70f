package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateInputDetectsSQLInjection(t *testing.T) {
	res := ValidateInput("DROP TABLE users; --")
	require.False(t, res.Safe)
	require.Contains(t, res.Threats, ThreatSQLInjection)
}

func TestValidateInputSafeText(t *testing.T) {
	res := ValidateInput("hello, how are you?")
	require.True(t, res.Safe)
	require.Empty(t, res.Threats)
	require.Equal(t, "hello, how are you?", res.SanitizedText)
}

func TestValidateInputTooLongIsNotBlocking(t *testing.T) {
	long := strings.Repeat("a", MaxMessageLength+500)
	res := ValidateInput(long)
	require.False(t, res.Safe)
	require.Contains(t, res.Threats, ThreatMessageTooLong)
	require.False(t, HasBlockingThreat(res.Threats))
	require.Len(t, []rune(res.SanitizedText), MaxMessageLength)
}

func TestValidateInputStripsNulAndTrims(t *testing.T) {
	res := ValidateInput("  hi\x00 there  ")
	require.Equal(t, "hi there", res.SanitizedText)
}

func TestValidateInputIdempotent(t *testing.T) {
	input := "  DROP TABLE users;\x00  "
	first := ValidateInput(input)
	second := ValidateInput(first.SanitizedText)
	require.Equal(t, first.SanitizedText, second.SanitizedText)
}

func TestDetectAndMaskSensitiveData(t *testing.T) {
	res := DetectAndMaskSensitiveData("Call me at 010-1234-5678 — mail: a@b.com")
	require.True(t, res.Detected)
	require.Contains(t, res.MaskedText, "010-****-****")
	require.Contains(t, res.MaskedText, "***@***.***")
	require.Contains(t, res.Types, SensitivePhone)
	require.Contains(t, res.Types, SensitiveEmail)
}

func TestDetectAndMaskSensitiveDataIdempotent(t *testing.T) {
	text := "email me at someone@example.com or call 010-1234-5678"
	first := DetectAndMaskSensitiveData(text)
	second := DetectAndMaskSensitiveData(first.MaskedText)
	require.Equal(t, first.MaskedText, second.MaskedText)
}

func TestDetectAndMaskSensitiveDataNoMatch(t *testing.T) {
	res := DetectAndMaskSensitiveData("just a normal message")
	require.False(t, res.Detected)
	require.Empty(t, res.Types)
	require.Equal(t, "just a normal message", res.MaskedText)
}
