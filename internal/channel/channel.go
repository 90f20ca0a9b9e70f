// Package channel defines the uniform contract every platform adapter
// implements (spec §4.E) and the canonical message types that flow through
// the ingress pipeline (spec §3).
package channel

import "context"

// IncomingMessage is the platform-neutral message an adapter produces from a
// raw platform event. It is created by an adapter, consumed once by the
// pipeline, and then discarded.
type IncomingMessage struct {
	Channel         string
	SenderID        string
	SenderName      string
	Text            string
	MessageID       string
	GroupID         string
	PlatformTime    int64
	DeliveryMeta    map[string]string
}

// DeliveryParams is the egress contract: what the pipeline hands an adapter
// to deliver a reply.
type DeliveryParams struct {
	RecipientID  string
	Text         string
	ReplyToID    string
	ThreadID     string
	DeliveryMeta map[string]string
}

// WebhookResult is what handleWebhook returns to the HTTP edge: the status
// code to echo back to the platform, and an optional response body.
type WebhookResult struct {
	Messages     []IncomingMessage
	StatusCode   int
	ResponseBody string
}

// MessageHandler is the callback polling/long-poll/duplex-socket adapters
// invoke for every message their background loop produces. The host
// registers it via OnMessage before calling Initialize.
type MessageHandler func(context.Context, IncomingMessage)

// Adapter is the contract every channel plugin implements (spec §4.E).
// isConfigured/handleWebhook/deliver must never panic across this boundary —
// errors are always returned as values, matching spec §7's propagation
// policy.
type Adapter interface {
	// Channel returns this adapter's compile-time channel tag.
	Channel() string
	// DisplayName returns a human label for logs/admin surfaces.
	DisplayName() string
	// IsConfigured purely inspects configuration; no I/O.
	IsConfigured() bool
	// Initialize performs any credential check and starts the adapter's
	// background connection or polling loop, if any.
	Initialize(ctx context.Context) error
	// HandleWebhook synchronously decodes a platform-pushed HTTP request into
	// zero or more canonical messages.
	HandleWebhook(ctx context.Context, path, method string, headers map[string][]string, rawBody []byte) WebhookResult
	// Deliver sends a reply through this adapter's platform. Returns false on
	// transport or platform error.
	Deliver(ctx context.Context, params DeliveryParams) bool
	// Shutdown stops timers/sockets and releases tokens.
	Shutdown(ctx context.Context) error
}

// PollingAdapter is implemented by adapters whose ingress is driven by a
// background loop (long-poll or fixed-interval REST poll) rather than purely
// by HandleWebhook. The host registers OnMessage before calling Initialize.
type PollingAdapter interface {
	Adapter
	OnMessage(handler MessageHandler)
}

// Error kinds from the taxonomy in spec §7. Adapters return these (wrapped)
// rather than panicking across the pipeline boundary.
type ErrorKind string

const (
	ErrKindConfig       ErrorKind = "config_error"
	ErrKindAuthFailure  ErrorKind = "auth_failure"
	ErrKindSignature    ErrorKind = "signature_invalid"
	ErrKindMalformed    ErrorKind = "malformed_payload"
	ErrKindUnreachable  ErrorKind = "unreachable"
	ErrKindTransient    ErrorKind = "transient_adapter_error"
)

// AdapterError carries a taxonomy kind alongside a wrapped cause.
type AdapterError struct {
	Kind ErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError constructs an AdapterError.
func NewAdapterError(kind ErrorKind, err error) *AdapterError {
	return &AdapterError{Kind: kind, Err: err}
}
