// Package pipeline implements processMessage, the ordered ingress state
// machine (spec §4.G): allowlist gate, rate limit, input validation,
// sensitive-data masking, AI dispatch, delivery. Step order is load-bearing
// and must not be reshuffled — see the doc comment on Pipeline.Process.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/aidispatch"
	"github.com/kimjaechol/moa-gateway/internal/allowlist"
	"github.com/kimjaechol/moa-gateway/internal/audit"
	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
	"github.com/kimjaechol/moa-gateway/internal/filter"
	"github.com/kimjaechol/moa-gateway/internal/metrics"
	"github.com/kimjaechol/moa-gateway/internal/ratelimit"
	"github.com/kimjaechol/moa-gateway/internal/registry"
)

const genericApology = "Sorry, something went wrong on my end. Please try again in a moment."
const injectionBlockedReply = "Your message was blocked for containing a disallowed pattern. Please rephrase and try again."

// Outcome reports what processMessage did, for tests and callers that want
// to observe behavior beyond the side effect of delivery.
type Outcome string

const (
	OutcomeDropped      Outcome = "dropped_not_allowlisted"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeBlockedInput Outcome = "blocked_suspicious_input"
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDeliveryFail Outcome = "delivery_failed"
)

// Result is the observable result of one processMessage call.
type Result struct {
	Outcome    Outcome
	ReplyText  string
	AIError    error
	MaskedText string
}

// Deps bundles the pipeline's collaborators, matching spec §4.G's
// deps = {config, rateLimiter, allowlist} plus the registry and dispatcher
// needed to actually carry a message from ingress to egress.
type Deps struct {
	Allowlist   *allowlist.Allowlist
	RateLimiter *ratelimit.Limiter
	Registry    *registry.Registry
	Dispatcher  *aidispatch.Dispatcher
	Audit       *audit.Bus
	Metrics     *metrics.Registry
	Logger      *zap.Logger
}

// Pipeline runs processMessage for every inbound canonical message.
type Pipeline struct {
	deps Deps
}

// New constructs a Pipeline. A nil Logger/Audit degrade to no-ops.
func New(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps}
}

// Process runs the ordered state machine described in spec §4.G over msg.
// Steps execute in strict program order and each may short-circuit:
//
//  1. Allowlist gate — silent drop, no reply, if denied.
//  2. Rate limit — audited deny with a user-visible cooldown reply.
//  3. Input validation — audited block on any threat beyond message_too_long.
//  4. Sensitive-data masking over the sanitized text (logged, not blocking).
//  5. AI dispatch with the sanitized (unmasked) text; masked text is the
//     audit/storage copy only.
//  6. Delivery via the registry-resolved adapter for msg.Channel.
//
// The ordering is load-bearing: allowlist before rate limit (blocked users
// never spend strike budget), rate limit before validation (abuse can't
// dodge cooldowns by being malformed), validation before masking (masking
// never runs over a known-hostile payload).
func (p *Pipeline) Process(ctx context.Context, msg channel.IncomingMessage) Result {
	userTag := crypto.AuditTag(msg.SenderID)
	if p.deps.Metrics != nil {
		p.deps.Metrics.MessagesIngested.WithLabelValues(msg.Channel).Inc()
	}

	if !p.deps.Allowlist.IsAllowed(msg.Channel, msg.SenderID, msg.GroupID) {
		p.deps.Logger.Info("allowlist denied, dropping silently",
			zap.String("channel", msg.Channel), zap.String("user_tag", userTag))
		if p.deps.Metrics != nil {
			p.deps.Metrics.AllowlistDrops.WithLabelValues(msg.Channel).Inc()
		}
		return Result{Outcome: OutcomeDropped}
	}

	rl := p.deps.RateLimiter.Check(msg.Channel, msg.SenderID)
	if !rl.Allowed {
		p.auditEvent("rate_limit_hit", msg.Channel, userTag, map[string]string{
			"reason":  rl.Reason,
			"strikes": fmt.Sprintf("%d", rl.Strikes),
		})
		if p.deps.Metrics != nil {
			p.deps.Metrics.RateLimitHits.WithLabelValues(msg.Channel).Inc()
		}
		reply := rateLimitReply(rl)
		p.deliver(ctx, msg, reply)
		return Result{Outcome: OutcomeRateLimited, ReplyText: reply}
	}

	validation := filter.ValidateInput(msg.Text)
	if !validation.Safe {
		p.auditEvent("suspicious_input", msg.Channel, userTag, map[string]string{
			"threats": threatsString(validation.Threats),
		})
		if p.deps.Metrics != nil {
			for _, threat := range validation.Threats {
				p.deps.Metrics.SuspiciousInputs.WithLabelValues(msg.Channel, string(threat)).Inc()
			}
		}
		if filter.HasBlockingThreat(validation.Threats) {
			p.deliver(ctx, msg, injectionBlockedReply)
			return Result{Outcome: OutcomeBlockedInput, ReplyText: injectionBlockedReply}
		}
	}
	sanitized := validation.SanitizedText

	maskResult := filter.DetectAndMaskSensitiveData(sanitized)
	if maskResult.Detected {
		p.deps.Logger.Info("sensitive data masked for storage",
			zap.String("channel", msg.Channel), zap.String("user_tag", userTag))
	}

	userID, sessionID := aidispatch.Identities(msg.Channel, msg.SenderID)
	aiRes, err := p.safeDispatch(ctx, aidispatch.Request{
		UserID:          userID,
		SessionID:       sessionID,
		Channel:         msg.Channel,
		Content:         sanitized,
		ContentForStore: maskResult.MaskedText,
	})

	reply := genericApology
	if err == nil && aiRes != nil {
		reply = aiRes.Reply
		if p.deps.Metrics != nil {
			p.deps.Metrics.AIDispatchTier.WithLabelValues(fmt.Sprintf("%d", aiRes.Tier)).Inc()
		}
	} else if err != nil {
		p.deps.Logger.Warn("ai dispatch failed, delivering generic apology",
			zap.String("channel", msg.Channel), zap.String("user_tag", userTag), zap.Error(err))
		if p.deps.Metrics != nil {
			p.deps.Metrics.AIDispatchFailures.WithLabelValues(msg.Channel).Inc()
		}
	}

	ok := p.deliver(ctx, msg, reply)
	out := OutcomeDelivered
	if !ok {
		out = OutcomeDeliveryFail
		if p.deps.Metrics != nil {
			p.deps.Metrics.DeliveryFailures.WithLabelValues(msg.Channel).Inc()
		}
	} else if p.deps.Metrics != nil {
		p.deps.Metrics.MessagesDelivered.WithLabelValues(msg.Channel).Inc()
	}
	return Result{Outcome: out, ReplyText: reply, AIError: err, MaskedText: maskResult.MaskedText}
}

// safeDispatch guards against a panicking dispatcher (spec §7: unexpected
// exceptions convert to a generic apology, never a crash of the pipeline).
func (p *Pipeline) safeDispatch(ctx context.Context, req aidispatch.Request) (res *aidispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ai dispatch panic: %v", r)
		}
	}()
	return p.deps.Dispatcher.Dispatch(ctx, req)
}

func (p *Pipeline) deliver(ctx context.Context, msg channel.IncomingMessage, text string) bool {
	adapter, ok := p.deps.Registry.Get(msg.Channel)
	if !ok {
		p.deps.Logger.Warn("delivery failed: no adapter registered", zap.String("channel", msg.Channel))
		return false
	}
	delivered := adapter.Deliver(ctx, channel.DeliveryParams{
		RecipientID:  msg.SenderID,
		Text:         text,
		ReplyToID:    msg.MessageID,
		ThreadID:     msg.GroupID,
		DeliveryMeta: msg.DeliveryMeta,
	})
	if !delivered {
		p.deps.Logger.Warn("adapter reported delivery failure", zap.String("channel", msg.Channel))
	}
	return delivered
}

func (p *Pipeline) auditEvent(kind, channelTag, userTag string, detail map[string]string) {
	if p.deps.Audit == nil {
		return
	}
	p.deps.Audit.Publish(audit.Event{Kind: kind, Channel: channelTag, UserTag: userTag, Detail: detail})
}

func rateLimitReply(rl ratelimit.Result) string {
	if rl.CooldownMins > 0 {
		return fmt.Sprintf("You're sending messages too quickly. Please wait about %d minute(s) before trying again. (strike %d)", rl.CooldownMins, rl.Strikes)
	}
	return "You're sending messages too quickly. Please slow down."
}

func threatsString(threats []filter.ThreatKind) string {
	s := ""
	for i, t := range threats {
		if i > 0 {
			s += ","
		}
		s += string(t)
	}
	return s
}
