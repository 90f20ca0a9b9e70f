// Package heartbeat implements the proactive follow-up engine (spec §4.J):
// a single non-reentrant runHeartbeat cycle that delivers completed pending
// tasks and detects sessions waiting on a stale "I'll get back to you" reply.
package heartbeat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/aidispatch"
	"github.com/kimjaechol/moa-gateway/internal/metrics"
	"github.com/kimjaechol/moa-gateway/internal/store"
)

const (
	// Sentinel is the literal the prompt instructs the model to emit when it
	// has nothing meaningful to say.
	Sentinel = "HEARTBEAT_OK"

	maxTasksPerRun        = 10
	minMeaningfulChars    = 20
	maxFollowUpsPerHour   = 3
	dedupWindow           = 24 * time.Hour
	lookbackWindow        = time.Hour
	lookbackMessageLimit  = 100
	categoryProactive     = "proactive"
)

var sentinelPattern = regexp.MustCompile(`(?i)[\*_]*` + Sentinel + `[\*_]*`)

// pendingWorkPatterns is the locale-specific "pending work" classifier
// (spec §4.J Open Question 2). Extending to new languages means adding more
// patterns here, not guessing from context.
var pendingWorkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)please\s+wait`),
	regexp.MustCompile(`(?i)working\s+on`),
	regexp.MustCompile(`(?i)i'?ll\s+check`),
	regexp.MustCompile(`(?i)i'?ll\s+get\s+back\s+to\s+you`),
	regexp.MustCompile(`(?i)let\s+me\s+look\s+into`),
	regexp.MustCompile(`잠시만|확인해\s*보겠|기다려\s*주세요`),
}

// Counters is the return value of a heartbeat cycle (spec §4.J).
type Counters struct {
	Processed int
	Delivered int
	Skipped   int
	Errors    []string
}

// Engine runs heartbeat cycles against a Store using a Dispatcher for the
// underlying AI calls. It refuses overlapping runs.
type Engine struct {
	store    store.Store
	dispatch *aidispatch.Dispatcher
	metrics  *metrics.Registry
	logger   *zap.Logger

	busy   bool
	busyMu sync.Mutex
}

// New constructs an Engine. A nil logger degrades to no-op; a nil metrics
// registry simply disables heartbeat counters.
func New(st store.Store, dispatch *aidispatch.Dispatcher, reg *metrics.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, dispatch: dispatch, metrics: reg, logger: logger}
}

// Run executes one heartbeat cycle. If a cycle is already in flight, Run
// returns immediately with a Counters whose Errors contains
// "cycle already running" and takes no action (spec §5: two concurrent
// runHeartbeat invocations must produce exactly one effective cycle).
func (e *Engine) Run(ctx context.Context) Counters {
	e.busyMu.Lock()
	if e.busy {
		e.busyMu.Unlock()
		return Counters{Errors: []string{"cycle already running"}}
	}
	e.busy = true
	e.busyMu.Unlock()
	defer func() {
		e.busyMu.Lock()
		e.busy = false
		e.busyMu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.HeartbeatCycles.Inc()
	}

	var c Counters
	e.sweepCompletedTasks(ctx, &c)
	e.sweepSessionFollowUps(ctx, &c)
	return c
}

func (e *Engine) sweepCompletedTasks(ctx context.Context, c *Counters) {
	tasks, err := e.store.PendingCompletedTasks(ctx, maxTasksPerRun)
	if err != nil {
		c.Errors = append(c.Errors, fmt.Sprintf("fetch pending completed tasks: %v", err))
		return
	}

	for _, task := range tasks {
		c.Processed++
		suppressed, err := e.deliverCompletedTask(ctx, task)
		if err != nil {
			c.Errors = append(c.Errors, fmt.Sprintf("task %s: %v", task.ID, err))
			c.Skipped++
			continue
		}
		if suppressed {
			c.Skipped++
		} else {
			c.Delivered++
			if e.metrics != nil {
				e.metrics.HeartbeatDelivered.Inc()
			}
		}
	}
}

// deliverCompletedTask handles one task end to end: dispatch, strip, suppress
// or persist, and unconditionally mark the task delivered — the delivered
// flag is the idempotency barrier (spec §4.J, property 7). The returned bool
// reports whether the reply was suppressed as near-empty; the caller uses it
// to decide between Counters.Delivered and Counters.Skipped, since task is
// passed by value and any field set on it here is invisible to the caller.
func (e *Engine) deliverCompletedTask(ctx context.Context, task store.PendingTask) (suppressed bool, err error) {
	result := task.Result
	if strings.TrimSpace(result) == "" {
		result = "done"
	}
	prompt := buildTaskCompletionPrompt(task, result)

	aiRes, err := e.dispatch.Dispatch(ctx, aidispatch.Request{
		UserID:    task.UserID,
		SessionID: task.SessionID,
		Channel:   task.Channel,
		Content:   prompt,
	})
	if err != nil {
		_ = e.store.MarkDelivered(ctx, task.ID)
		return false, err
	}

	stripped := stripSentinel(aiRes.Reply)
	suppressed = len([]rune(stripped)) < minMeaningfulChars
	if !suppressed {
		_ = e.store.AppendConversationMessage(ctx, store.ConversationMessage{
			UserID:    task.UserID,
			SessionID: task.SessionID,
			Channel:   task.Channel,
			Role:      store.RoleAssistant,
			Content:   stripped,
			Category:  categoryProactive,
			Model:     "heartbeat/" + modelOrDefault(aiRes.Model),
		})
	}

	if err := e.store.MarkDelivered(ctx, task.ID); err != nil {
		return suppressed, err
	}
	if suppressed {
		e.logger.Debug("heartbeat: suppressed near-empty task completion reply", zap.String("task_id", task.ID))
	}
	return suppressed, nil
}

func (e *Engine) sweepSessionFollowUps(ctx context.Context, c *Counters) {
	recent, err := e.store.RecentConversationMessages(ctx, lookbackWindow, lookbackMessageLimit)
	if err != nil {
		c.Errors = append(c.Errors, fmt.Sprintf("fetch recent conversation messages: %v", err))
		return
	}

	for _, sess := range groupBySession(recent) {
		if !qualifiesForFollowUp(sess) {
			continue
		}
		if e.recentProactiveCount(ctx, sess) >= maxFollowUpsPerHour {
			continue
		}
		if !e.dedupWindowPassed(ctx, sess) {
			continue
		}

		c.Processed++
		suppressed, err := e.emitFollowUp(ctx, sess)
		if err != nil {
			c.Errors = append(c.Errors, fmt.Sprintf("session %s/%s: %v", sess.userID, sess.sessionID, err))
			c.Skipped++
			continue
		}
		if suppressed {
			c.Skipped++
			continue
		}
		c.Delivered++
		if e.metrics != nil {
			e.metrics.HeartbeatDelivered.Inc()
		}
	}
}

func (e *Engine) emitFollowUp(ctx context.Context, sess sessionGroup) (suppressed bool, err error) {
	prompt := buildFollowUpPrompt(sess)
	aiRes, err := e.dispatch.Dispatch(ctx, aidispatch.Request{
		UserID:    sess.userID,
		SessionID: sess.sessionID,
		Channel:   sess.channel,
		Content:   prompt,
	})
	if err != nil {
		return false, err
	}
	stripped := stripSentinel(aiRes.Reply)
	if len([]rune(stripped)) < minMeaningfulChars {
		return true, nil
	}
	return false, e.store.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID:    sess.userID,
		SessionID: sess.sessionID,
		Channel:   sess.channel,
		Role:      store.RoleAssistant,
		Content:   stripped,
		Category:  categoryProactive,
		Model:     "heartbeat/" + modelOrDefault(aiRes.Model),
	})
}

// recentProactiveCount and dedupWindowPassed both scan recent messages for
// this session's proactive replies, over the last hour and the last 24h
// respectively; a real backend would index this, but semantically both
// checks are required together (spec §9: "Both must be checked within the
// same cycle; neither alone suffices").
func (e *Engine) recentProactiveCount(ctx context.Context, sess sessionGroup) int {
	recent, err := e.store.RecentConversationMessages(ctx, lookbackWindow, 0)
	if err != nil {
		return 0
	}
	count := 0
	for _, m := range recent {
		if m.UserID == sess.userID && m.SessionID == sess.sessionID && m.Category == categoryProactive {
			count++
		}
	}
	return count
}

func (e *Engine) dedupWindowPassed(ctx context.Context, sess sessionGroup) bool {
	recent, err := e.store.RecentConversationMessages(ctx, dedupWindow, 0)
	if err != nil {
		return true
	}
	var lastProactive time.Time
	for _, m := range recent {
		if m.UserID == sess.userID && m.SessionID == sess.sessionID && m.Category == categoryProactive {
			if m.CreatedAt.After(lastProactive) {
				lastProactive = m.CreatedAt
			}
		}
	}
	if lastProactive.IsZero() {
		return true
	}
	return time.Since(lastProactive) >= dedupWindow
}

// CreatePendingTask exposes task creation to the AI/other subsystems
// (spec §4.J).
func (e *Engine) CreatePendingTask(ctx context.Context, userID, sessionID, channel string, taskType store.TaskType, description, taskContext string) (string, error) {
	return e.store.CreatePendingTask(ctx, store.PendingTask{
		UserID: userID, SessionID: sessionID, Channel: channel,
		Type: taskType, Description: description, Context: taskContext,
	})
}

// CompleteTask exposes task completion to the AI/other subsystems
// (spec §4.J). delivered remains false until the next heartbeat cycle.
func (e *Engine) CompleteTask(ctx context.Context, id, result string) error {
	return e.store.CompleteTask(ctx, id, result)
}

func stripSentinel(reply string) string {
	return strings.TrimSpace(sentinelPattern.ReplaceAllString(reply, ""))
}

func modelOrDefault(model string) string {
	if model == "" {
		return "unknown"
	}
	return model
}

func buildTaskCompletionPrompt(task store.PendingTask, result string) string {
	ctxSlice := task.Context
	if len(ctxSlice) > 200 {
		ctxSlice = ctxSlice[:200]
	}
	return fmt.Sprintf(
		"A background task you started has completed. Task: %q. Result: %q. Original context: %q. "+
			"Respond naturally in the session's language to let the user know, or reply with exactly %q if there is nothing meaningful to report.",
		task.Description, result, ctxSlice, Sentinel,
	)
}

func buildFollowUpPrompt(sess sessionGroup) string {
	userSlice := truncate(sess.lastUserText, 200)
	assistantSlice := truncate(sess.lastAssistantText, 200)
	return fmt.Sprintf(
		"Earlier, the user said: %q. You replied: %q. Some time has passed with no further reply from you. "+
			"Write a brief, natural check-in in the same language, or reply with exactly %q if there is nothing meaningful to add.",
		userSlice, assistantSlice, Sentinel,
	)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type sessionGroup struct {
	userID            string
	sessionID         string
	channel           string
	lastUserText      string
	lastUserAt        time.Time
	lastAssistantText string
	lastAssistantAt   time.Time
	lastIsAssistant   bool
}

func groupBySession(messages []store.ConversationMessage) []sessionGroup {
	groups := make(map[string]*sessionGroup)
	var order []string
	for _, m := range messages {
		key := m.UserID + "\x00" + m.SessionID
		g, ok := groups[key]
		if !ok {
			g = &sessionGroup{userID: m.UserID, sessionID: m.SessionID, channel: m.Channel}
			groups[key] = g
			order = append(order, key)
		}
		switch m.Role {
		case store.RoleUser:
			if m.CreatedAt.After(g.lastUserAt) {
				g.lastUserText = m.Content
				g.lastUserAt = m.CreatedAt
				g.lastIsAssistant = false
			}
		case store.RoleAssistant:
			if m.CreatedAt.After(g.lastAssistantAt) {
				g.lastAssistantText = m.Content
				g.lastAssistantAt = m.CreatedAt
				g.lastIsAssistant = true
			}
		}
	}
	out := make([]sessionGroup, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.lastIsAssistant = g.lastAssistantAt.After(g.lastUserAt)
		out = append(out, *g)
	}
	return out
}

// qualifiesForFollowUp implements the four structural conditions of spec
// §4.J's session-qualification predicate that don't require store lookups
// (the rolling-hour cap and dedup-window checks are applied separately by
// the caller, since they require querying recent proactive messages).
func qualifiesForFollowUp(sess sessionGroup) bool {
	if sess.lastUserAt.IsZero() || sess.lastAssistantAt.IsZero() {
		return false
	}
	if !sess.lastIsAssistant {
		return false
	}
	if time.Since(sess.lastAssistantAt) > lookbackWindow {
		return false
	}
	return matchesPendingWork(sess.lastAssistantText)
}

func matchesPendingWork(text string) bool {
	for _, p := range pendingWorkPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
