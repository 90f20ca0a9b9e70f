package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimjaechol/moa-gateway/internal/aidispatch"
	"github.com/kimjaechol/moa-gateway/internal/store"
)

func newEngine(t *testing.T, reply string) (*Engine, *store.MemoryStore) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"reply": reply, "model": "gpt"})
	}))
	t.Cleanup(srv.Close)
	disp := aidispatch.New(aidispatch.Config{MoaAPIURL: srv.URL, MoaAPISecret: "s"}, nil)
	st := store.NewMemoryStore()
	return New(st, disp, nil, nil), st
}

func TestSentinelSuppressesDeliveryS6(t *testing.T) {
	e, st := newEngine(t, "**HEARTBEAT_OK**")
	ctx := context.Background()

	id, err := e.CreatePendingTask(ctx, "u1", "s1", "slack", store.TaskAsyncAction, "generate report", "orig context")
	require.NoError(t, err)
	require.NoError(t, e.CompleteTask(ctx, id, "report ready"))

	c := e.Run(ctx)
	require.Equal(t, 1, c.Processed)
	require.Equal(t, 0, c.Delivered)
	require.Equal(t, 1, c.Skipped)

	recent, err := st.RecentConversationMessages(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	pending, err := st.PendingCompletedTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending) // delivered flag set even though suppressed
}

func TestCompletedTaskDeliversAssistantMessage(t *testing.T) {
	e, st := newEngine(t, "Your report is ready! Here's a detailed summary of what I found.")
	ctx := context.Background()

	id, err := e.CreatePendingTask(ctx, "u1", "s1", "slack", store.TaskAsyncAction, "generate report", "ctx")
	require.NoError(t, err)
	require.NoError(t, e.CompleteTask(ctx, id, "done"))

	c := e.Run(ctx)
	require.Equal(t, 1, c.Delivered)

	recent, err := st.RecentConversationMessages(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, store.RoleAssistant, recent[0].Role)
	require.Equal(t, "proactive", recent[0].Category)
}

func TestRunTwiceDoesNotDoubleDeliver(t *testing.T) {
	e, _ := newEngine(t, "Your report is ready with a full detailed breakdown of the results.")
	ctx := context.Background()

	id, err := e.CreatePendingTask(ctx, "u1", "s1", "slack", store.TaskAsyncAction, "generate report", "ctx")
	require.NoError(t, err)
	require.NoError(t, e.CompleteTask(ctx, id, "done"))

	first := e.Run(ctx)
	require.Equal(t, 1, first.Delivered)

	second := e.Run(ctx)
	require.Equal(t, 0, second.Processed)
	require.Equal(t, 0, second.Delivered)
}

func TestConcurrentRunsOnlyOneExecutesCycle(t *testing.T) {
	// The AI backend holds the first cycle inside dispatch until released, so
	// the second Run is guaranteed to overlap it.
	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enterOnce.Do(func() { close(entered) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"reply": "Your report is ready with a full detailed breakdown.", "model": "gpt"})
	}))
	t.Cleanup(srv.Close)
	disp := aidispatch.New(aidispatch.Config{MoaAPIURL: srv.URL, MoaAPISecret: "s"}, nil)
	e := New(store.NewMemoryStore(), disp, nil, nil)
	ctx := context.Background()

	id, err := e.CreatePendingTask(ctx, "u1", "s1", "slack", store.TaskAsyncAction, "generate report", "ctx")
	require.NoError(t, err)
	require.NoError(t, e.CompleteTask(ctx, id, "done"))

	var wg sync.WaitGroup
	var first Counters
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = e.Run(ctx)
	}()
	<-entered
	second := e.Run(ctx)
	close(release)
	wg.Wait()

	require.Equal(t, []string{"cycle already running"}, second.Errors)
	require.Equal(t, 0, second.Processed)
	require.Equal(t, 1, first.Processed)
	require.Empty(t, first.Errors)
}

func TestSessionFollowUpQualifiesOnPendingWorkReply(t *testing.T) {
	e, st := newEngine(t, "Just checking in, still on it!")
	ctx := context.Background()

	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleUser, Content: "any update?",
	}))
	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleAssistant,
		Content: "Let me check on that for you, please wait a moment.",
	}))

	c := e.Run(ctx)
	require.Equal(t, 1, c.Processed)
	require.Equal(t, 1, c.Delivered)

	recent, _ := st.RecentConversationMessages(ctx, time.Hour, 10)
	found := false
	for _, m := range recent {
		if m.Category == "proactive" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSessionFollowUpSkippedWhenUserRepliedLast(t *testing.T) {
	e, st := newEngine(t, "Just checking in, still on it!")
	ctx := context.Background()

	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleAssistant,
		Content: "Let me check on that for you, please wait a moment.",
	}))
	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleUser, Content: "ok thanks",
	}))

	c := e.Run(ctx)
	require.Equal(t, 0, c.Processed)
}

func TestSessionFollowUpSkippedWithoutPendingWorkLanguage(t *testing.T) {
	e, st := newEngine(t, "anything")
	ctx := context.Background()

	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleUser, Content: "hi",
	}))
	require.NoError(t, st.AppendConversationMessage(ctx, store.ConversationMessage{
		UserID: "u1", SessionID: "s1", Channel: "slack", Role: store.RoleAssistant, Content: "Hello! How can I help?",
	}))

	c := e.Run(ctx)
	require.Equal(t, 0, c.Processed)
}

func TestStripSentinelHandlesMarkupVariants(t *testing.T) {
	require.Equal(t, "", stripSentinel("**HEARTBEAT_OK**"))
	require.Equal(t, "", stripSentinel("heartbeat_ok"))
	require.Equal(t, "well done", stripSentinel("well done HEARTBEAT_OK"))
}
