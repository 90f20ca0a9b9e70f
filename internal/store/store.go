// Package store defines the external persistence contract the gateway reads
// and writes through: PendingTask and ConversationMessage (spec §3). The
// actual relational/key-value backend is explicitly out of scope (spec §1) —
// this package defines the interface and ships only an in-memory reference
// implementation, used by tests and as cmd/gateway's runtime store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TaskType enumerates PendingTask.Type values.
type TaskType string

const (
	TaskAsyncAction   TaskType = "async_action"
	TaskFollowUp      TaskType = "follow_up"
	TaskReminder      TaskType = "reminder"
	TaskProactiveCheck TaskType = "proactive_check"
)

// TaskStatus enumerates PendingTask.Status values.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// PendingTask mirrors spec §3's PendingTask entity.
type PendingTask struct {
	ID          string
	UserID      string
	SessionID   string
	Channel     string
	Type        TaskType
	Description string
	Status      TaskStatus
	Context     string
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      string
	Delivered   bool
}

// Role enumerates ConversationMessage.Role values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage mirrors spec §3's ConversationMessage entity.
type ConversationMessage struct {
	UserID    string
	SessionID string
	Role      Role
	Content   string
	Channel   string
	Model     string
	Category  string
	CreatedAt time.Time
}

// Store is the persistence contract the gateway depends on. Implementations
// must provide linearizable single-row writes for PendingTask status/
// delivered transitions (spec §5).
type Store interface {
	CreatePendingTask(ctx context.Context, t PendingTask) (string, error)
	CompleteTask(ctx context.Context, id, result string) error
	// PendingCompletedTasks returns completed, not-yet-delivered tasks, oldest
	// first, up to limit.
	PendingCompletedTasks(ctx context.Context, limit int) ([]PendingTask, error)
	MarkDelivered(ctx context.Context, id string) error

	AppendConversationMessage(ctx context.Context, m ConversationMessage) error
	// RecentConversationMessages returns messages created within the last
	// `since` duration, oldest first, up to limit.
	RecentConversationMessages(ctx context.Context, since time.Duration, limit int) ([]ConversationMessage, error)
}

// MemoryStore is an in-memory Store, safe for concurrent use. It is the
// reference implementation used by tests and local/dev runs; it never
// persists across restarts.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*PendingTask
	messages []ConversationMessage
	seq      int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*PendingTask)}
}

func (m *MemoryStore) CreatePendingTask(ctx context.Context, t PendingTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "task-" + itoa(m.seq)
	t.ID = id
	t.Status = TaskPending
	t.Delivered = false
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tasks[id] = &t
	return id, nil
}

func (m *MemoryStore) CompleteTask(ctx context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errTaskNotFound(id)
	}
	t.Status = TaskCompleted
	t.Result = result
	t.CompletedAt = time.Now()
	return nil
}

func (m *MemoryStore) PendingCompletedTasks(ctx context.Context, limit int) ([]PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingTask
	for _, t := range m.tasks {
		if t.Status == TaskCompleted && !t.Delivered {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errTaskNotFound(id)
	}
	t.Delivered = true
	return nil
}

func (m *MemoryStore) AppendConversationMessage(ctx context.Context, msg ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) RecentConversationMessages(ctx context.Context, since time.Duration, limit int) ([]ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-since)
	var out []ConversationMessage
	for _, msg := range m.messages {
		if msg.CreatedAt.After(cutoff) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type taskNotFoundError string

func (e taskNotFoundError) Error() string { return "store: task not found: " + string(e) }

func errTaskNotFound(id string) error { return taskNotFoundError(id) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
