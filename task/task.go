// Package task implements Task and the Manager that owns its lifecycle:
// submission, exclusive claiming, reporting, cancellation, failure, and
// TTL-based claim expiry.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/converge-project/converge/internal/errs"
	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/topic"
)

// State is a Task's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether s accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is a unit of work tracked by a Manager. Fields are mutated only
// through Manager methods; callers should treat a Task value returned by
// Get/ListPending as a read-only snapshot.
type Task struct {
	ID                   string
	Objective            map[string]any
	Inputs               map[string]any
	Outputs              map[string]any
	Constraints          map[string]any
	Evaluator            string
	State                State
	AssignedTo           string // fingerprint, empty when unassigned
	ClaimedAtMonotonicMS int64  // monotonic clock reading at claim time, 0 if unclaimed
	Result               any
	PoolID               string
	Topic                *topic.Topic
	RequiredCapabilities []string
}

// New creates a PENDING task with a fresh ID and Evaluator set to
// "default".
func New(objective, inputs map[string]any) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Objective: objective,
		Inputs:    inputs,
		Constraints: map[string]any{},
		Evaluator: "default",
		State:     StatePending,
	}
}

// Clock abstracts a monotonic clock so claim-TTL comparisons don't depend
// on wall-clock adjustments. Readings are process-relative and carry no
// meaning across restarts.
type Clock interface {
	MonotonicMS() int64
}

const taskKeyPrefix = "task:"

func taskKey(id string) string { return taskKeyPrefix + id }

// Manager owns the lifecycle of every Task it is given: the in-memory
// cache, the pending-ID index, and (optionally) a persisted mirror.
type Manager struct {
	mu            sync.Mutex
	store         store.Store
	clock         Clock
	logger        telemetry.Logger
	tasks         map[string]*Task
	pendingTaskIDs map[string]struct{}
}

// NewManager constructs a Manager. st may be nil (in-memory only); clock
// and logger fall back to a real-time clock and a no-op logger if nil.
func NewManager(st store.Store, clock Clock, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Manager{
		store:          st,
		clock:          clock,
		logger:         logger,
		tasks:          make(map[string]*Task),
		pendingTaskIDs: make(map[string]struct{}),
	}
}

func (m *Manager) persist(ctx context.Context, t *Task) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(toPersisted(t))
	if err != nil {
		m.logger.Error("task_persist_encode_failed", "task_id", t.ID, "error", err)
		return
	}
	if err := m.store.Put(ctx, taskKey(t.ID), raw); err != nil {
		m.logger.Error("task_persist_write_failed", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) loadFromStore(ctx context.Context, id string) *Task {
	if m.store == nil {
		return nil
	}
	raw, err := m.store.Get(ctx, taskKey(id))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("task_load_failed", "task_id", id, "error", err)
		}
		return nil
	}
	var p persistedTask
	if err := json.Unmarshal(raw, &p); err != nil {
		m.logger.Error("task_load_decode_failed", "task_id", id, "error", err)
		return nil
	}
	t := fromPersisted(p)
	// claimed_at is a monotonic reading from a possibly earlier process
	// epoch; it is not meaningful across restarts, so it is cleared on
	// load rather than compared against the current clock.
	t.ClaimedAtMonotonicMS = 0
	return t
}

// Submit registers a new task. If it is already PENDING it is added to
// the pending index. Returns the task's ID.
func (m *Manager) Submit(ctx context.Context, t *Task) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[t.ID] = t
	m.persist(ctx, t)
	if t.State == StatePending {
		m.pendingTaskIDs[t.ID] = struct{}{}
	}
	return t.ID
}

func (m *Manager) lookupLocked(ctx context.Context, id string) *Task {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	if t := m.loadFromStore(ctx, id); t != nil {
		m.tasks[id] = t
		return t
	}
	return nil
}

// Claim attempts to assign task id to agentID. Succeeds only if the task
// exists and is PENDING; the check-and-mutate is atomic under m.mu.
func (m *Manager) Claim(ctx context.Context, agentID, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.lookupLocked(ctx, id)
	if t == nil || t.State != StatePending {
		return false
	}

	t.State = StateAssigned
	t.AssignedTo = agentID
	t.ClaimedAtMonotonicMS = m.nowMonotonicMS()
	delete(m.pendingTaskIDs, id)
	m.persist(ctx, t)
	return true
}

func (m *Manager) nowMonotonicMS() int64 {
	if m.clock != nil {
		return m.clock.MonotonicMS()
	}
	return time.Now().UnixMilli()
}

// Cancel moves any non-terminal task to CANCELLED. Returns false if the
// task is not found or already terminal.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.lookupLocked(ctx, id)
	if t == nil || t.State.IsTerminal() {
		return false
	}
	delete(m.pendingTaskIDs, id)
	t.State = StateCancelled
	t.AssignedTo = ""
	t.ClaimedAtMonotonicMS = 0
	m.persist(ctx, t)
	return true
}

// Fail marks a task as FAILED with reason. If agentID is non-empty, only
// the assigned agent may fail the task; an empty agentID permits a
// system-level failure from any caller.
func (m *Manager) Fail(ctx context.Context, id string, reason any, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.lookupLocked(ctx, id)
	if t == nil {
		return nil
	}
	if agentID != "" && t.AssignedTo != agentID {
		return fmt.Errorf("task: agent %s not authorized for task %s: %w", agentID, id, errs.ErrUnauthorized)
	}
	delete(m.pendingTaskIDs, id)
	t.State = StateFailed
	t.Result = reason
	t.ClaimedAtMonotonicMS = 0
	m.persist(ctx, t)
	return nil
}

// Report records the result of a completed task. Only the assigned agent
// may report.
func (m *Manager) Report(ctx context.Context, agentID, id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.lookupLocked(ctx, id)
	if t == nil {
		return nil
	}
	if t.AssignedTo != agentID {
		return fmt.Errorf("task: agent %s not authorized for task %s: %w", agentID, id, errs.ErrUnauthorized)
	}
	t.Result = result
	t.State = StateCompleted
	m.persist(ctx, t)
	return nil
}

// ReleaseExpiredClaims scans both the in-memory cache and the store for
// ASSIGNED tasks whose constraints.claim_ttl_sec has elapsed since
// claimed_at, releasing each back to PENDING. nowMonotonicMS must come
// from the same clock used at claim time.
func (m *Manager) ReleaseExpiredClaims(ctx context.Context, nowMonotonicMS int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	seen := make(map[string]struct{}, len(m.tasks))
	for id := range m.tasks {
		seen[id] = struct{}{}
	}

	if m.store != nil {
		keys, err := m.store.List(ctx, taskKeyPrefix)
		if err == nil {
			for _, key := range keys {
				id := strings.TrimPrefix(key, taskKeyPrefix)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				if t := m.loadFromStore(ctx, id); t != nil {
					m.tasks[id] = t
				}
			}
		}
	}

	for id, t := range m.tasks {
		if t.State != StateAssigned || t.ClaimedAtMonotonicMS == 0 {
			continue
		}
		ttlMS, ok := claimTTLMillis(t.Constraints)
		if !ok {
			continue
		}
		if nowMonotonicMS-t.ClaimedAtMonotonicMS >= ttlMS {
			t.State = StatePending
			t.AssignedTo = ""
			t.ClaimedAtMonotonicMS = 0
			m.pendingTaskIDs[id] = struct{}{}
			m.persist(ctx, t)
			released = append(released, id)
		}
	}
	return released
}

func claimTTLMillis(constraints map[string]any) (int64, bool) {
	raw, ok := constraints["claim_ttl_sec"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v * 1000), true
	case int:
		return int64(v) * 1000, true
	case int64:
		return v * 1000, true
	default:
		return 0, false
	}
}

// Get retrieves a task by ID, falling back to the store on a cache miss.
// A PENDING task loaded this way is re-registered in the pending index.
func (m *Manager) Get(ctx context.Context, id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := m.loadFromStore(ctx, id)
	if t == nil {
		return nil
	}
	m.tasks[id] = t
	if t.State == StatePending {
		m.pendingTaskIDs[id] = struct{}{}
	}
	return t
}

// ListPending returns every task currently in the PENDING state.
func (m *Manager) ListPending() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, 0, len(m.pendingTaskIDs))
	for id := range m.pendingTaskIDs {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ListPendingForAgent filters pending tasks by pool membership and
// capability ownership. A nil poolIDs or capabilities disables that
// predicate entirely (not the same as an empty, non-nil slice).
func (m *Manager) ListPendingForAgent(poolIDs, capabilities []string) []*Task {
	pending := m.ListPending()
	var poolSet, capSet map[string]struct{}
	if poolIDs != nil {
		poolSet = toSet(poolIDs)
	}
	if capabilities != nil {
		capSet = toSet(capabilities)
	}

	var out []*Task
	for _, t := range pending {
		if t.PoolID != "" && poolSet != nil {
			if _, ok := poolSet[t.PoolID]; !ok {
				continue
			}
		}
		if len(t.RequiredCapabilities) > 0 && capSet != nil {
			if !subsetOf(t.RequiredCapabilities, capSet) {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func subsetOf(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
