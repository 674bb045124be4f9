package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/internal/store/memstore"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/pool"
	"github.com/converge-project/converge/task"
	"github.com/converge-project/converge/tool"
	"github.com/converge-project/converge/transport/inproc"
)

func newExecutor(t *testing.T) (*Executor, *identity.Identity, *inproc.Transport) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	reg := inproc.NewRegistry()
	tr := inproc.New(id.Fingerprint, reg)
	require.NoError(t, tr.Start(context.Background()))

	e := New(id.Fingerprint, id, tr, nil)
	e.TaskManager = task.NewManager(memstore.New(), nil, nil)
	e.PoolManager = pool.NewManager(memstore.New(), nil)
	e.Tools = tool.NewRegistry()
	return e, id, tr
}

func TestExecuteSendMessageCountsSentMessage(t *testing.T) {
	e, _, _ := newExecutor(t)

	m := message.New("recipient", nil, map[string]any{"x": 1}, "", 1)
	e.Execute(context.Background(), []Decision{NewSendMessage(m)})

	assert.Equal(t, int64(1), e.Counters.MessagesSent)
}

func TestExecuteClaimTaskAssignsTask(t *testing.T) {
	e, _, _ := newExecutor(t)
	tk := task.New(nil, nil)
	e.TaskManager.Submit(context.Background(), tk)

	e.Execute(context.Background(), []Decision{NewClaimTask(tk.ID)})

	claimed := e.TaskManager.Get(context.Background(), tk.ID)
	require.NotNil(t, claimed)
	assert.Equal(t, task.StateAssigned, claimed.State)
}

func TestExecuteJoinPoolDenied(t *testing.T) {
	e, _, _ := newExecutor(t)
	p := e.PoolManager.CreatePool(context.Background(), pool.Spec{AdmissionPolicy: pool.NewWhitelistAdmission(nil)})

	e.Execute(context.Background(), []Decision{NewJoinPool(p.ID)})
	assert.False(t, p.HasAgent(e.AgentID))
}

func TestExecuteInvokeToolRunsRegisteredHandler(t *testing.T) {
	e, _, _ := newExecutor(t)
	var called bool
	require.NoError(t, e.Tools.Register(&tool.Definition{
		Name: "noop",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			called = true
			return nil, nil
		},
	}))

	e.Execute(context.Background(), []Decision{NewInvokeTool("noop", nil)})
	assert.True(t, called)
	assert.Equal(t, int64(1), e.Counters.ToolsInvoked)
}

func TestExecuteInvokeToolDeniedByAllowlist(t *testing.T) {
	e, _, _ := newExecutor(t)
	e.ToolAllowlist = tool.NewAllowlist([]string{"search"})
	var called bool
	require.NoError(t, e.Tools.Register(&tool.Definition{
		Name: "delete",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			called = true
			return nil, nil
		},
	}))

	e.Execute(context.Background(), []Decision{NewInvokeTool("delete", nil)})
	assert.False(t, called)
}

func TestActionPolicyDeniesUnpermittedKind(t *testing.T) {
	e, _, _ := newExecutor(t)
	e.ActionPolicy = NewActionPolicy(KindInvokeTool) // only tool invocation permitted

	p := e.PoolManager.CreatePool(context.Background(), pool.Spec{AdmissionPolicy: pool.OpenAdmission{}})
	e.Execute(context.Background(), []Decision{NewJoinPool(p.ID)})
	assert.False(t, p.HasAgent(e.AgentID))
}

func TestUnknownDecisionRoutesToCustomHandler(t *testing.T) {
	e, _, _ := newExecutor(t)
	var gotType string
	e.RegisterHandler("custom.bid", func(ctx context.Context, d Decision) error {
		gotType = d.Unknown.TypeName
		return nil
	})

	e.Execute(context.Background(), []Decision{NewUnknown("custom.bid", map[string]any{"amount": 5})})
	assert.Equal(t, "custom.bid", gotType)
}

func TestMajorityAndPluralityBoundaries(t *testing.T) {
	assert.Nil(t, Majority(nil))
	assert.Nil(t, Plurality(nil))

	votes := []VoteRecord{{Option: "a"}, {Option: "a"}, {Option: "b"}}
	assert.Equal(t, "a", Majority(votes))

	tied := []VoteRecord{{Option: "a"}, {Option: "b"}}
	assert.Nil(t, Plurality(tied))
}

func TestVoteStoreRecordsInOrder(t *testing.T) {
	vs := NewVoteStore()
	vs.Record("v1", "agent-1", "yes")
	vs.Record("v1", "agent-2", "no")

	records := vs.Get("v1")
	require.Len(t, records, 2)
	assert.Equal(t, "agent-1", records[0].AgentID)
}

func TestResourceLimitsDenyOverBudget(t *testing.T) {
	limits := &ResourceLimits{MaxCPU: 2}
	assert.True(t, limits.Allows(map[string]any{"cpu": 1.0}))
	assert.False(t, limits.Allows(map[string]any{"cpu": 4.0}))
	assert.True(t, limits.Allows(nil))
}

func TestPanicInDecisionIsIsolated(t *testing.T) {
	e, _, _ := newExecutor(t)
	require.NoError(t, e.Tools.Register(&tool.Definition{
		Name: "panics",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			panic("boom")
		},
	}))

	assert.NotPanics(t, func() {
		e.Execute(context.Background(), []Decision{NewInvokeTool("panics", nil)})
	})
}
