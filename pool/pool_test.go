package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/internal/store/memstore"
	"github.com/converge-project/converge/internal/telemetry"
)

// failingStore wraps a memstore but returns errGetFailed for Get on any
// key, simulating a backend failure distinct from store.ErrNotFound.
type failingStore struct{ *memstore.Store }

var errGetFailed = errors.New("boom: connection reset")

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errGetFailed
}

var _ store.Store = failingStore{}

// capturingLogger records Error calls so a test can tell a logged I/O
// failure apart from a silent cache miss.
type capturingLogger struct {
	errors []string
}

func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Info(string, ...any)  {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(msg string, _ ...any) {
	l.errors = append(l.errors, msg)
}
func (l *capturingLogger) WithField(string, any) telemetry.Logger { return l }

func TestGetPoolLogsStoreErrorsDistinctFromNotFound(t *testing.T) {
	logger := &capturingLogger{}
	m := NewManager(failingStore{memstore.New()}, logger)

	got := m.GetPool(context.Background(), "missing-pool")
	assert.Nil(t, got)
	assert.NotEmpty(t, logger.errors, "a genuine store error should be logged, not swallowed like a miss")
}

func TestGetPoolDoesNotLogOnPlainNotFound(t *testing.T) {
	logger := &capturingLogger{}
	m := NewManager(memstore.New(), logger)

	got := m.GetPool(context.Background(), "missing-pool")
	assert.Nil(t, got)
	assert.Empty(t, logger.errors, "a plain cache miss must not be logged as an error")
}

func TestCreateAndJoinOpenPool(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	p := m.CreatePool(ctx, Spec{AdmissionPolicy: OpenAdmission{}})
	assert.True(t, m.JoinPool(ctx, "agent-1", p.ID))
	assert.True(t, p.HasAgent("agent-1"))
}

func TestJoinIsIdempotent(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	p := m.CreatePool(ctx, Spec{AdmissionPolicy: OpenAdmission{}})
	m.JoinPool(ctx, "agent-1", p.ID)
	assert.True(t, m.JoinPool(ctx, "agent-1", p.ID))
	assert.Len(t, p.Agents, 1)
}

func TestWhitelistAdmissionDenies(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	p := m.CreatePool(ctx, Spec{AdmissionPolicy: NewWhitelistAdmission([]string{"agent-1"})})
	assert.True(t, m.JoinPool(ctx, "agent-1", p.ID))
	assert.False(t, m.JoinPool(ctx, "agent-2", p.ID))
}

func TestTokenAdmissionRequiresMatchingToken(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	p := m.CreatePool(ctx, Spec{AdmissionPolicy: TokenAdmission{RequiredToken: "s3cr3t"}})
	assert.False(t, m.JoinPoolWithContext(ctx, "agent-1", p.ID, map[string]any{"token": "wrong"}))
	assert.True(t, m.JoinPoolWithContext(ctx, "agent-1", p.ID, map[string]any{"token": "s3cr3t"}))
}

func TestAdmissionEvaluatedBeforeTrustThreshold(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	trust := NewModel()
	trust.UpdateTrust("agent-1", 1.0) // trust score 1.0, well above threshold

	p := m.CreatePool(ctx, Spec{
		AdmissionPolicy: NewWhitelistAdmission(nil), // denies everyone regardless of trust
		TrustModel:      trust,
		TrustThreshold:  0.1,
	})
	assert.False(t, m.JoinPool(ctx, "agent-1", p.ID))
}

func TestTrustThresholdDeniesLowTrustAgent(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	trust := NewModel() // default neutral 0.5
	p := m.CreatePool(ctx, Spec{
		AdmissionPolicy: OpenAdmission{},
		TrustModel:      trust,
		TrustThreshold:  0.6,
	})
	assert.False(t, m.JoinPool(ctx, "agent-1", p.ID))

	trust.UpdateTrust("agent-1", 0.2)
	assert.True(t, m.JoinPool(ctx, "agent-1", p.ID))
}

func TestTrustModelClampsToUnitInterval(t *testing.T) {
	m := NewModel()
	assert.Equal(t, 0.5, m.GetTrust("new-agent"))
	assert.Equal(t, 0.0, m.UpdateTrust("new-agent", -10))
	assert.Equal(t, 1.0, m.UpdateTrust("new-agent", 10))
}

func TestLeavePoolRemovesMembership(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	ctx := context.Background()

	p := m.CreatePool(ctx, Spec{AdmissionPolicy: OpenAdmission{}})
	m.JoinPool(ctx, "agent-1", p.ID)
	m.LeavePool(ctx, "agent-1", p.ID)
	assert.False(t, p.HasAgent("agent-1"))
}

func TestGetPoolsForAgentAcrossRestart(t *testing.T) {
	st := memstore.New()
	m1 := NewManager(st, nil)
	ctx := context.Background()

	p := m1.CreatePool(ctx, Spec{AdmissionPolicy: OpenAdmission{}})
	m1.JoinPool(ctx, "agent-1", p.ID)

	m2 := NewManager(st, nil) // simulates a fresh process over the same store
	pools := m2.GetPoolsForAgent(ctx, "agent-1")
	require.Len(t, pools, 1)
	assert.Equal(t, p.ID, pools[0])
}

func TestJoinUnknownPoolFails(t *testing.T) {
	m := NewManager(memstore.New(), nil)
	assert.False(t, m.JoinPool(context.Background(), "agent-1", "no-such-pool"))
}

func TestGetPoolsForAgentWithNoMembershipsIsEmptyNotNil(t *testing.T) {
	m := NewManager(memstore.New(), nil)

	pools := m.GetPoolsForAgent(context.Background(), "agent-1")
	require.NotNil(t, pools, "zero memberships must be an empty slice, not a disabled filter")
	assert.Empty(t, pools)
}
