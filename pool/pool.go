// Package pool implements Pool and the Manager that owns it: pool
// creation, gated admission (whitelist/token/trust-threshold policies),
// membership, and Store-backed persistence.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/topic"
)

// AdmissionPolicy gates whether an agent may join a pool, evaluated
// against the pool's ID, its current members, and its topics, plus any
// request-scoped metadata (e.g. a token) the caller supplies via
// Context.Extra.
type AdmissionPolicy interface {
	CanAdmit(agentID string, pctx Context) bool
}

// Context is the admission-time view of a pool passed to AdmissionPolicy.
type Context struct {
	PoolID         string
	ExistingAgents []string
	Topics         []string
	Extra          map[string]any // e.g. {"token": "..."} for TokenAdmission
}

// OpenAdmission admits any agent unconditionally.
type OpenAdmission struct{}

func (OpenAdmission) CanAdmit(string, Context) bool { return true }

// WhitelistAdmission admits only agents present in a fixed set.
type WhitelistAdmission struct {
	allowed map[string]struct{}
}

// NewWhitelistAdmission builds a WhitelistAdmission from a list of agent IDs.
func NewWhitelistAdmission(agentIDs []string) *WhitelistAdmission {
	set := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		set[id] = struct{}{}
	}
	return &WhitelistAdmission{allowed: set}
}

func (w *WhitelistAdmission) CanAdmit(agentID string, _ Context) bool {
	_, ok := w.allowed[agentID]
	return ok
}

// TokenAdmission admits an agent only if the join request's Context.Extra
// carries the matching "token" value.
type TokenAdmission struct {
	RequiredToken string
}

func (t TokenAdmission) CanAdmit(_ string, pctx Context) bool {
	token, _ := pctx.Extra["token"].(string)
	return token == t.RequiredToken
}

// TrustModel supplies a trust score in [0, 1] for an agent, used by pools
// configured with a non-zero TrustThreshold.
type TrustModel interface {
	GetTrust(agentID string) float64
}

// Model is a mutable in-memory TrustModel: scores start neutral (0.5) and
// move by explicit UpdateTrust deltas, clamped to [0, 1].
type Model struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewModel returns an empty trust Model.
func NewModel() *Model {
	return &Model{scores: make(map[string]float64)}
}

// GetTrust returns agentID's current score, defaulting to 0.5 (neutral).
func (m *Model) GetTrust(agentID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.scores[agentID]; ok {
		return s
	}
	return 0.5
}

// UpdateTrust adjusts agentID's score by delta, clamped to [0, 1], and
// returns the new score.
func (m *Model) UpdateTrust(agentID string, delta float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.scores[agentID]
	if !ok {
		current = 0.5
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	m.scores[agentID] = next
	return next
}

// Pool is a scoped sub-network of agents sharing topics, an admission
// policy, and optional governance/trust configuration. Membership is a
// set: Add/Remove are idempotent.
type Pool struct {
	ID                string
	Topics            []topic.Topic
	AdmissionPolicy   AdmissionPolicy
	Governance        map[string]any
	Agents            map[string]struct{}
	TrustModel        TrustModel
	TrustThreshold    float64
}

// Spec is the constructor argument for CreatePool and EnsurePool:
// everything but the ID, which CreatePool generates and EnsurePool takes
// from its caller.
type Spec struct {
	Topics          []topic.Topic
	AdmissionPolicy AdmissionPolicy
	Governance      map[string]any
	TrustModel      TrustModel
	TrustThreshold  float64
}

func newPool(spec Spec) *Pool {
	return newPoolWithID(uuid.NewString(), spec)
}

func newPoolWithID(id string, spec Spec) *Pool {
	return &Pool{
		ID:              id,
		Topics:          spec.Topics,
		AdmissionPolicy: spec.AdmissionPolicy,
		Governance:      spec.Governance,
		Agents:          make(map[string]struct{}),
		TrustModel:      spec.TrustModel,
		TrustThreshold:  spec.TrustThreshold,
	}
}

// HasAgent reports whether agentID is a current member.
func (p *Pool) HasAgent(agentID string) bool {
	_, ok := p.Agents[agentID]
	return ok
}

func (p *Pool) addAgent(agentID string)    { p.Agents[agentID] = struct{}{} }
func (p *Pool) removeAgent(agentID string) { delete(p.Agents, agentID) }

const keyPrefix = "pool:"

func poolKey(id string) string { return keyPrefix + id }

type persistedPool struct {
	ID             string            `json:"id"`
	Topics         []persistedTopic  `json:"topics"`
	Governance     map[string]any    `json:"governance,omitempty"`
	Agents         []string          `json:"agents"`
	TrustThreshold float64           `json:"trust_threshold"`
}

type persistedTopic struct {
	Namespace  string            `json:"namespace"`
	Attributes map[string]string `json:"attributes"`
	Version    string            `json:"version"`
}

// toPersisted captures everything JSON-serializable about a Pool.
// AdmissionPolicy and TrustModel are runtime collaborators, not data, and
// do not round-trip through the store — a pool reloaded after a restart
// keeps its membership and topics but must have any policy/trust model
// re-attached by the caller if still required.
func toPersisted(p *Pool) persistedPool {
	ts := make([]persistedTopic, len(p.Topics))
	for i, t := range p.Topics {
		ts[i] = persistedTopic{Namespace: t.Namespace, Attributes: t.Attributes, Version: t.Version}
	}
	agents := make([]string, 0, len(p.Agents))
	for a := range p.Agents {
		agents = append(agents, a)
	}
	return persistedPool{
		ID: p.ID, Topics: ts, Governance: p.Governance,
		Agents: agents, TrustThreshold: p.TrustThreshold,
	}
}

func fromPersisted(pp persistedPool) *Pool {
	ts := make([]topic.Topic, len(pp.Topics))
	for i, t := range pp.Topics {
		ts[i] = topic.New(t.Namespace, t.Attributes, t.Version)
	}
	agents := make(map[string]struct{}, len(pp.Agents))
	for _, a := range pp.Agents {
		agents[a] = struct{}{}
	}
	return &Pool{
		ID: pp.ID, Topics: ts, Governance: pp.Governance,
		Agents: agents, TrustThreshold: pp.TrustThreshold,
	}
}

// Manager owns every Pool it creates: the in-memory cache and its
// Store-backed mirror under "pool:<id>".
type Manager struct {
	mu     sync.Mutex
	store  store.Store
	logger telemetry.Logger
	pools  map[string]*Pool
}

// NewManager constructs a Manager. st may be nil (in-memory only).
func NewManager(st store.Store, logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Manager{store: st, logger: logger, pools: make(map[string]*Pool)}
}

func (m *Manager) persist(ctx context.Context, p *Pool) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(toPersisted(p))
	if err != nil {
		m.logger.Error("pool_persist_encode_failed", "pool_id", p.ID, "error", err)
		return
	}
	if err := m.store.Put(ctx, poolKey(p.ID), raw); err != nil {
		m.logger.Error("pool_persist_write_failed", "pool_id", p.ID, "error", err)
	}
}

// CreatePool builds a new Pool from spec, caches it, and persists it.
func (m *Manager) CreatePool(ctx context.Context, spec Spec) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := newPool(spec)
	m.pools[p.ID] = p
	m.persist(ctx, p)
	return p
}

// EnsurePool returns the pool with the given caller-chosen ID, creating it
// from spec if it does not exist yet. Used by the CLI's pool_id config key,
// where the operator names a fixed pool up front rather than receiving a
// generated ID back from CreatePool.
func (m *Manager) EnsurePool(ctx context.Context, id string, spec Spec) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.loadLocked(ctx, id); p != nil {
		return p
	}
	p := newPoolWithID(id, spec)
	m.pools[id] = p
	m.persist(ctx, p)
	return p
}

// loadLocked resolves poolID from the in-memory cache, falling back to
// the store. Does not re-attach AdmissionPolicy/TrustModel collaborators.
func (m *Manager) loadLocked(ctx context.Context, poolID string) *Pool {
	if p, ok := m.pools[poolID]; ok {
		return p
	}
	if m.store == nil {
		return nil
	}
	raw, err := m.store.Get(ctx, poolKey(poolID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("pool_load_failed", "pool_id", poolID, "error", err)
		}
		return nil
	}
	var pp persistedPool
	if err := json.Unmarshal(raw, &pp); err != nil {
		m.logger.Error("pool_load_decode_failed", "pool_id", poolID, "error", err)
		return nil
	}
	p := fromPersisted(pp)
	m.pools[poolID] = p
	return p
}

// JoinPool admits agentID to poolID, evaluating (in order) the pool's
// admission policy and trust threshold. Returns false if the pool does
// not exist or admission is denied. An existing member is re-checked like
// any other agent; if admitted again, membership is unchanged and the
// result is true.
func (m *Manager) JoinPool(ctx context.Context, agentID, poolID string) bool {
	return m.JoinPoolWithContext(ctx, agentID, poolID, nil)
}

// JoinPoolWithContext is JoinPool with request-scoped admission metadata
// (e.g. a token for TokenAdmission), passed through as Context.Extra.
func (m *Manager) JoinPoolWithContext(ctx context.Context, agentID, poolID string, extra map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.loadLocked(ctx, poolID)
	if p == nil {
		return false
	}

	if p.AdmissionPolicy != nil {
		topicStrings := make([]string, len(p.Topics))
		for i, t := range p.Topics {
			topicStrings[i] = t.String()
		}
		existing := make([]string, 0, len(p.Agents))
		for a := range p.Agents {
			existing = append(existing, a)
		}
		pctx := Context{PoolID: p.ID, ExistingAgents: existing, Topics: topicStrings, Extra: extra}
		if !p.AdmissionPolicy.CanAdmit(agentID, pctx) {
			return false
		}
	}

	if p.TrustModel != nil && p.TrustModel.GetTrust(agentID) < p.TrustThreshold {
		return false
	}

	p.addAgent(agentID)
	m.persist(ctx, p)
	return true
}

// LeavePool removes agentID from poolID. A no-op if the pool or the
// membership does not exist.
func (m *Manager) LeavePool(ctx context.Context, agentID, poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.loadLocked(ctx, poolID)
	if p == nil {
		return
	}
	p.removeAgent(agentID)
	m.persist(ctx, p)
}

// GetPool retrieves a pool by ID, falling back to the store on a cache
// miss. Returns nil if unknown.
func (m *Manager) GetPool(ctx context.Context, poolID string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, poolID)
}

// GetPoolsForAgent returns the IDs of every pool agentID belongs to,
// merging the in-memory cache with pools materialized from the store.
// Always returns a non-nil slice: downstream pending-task filters treat
// nil as "no filter" and empty as "member of no pools", so an agent with
// zero memberships must get the latter.
func (m *Manager) GetPoolsForAgent(ctx context.Context, agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []string{}
	seen := make(map[string]struct{})
	for id, p := range m.pools {
		seen[id] = struct{}{}
		if p.HasAgent(agentID) {
			result = append(result, id)
		}
	}

	if m.store != nil {
		keys, err := m.store.List(ctx, keyPrefix)
		if err == nil {
			for _, key := range keys {
				id := key[len(keyPrefix):]
				if _, ok := seen[id]; ok {
					continue
				}
				p := m.loadLocked(ctx, id)
				if p != nil && p.HasAgent(agentID) {
					result = append(result, id)
				}
			}
		}
	}
	return result
}
