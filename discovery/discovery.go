// Package discovery implements the DiscoveryService: a fingerprint to
// AgentDescriptor directory with optional Store-backed persistence,
// queried by topic intersection and capability subset.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/converge-project/converge/capability"
	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/topic"
)

const keyPrefix = "discovery:agent:"

// AgentDescriptor is the discoverable shape of an agent: its fingerprint,
// the topics it participates in, the capabilities it offers, and
// (optionally) its Ed25519 public key for registry bootstrap.
type AgentDescriptor struct {
	ID           string
	Topics       []topic.Topic
	Capabilities []capability.Capability
	PublicKey    ed25519.PublicKey // optional
}

// Query filters candidates by topic and capability.
type Query struct {
	Topics         []topic.Topic
	Capabilities   []string
	TrustThreshold float64
}

type persistedTopic struct {
	Namespace  string            `json:"namespace"`
	Attributes map[string]string `json:"attributes"`
	Version    string            `json:"version"`
}

type persistedCapability struct {
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Description string             `json:"description"`
	Constraints map[string]any     `json:"constraints"`
	Costs       map[string]float64 `json:"costs"`
	LatencyMS   int                `json:"latency_ms"`
}

type persistedDescriptor struct {
	ID           string                `json:"id"`
	Topics       []persistedTopic      `json:"topics"`
	Capabilities []persistedCapability `json:"capabilities"`
	PublicKey    string                `json:"public_key,omitempty"`
}

func toPersisted(d AgentDescriptor) persistedDescriptor {
	pt := make([]persistedTopic, len(d.Topics))
	for i, t := range d.Topics {
		pt[i] = persistedTopic{Namespace: t.Namespace, Attributes: t.Attributes, Version: t.Version}
	}
	pc := make([]persistedCapability, len(d.Capabilities))
	for i, c := range d.Capabilities {
		pc[i] = persistedCapability{
			Name: c.Name, Version: c.Version, Description: c.Description,
			Constraints: c.Constraints, Costs: c.Costs, LatencyMS: c.LatencyMS,
		}
	}
	p := persistedDescriptor{ID: d.ID, Topics: pt, Capabilities: pc}
	if len(d.PublicKey) > 0 {
		p.PublicKey = base64.StdEncoding.EncodeToString(d.PublicKey)
	}
	return p
}

func fromPersisted(p persistedDescriptor) AgentDescriptor {
	ts := make([]topic.Topic, len(p.Topics))
	for i, t := range p.Topics {
		ts[i] = topic.New(t.Namespace, t.Attributes, t.Version)
	}
	cs := make([]capability.Capability, len(p.Capabilities))
	for i, c := range p.Capabilities {
		cs[i] = capability.Capability{
			Name: c.Name, Version: c.Version, Description: c.Description,
			Constraints: c.Constraints, Costs: c.Costs, LatencyMS: c.LatencyMS,
		}
	}
	d := AgentDescriptor{ID: p.ID, Topics: ts, Capabilities: cs}
	if p.PublicKey != "" {
		if raw, err := base64.StdEncoding.DecodeString(p.PublicKey); err == nil {
			d.PublicKey = raw
		}
	}
	return d
}

// Service is the DiscoveryService: an in-memory descriptor map, optionally
// mirrored to a Store under "discovery:agent:<id>".
type Service struct {
	mu          sync.RWMutex
	descriptors map[string]AgentDescriptor
	store       store.Store
}

// New constructs a Service. If st is non-nil, persisted descriptors under
// the discovery prefix are loaded eagerly; malformed entries are skipped
// silently rather than failing the whole load.
func New(ctx context.Context, st store.Store) *Service {
	s := &Service{descriptors: make(map[string]AgentDescriptor), store: st}
	if st != nil {
		s.loadFromStore(ctx)
	}
	return s
}

func (s *Service) loadFromStore(ctx context.Context) {
	keys, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var p persistedDescriptor
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		d := fromPersisted(p)
		s.descriptors[d.ID] = d
	}
}

// Register inserts desc into the directory and, if a store is configured,
// persists it.
func (s *Service) Register(ctx context.Context, desc AgentDescriptor) error {
	s.mu.Lock()
	s.descriptors[desc.ID] = desc
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	raw, err := json.Marshal(toPersisted(desc))
	if err != nil {
		return err
	}
	return s.store.Put(ctx, keyPrefix+desc.ID, raw)
}

// Unregister removes an agent's descriptor from memory and the store.
func (s *Service) Unregister(ctx context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.descriptors, agentID)
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.Delete(ctx, keyPrefix+agentID)
}

// Query filters candidates by topic intersection and capability subset.
// A query with no topics always passes the topic check; a query with no
// capabilities always passes the capability check.
func (s *Service) Query(q Query, candidates []AgentDescriptor) []AgentDescriptor {
	var results []AgentDescriptor
	for _, agent := range candidates {
		if !topicsIntersect(q.Topics, agent.Topics) {
			continue
		}
		if !capabilitiesSubset(q.Capabilities, agent.Capabilities) {
			continue
		}
		results = append(results, agent)
	}
	return results
}

func topicsIntersect(query, agent []topic.Topic) bool {
	if len(query) == 0 {
		return true
	}
	queryStrings := make(map[string]struct{}, len(query))
	for _, t := range query {
		queryStrings[t.String()] = struct{}{}
	}
	for _, t := range agent {
		if _, ok := queryStrings[t.String()]; ok {
			return true
		}
	}
	return false
}

func capabilitiesSubset(required []string, offered []capability.Capability) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(offered))
	for _, c := range offered {
		have[c.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := have[name]; !ok {
			return false
		}
	}
	return true
}

// Descriptors returns a snapshot of every currently registered descriptor.
func (s *Service) Descriptors() []AgentDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentDescriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		out = append(out, d)
	}
	return out
}
