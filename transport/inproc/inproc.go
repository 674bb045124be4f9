// Package inproc implements the in-process Transport: a process-wide
// registry of fingerprint-keyed inboxes with point-to-point, topic, and
// broadcast routing, each inbox a buffered channel.
package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/transport"
)

const defaultQueueCapacity = 256

// Registry is the process-global directory in-process transports
// register with: fingerprint -> inbound channel, and fingerprint -> set
// of subscribed topic namespaces. A clean implementation would inject
// this rather than share a singleton; New() below supports both modes.
type Registry struct {
	mu            sync.RWMutex
	queues        map[string]chan message.Message
	subscriptions map[string]map[string]struct{} // agentID -> topic namespaces
}

// NewRegistry returns an empty, independent Registry. Tests and
// multi-network simulations should each build their own rather than
// share the package-level default.
func NewRegistry() *Registry {
	return &Registry{
		queues:        make(map[string]chan message.Message),
		subscriptions: make(map[string]map[string]struct{}),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide shared Registry used when a Transport
// is built without an explicit one.
func Default() *Registry { return defaultRegistry }

// Clear removes every registered queue and subscription, so test
// harnesses sharing the Default registry can isolate runs.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = make(map[string]chan message.Message)
	r.subscriptions = make(map[string]map[string]struct{})
}

func (r *Registry) register(agentID string, capacity int) chan message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := make(chan message.Message, capacity)
	r.queues[agentID] = q
	return q
}

func (r *Registry) unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, agentID)
	delete(r.subscriptions, agentID)
}

// Subscribe associates agentID with topicNamespace for routing.
// Subscribing again to the same namespace changes nothing (idempotent).
func (r *Registry) Subscribe(agentID, topicNamespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscriptions[agentID]
	if !ok {
		set = make(map[string]struct{})
		r.subscriptions[agentID] = set
	}
	set[topicNamespace] = struct{}{}
}

// Unsubscribe removes agentID's subscription to topicNamespace. A no-op
// if the agent was never subscribed.
func (r *Registry) Unsubscribe(agentID, topicNamespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscriptions[agentID]; ok {
		delete(set, topicNamespace)
	}
}

func (r *Registry) subscribersForNamespaces(namespaces []string) map[string]struct{} {
	wanted := make(map[string]struct{}, len(namespaces))
	for _, n := range namespaces {
		wanted[n] = struct{}{}
	}
	out := make(map[string]struct{})
	for agentID, subs := range r.subscriptions {
		for ns := range subs {
			if _, ok := wanted[ns]; ok {
				out[agentID] = struct{}{}
				break
			}
		}
	}
	return out
}

func (r *Registry) allAgents() map[string]struct{} {
	out := make(map[string]struct{}, len(r.queues))
	for id := range r.queues {
		out[id] = struct{}{}
	}
	return out
}

// Transport is the in-process Transport implementation for one agent,
// backed by a shared Registry.
type Transport struct {
	agentID  string
	registry *Registry
	capacity int

	mu      sync.Mutex
	started bool
	queue   chan message.Message
}

// New builds a Transport for agentID against registry. If registry is
// nil, the package-wide Default() registry is used.
func New(agentID string, registry *Registry) *Transport {
	if registry == nil {
		registry = defaultRegistry
	}
	return &Transport{agentID: agentID, registry: registry, capacity: defaultQueueCapacity}
}

func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = t.registry.register(t.agentID, t.capacity)
	t.started = true
	return nil
}

func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registry.unregister(t.agentID)
	t.started = false
	return nil
}

// Subscribe registers this transport's agent as a listener for
// topicNamespace, used by the registry's topic-routing fallback.
func (t *Transport) Subscribe(topicNamespace string) {
	t.registry.Subscribe(t.agentID, topicNamespace)
}

// Unsubscribe removes this transport's agent from topicNamespace.
func (t *Transport) Unsubscribe(topicNamespace string) {
	t.registry.Unsubscribe(t.agentID, topicNamespace)
}

// Send routes msg: recipient wins if set (delivered even to the sender
// itself); else topic-subscriber union, falling back to broadcast if that
// union is empty; else broadcast. The sender's own queue is always
// skipped in the two broadcast cases.
func (t *Transport) Send(_ context.Context, msg message.Message) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return transport.ErrNotStarted
	}

	t.registry.mu.RLock()
	var targets map[string]struct{}
	selfSend := false
	switch {
	case msg.Recipient != "":
		targets = map[string]struct{}{msg.Recipient: {}}
		selfSend = msg.Recipient == t.agentID
	case len(msg.Topics) > 0:
		namespaces := make([]string, len(msg.Topics))
		for i, tp := range msg.Topics {
			namespaces[i] = tp.Namespace
		}
		targets = t.registry.subscribersForNamespaces(namespaces)
		if len(targets) == 0 {
			targets = t.registry.allAgents()
		}
	default:
		targets = t.registry.allAgents()
	}

	queues := make(map[string]chan message.Message, len(targets))
	for id := range targets {
		if id == t.agentID && !selfSend {
			continue
		}
		if q, ok := t.registry.queues[id]; ok {
			queues[id] = q
		}
	}
	t.registry.mu.RUnlock()

	for _, q := range queues {
		q <- msg
	}
	return nil
}

// Receive blocks for the next inbound message, honoring timeout (0 means
// block indefinitely) and ctx cancellation.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	t.mu.Lock()
	started, q := t.started, t.queue
	t.mu.Unlock()
	if !started {
		return message.Message{}, transport.ErrNotStarted
	}

	if timeout <= 0 {
		select {
		case msg := <-q:
			return msg, nil
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, nil
	case <-timer.C:
		return message.Message{}, transport.ErrTimeout
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// ReceiveVerified receives one message and verifies it via registry,
// dropping (returning ok=false, err=nil) on an unknown sender or a
// signature mismatch.
func (t *Transport) ReceiveVerified(ctx context.Context, registry transport.PublicKeyLookup, timeout time.Duration) (message.Message, bool, error) {
	return transport.VerifyReceived(ctx, t, registry, timeout)
}

var _ transport.Transport = (*Transport)(nil)
