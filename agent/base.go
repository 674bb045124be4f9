package agent

import (
	"context"

	"github.com/converge-project/converge/agent/executor"
	"github.com/converge-project/converge/capability"
	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/task"
	"github.com/converge-project/converge/topic"
)

// State is an agent's coarse operating state. The Runtime does not itself
// read or write State; it is informational bookkeeping for embedders and
// their Decide implementations.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateOffline State = "offline"
	StateError   State = "error"
)

// DecideFunc is the shape of an embeddable decision function, for callers
// who would rather supply a closure than implement the full Agent
// interface.
type DecideFunc func(ctx context.Context, messages []message.Message, tasks []*task.Task) ([]executor.Decision, error)

// Base is a minimal Agent embedders can build on: it stores identity,
// topics, and capabilities, tracks State, and provides no-op lifecycle
// hooks. Embed it and override Decide (or set Decide_ to a DecideFunc) to
// customize behavior without reimplementing the bookkeeping.
type Base struct {
	Identity          *identity.Identity
	AgentTopics       []topic.Topic
	AgentCapabilities []capability.Capability
	State             State
	Decide_           DecideFunc
}

// NewBase constructs a Base in StateIdle.
func NewBase(id *identity.Identity, topics []topic.Topic, caps []capability.Capability, decide DecideFunc) *Base {
	return &Base{Identity: id, AgentTopics: topics, AgentCapabilities: caps, State: StateIdle, Decide_: decide}
}

func (b *Base) ID() string                              { return b.Identity.Fingerprint }
func (b *Base) Topics() []topic.Topic                    { return b.AgentTopics }
func (b *Base) Capabilities() []capability.Capability    { return b.AgentCapabilities }

func (b *Base) OnStart(context.Context) { b.State = StateIdle }
func (b *Base) OnStop(context.Context)  { b.State = StateOffline }
func (b *Base) OnTick(context.Context, []message.Message, []*task.Task) {}

func (b *Base) Decide(ctx context.Context, messages []message.Message, tasks []*task.Task) ([]executor.Decision, error) {
	if b.Decide_ == nil {
		return nil, nil
	}
	return b.Decide_(ctx, messages, tasks)
}

// SignedMessage builds and signs an outbound Message under this agent's
// identity.
func (b *Base) SignedMessage(recipient string, topics []topic.Topic, payload map[string]any, taskID string, nowMS int64) (message.Message, error) {
	m := message.New(recipient, topics, payload, taskID, nowMS)
	return message.Sign(m, b.Identity)
}
