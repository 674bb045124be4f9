// Package agent implements the Runtime: the event-driven loop that
// multiplexes a transport listener, inbox draining, user-supplied
// decision logic, and the Executor.
package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/converge-project/converge/agent/executor"
	"github.com/converge-project/converge/agent/scheduler"
	"github.com/converge-project/converge/capability"
	"github.com/converge-project/converge/discovery"
	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/internal/safe"
	"github.com/converge-project/converge/internal/store"
	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/pool"
	"github.com/converge-project/converge/registry"
	"github.com/converge-project/converge/task"
	"github.com/converge-project/converge/topic"
	"github.com/converge-project/converge/transport"
)

// Agent is the user-supplied decision logic a Runtime drives.
// OnStart/OnStop are lifecycle hooks, OnTick runs before every Decide,
// and Decide may block or return quickly and do the real work elsewhere —
// a single context-carrying method covers both styles.
type Agent interface {
	ID() string
	Topics() []topic.Topic
	Capabilities() []capability.Capability

	OnStart(ctx context.Context)
	OnStop(ctx context.Context)
	OnTick(ctx context.Context, messages []message.Message, tasks []*task.Task)
	Decide(ctx context.Context, messages []message.Message, tasks []*task.Task) ([]executor.Decision, error)
}

// Runtime wires one Agent to its transport, managers, and executor, and
// drives the listen/drain/decide/execute/checkpoint loop.
type Runtime struct {
	Agent     Agent
	Identity  *identity.Identity
	Transport transport.Transport
	Executor  *executor.Executor

	TaskManager *task.Manager
	PoolManager *pool.Manager

	Discovery        *discovery.Service
	IdentityRegistry *registry.Registry

	CheckpointStore    store.Store
	CheckpointInterval time.Duration

	Inbox         *scheduler.Inbox
	Scheduler     *scheduler.Scheduler
	TickTimeout   time.Duration
	InboxBatchSize int

	Logger telemetry.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	messagesReceived int64
	lastCheckpoint   time.Time
}

// New builds a Runtime with sane defaults (1s tick timeout, batch size
// 10, a fresh Scheduler/Inbox if unset, a no-op logger if unset).
func New(a Agent, id *identity.Identity, tr transport.Transport, exec *executor.Executor) *Runtime {
	return &Runtime{
		Agent:          a,
		Identity:       id,
		Transport:      tr,
		Executor:       exec,
		Scheduler:      scheduler.New(),
		Inbox:          scheduler.NewInbox(256, false),
		TickTimeout:    time.Second,
		InboxBatchSize: 10,
		Logger:         telemetry.Noop(),
	}
}

// Start runs the startup sequence: agent.OnStart, transport.Start,
// optional discovery registration, then spawns the listener and main
// loop goroutines.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.Agent.OnStart(ctx)

	if err := r.Transport.Start(ctx); err != nil {
		return fmt.Errorf("agent: start transport: %w", err)
	}

	if r.Discovery != nil {
		desc := r.buildDescriptor()
		if err := r.Discovery.Register(ctx, desc); err != nil {
			r.Logger.Warn("discovery_register_failed", "agent_id", r.Agent.ID(), "error", err)
		}
	}

	r.wg.Add(2)
	safe.Go(r.Logger, "agent.listen", func() { defer r.wg.Done(); r.listen(loopCtx) }, nil)
	safe.Go(r.Logger, "agent.loop", func() { defer r.wg.Done(); r.loop(loopCtx) }, nil)
	return nil
}

// Stop runs the shutdown sequence: flip running false, notify the
// scheduler so the loop unsticks, cancel the listener, await both
// goroutines, stop the transport, unregister from discovery, and invoke
// agent.OnStop.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.Scheduler.Notify()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if err := r.Transport.Stop(ctx); err != nil {
		r.Logger.Warn("transport_stop_failed", "error", err)
	}

	if r.Discovery != nil {
		if err := r.Discovery.Unregister(ctx, r.Agent.ID()); err != nil {
			r.Logger.Warn("discovery_unregister_failed", "error", err)
		}
	}

	r.Agent.OnStop(ctx)
	return nil
}

func (r *Runtime) buildDescriptor() discovery.AgentDescriptor {
	var pub ed25519.PublicKey
	if r.Identity != nil {
		pub = r.Identity.PublicKey
	}
	return discovery.AgentDescriptor{
		ID:           r.Agent.ID(),
		Topics:       r.Agent.Topics(),
		Capabilities: r.Agent.Capabilities(),
		PublicKey:    pub,
	}
}

// listen continuously receives from the transport (verified, if an
// IdentityRegistry is configured) and pushes accepted messages into the
// inbox, notifying the scheduler. Unverified messages are dropped
// silently. Transport errors back off briefly rather than busy-looping.
func (r *Runtime) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg message.Message
		var accepted bool
		var err error

		if r.IdentityRegistry != nil {
			msg, accepted, err = r.Transport.ReceiveVerified(ctx, r.IdentityRegistry, r.TickTimeout)
		} else {
			msg, err = r.Transport.Receive(ctx, r.TickTimeout)
			accepted = err == nil
		}

		switch {
		case err == context.Canceled || err == context.DeadlineExceeded:
			continue
		case err == transport.ErrTimeout:
			continue
		case err != nil:
			r.Logger.Warn("transport_receive_failed", "error", err)
			telemetry.RecordMessageReceived("runtime", "error")
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		case !accepted:
			r.Logger.Debug("dropping_unverified_message")
			telemetry.RecordMessageReceived("runtime", "verify_failed")
			continue
		}

		r.messagesReceived++
		telemetry.RecordMessageReceived("runtime", "accepted")
		r.Inbox.Push(ctx, msg)
		r.Scheduler.Notify()
	}
}

// loop is the main decision cycle: wait for work, drain the inbox, fetch
// pending tasks scoped to the agent's pools/capabilities, and — if there
// is anything to act on — tick, decide, and execute.
func (r *Runtime) loop(ctx context.Context) {
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if !running {
			return
		}

		r.Scheduler.WaitForWork(r.TickTimeout)

		r.mu.Lock()
		running = r.running
		r.mu.Unlock()
		if !running {
			return
		}

		messages := r.Inbox.Poll(r.InboxBatchSize)
		tasks := r.pendingTasks(ctx)

		if len(messages) > 0 || len(tasks) > 0 {
			tickStart := time.Now()
			status := "success"

			r.Agent.OnTick(ctx, messages, tasks)
			decisions, err := r.Agent.Decide(ctx, messages, tasks)
			if err != nil {
				status = "error"
				r.Logger.Warn("agent_decide_failed", "error", err)
			} else if len(decisions) > 0 {
				r.Executor.Execute(ctx, decisions)
			}

			telemetry.RecordRuntimeTick(r.Agent.ID(), status, time.Since(tickStart).Seconds())
		}

		r.maybeCheckpoint(ctx)
	}
}

func (r *Runtime) pendingTasks(ctx context.Context) []*task.Task {
	if r.TaskManager == nil {
		return nil
	}
	if r.PoolManager == nil {
		return r.TaskManager.ListPending()
	}
	poolIDs := r.PoolManager.GetPoolsForAgent(ctx, r.Agent.ID())
	caps := r.Agent.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return r.TaskManager.ListPendingForAgent(poolIDs, names)
}

func (r *Runtime) maybeCheckpoint(ctx context.Context) {
	if r.CheckpointStore == nil || r.CheckpointInterval <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(r.lastCheckpoint) < r.CheckpointInterval {
		return
	}
	r.lastCheckpoint = now

	raw, err := json.Marshal(map[string]int64{"last_activity_ts": now.UnixMilli()})
	if err != nil {
		return
	}
	if err := r.CheckpointStore.Put(ctx, "checkpoint:"+r.Agent.ID(), raw); err != nil {
		r.Logger.Debug("checkpoint_write_skipped", "error", err)
	}
}
