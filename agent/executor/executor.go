// Executor dispatch: Execute receives a batch of Decisions (the runtime
// loop's agent.decide() result) and applies each in order against the
// agent's identity, transport, managers, and tool registry. A panic or
// error from one decision is caught and logged; the batch continues.
package executor

import (
	"context"
	"time"

	"github.com/converge-project/converge/identity"
	"github.com/converge-project/converge/internal/safe"
	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/pool"
	"github.com/converge-project/converge/task"
	"github.com/converge-project/converge/tool"
	"github.com/converge-project/converge/transport"
)

// Counters tracks the per-executor activity counters (messages_sent,
// decisions_executed, tools_invoked).
type Counters struct {
	MessagesSent      int64
	DecisionsExecuted int64
	ToolsInvoked      int64
}

// CustomHandler processes a Decision the built-in switch doesn't
// recognize (KindUnknown), keyed by UnknownPayload.TypeName.
type CustomHandler func(ctx context.Context, d Decision) error

// Executor is a single-writer dispatcher bound to one agent's identity
// and collaborators.
type Executor struct {
	AgentID  string
	Identity *identity.Identity
	Transport transport.Transport

	TaskManager *task.Manager
	PoolManager *pool.Manager
	Tools       *tool.Registry
	ToolTimeout time.Duration
	ToolAllowlist *tool.Allowlist

	Bidding     BiddingProtocol
	Negotiation NegotiationProtocol
	Delegation  DelegationProtocol
	Votes       *VoteStore

	ActionPolicy   *ActionPolicy
	ResourceLimits *ResourceLimits

	CustomHandlers map[string]CustomHandler

	Logger  telemetry.Logger
	Counters Counters
}

// New builds an Executor. Logger falls back to a no-op logger if nil.
func New(agentID string, id *identity.Identity, tr transport.Transport, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Executor{
		AgentID: agentID, Identity: id, Transport: tr,
		Votes:          NewVoteStore(),
		CustomHandlers: make(map[string]CustomHandler),
		Logger:         logger,
	}
}

// RegisterHandler adds a CustomHandler for typeName, used when an
// Unknown decision's TypeName matches.
func (e *Executor) RegisterHandler(typeName string, h CustomHandler) {
	e.CustomHandlers[typeName] = h
}

// Execute dispatches decisions in order, wrapped in a single
// "executor.execute" trace span.
func (e *Executor) Execute(ctx context.Context, decisions []Decision) {
	ctx, span := telemetry.Tracer("converge/executor").Start(ctx, "executor.execute")
	defer span.End()

	for _, d := range decisions {
		e.executeOne(ctx, d)
	}
}

func (e *Executor) executeOne(ctx context.Context, d Decision) {
	if !e.ActionPolicy.Permits(d.Kind) {
		e.Logger.Warn("decision_denied_by_policy", "kind", d.Kind)
		telemetry.RecordDecisionExecuted(string(d.Kind), "denied")
		return
	}

	err := safe.Execute(e.Logger, string(d.Kind), func() error {
		return e.dispatch(ctx, d)
	})

	e.Counters.DecisionsExecuted++
	status := "ok"
	if err != nil {
		status = "error"
		e.Logger.Warn("decision_execution_failed", "kind", d.Kind, "error", err)
	}
	telemetry.RecordDecisionExecuted(string(d.Kind), status)
}

func (e *Executor) dispatch(ctx context.Context, d Decision) error {
	switch d.Kind {
	case KindSendMessage:
		return e.sendMessage(ctx, d.SendMessage)
	case KindSubmitTask:
		return e.submitTask(ctx, d.SubmitTask)
	case KindClaimTask:
		return e.claimTask(ctx, d.ClaimTask)
	case KindReportTask:
		return e.reportTask(ctx, d.ReportTask)
	case KindJoinPool:
		return e.joinPool(ctx, d.JoinPool)
	case KindLeavePool:
		return e.leavePool(ctx, d.LeavePool)
	case KindCreatePool:
		return e.createPool(ctx, d.CreatePool)
	case KindSubmitBid:
		return e.submitBid(ctx, d.SubmitBid)
	case KindVote:
		return e.vote(d.Vote)
	case KindPropose:
		return e.propose(ctx, d.Propose)
	case KindAcceptProposal:
		return e.acceptProposal(ctx, d.AcceptProposal)
	case KindRejectProposal:
		return e.rejectProposal(ctx, d.RejectProposal)
	case KindDelegate:
		return e.delegate(ctx, d.Delegate)
	case KindRevokeDelegation:
		return e.revokeDelegation(ctx, d.RevokeDelegation)
	case KindInvokeTool:
		return e.invokeTool(ctx, d.InvokeTool)
	default:
		return e.dispatchUnknown(ctx, d.Unknown)
	}
}

func (e *Executor) sendMessage(ctx context.Context, p *SendMessagePayload) error {
	msg := p.Message
	if len(msg.Signature) == 0 && e.Identity != nil {
		signed, err := message.Sign(msg, e.Identity)
		if err != nil {
			return err
		}
		msg = signed
	}
	if err := e.Transport.Send(ctx, msg); err != nil {
		telemetry.RecordMessageSent("executor", "error")
		return err
	}
	e.Counters.MessagesSent++
	telemetry.RecordMessageSent("executor", "ok")
	return nil
}

func (e *Executor) submitTask(ctx context.Context, p *SubmitTaskPayload) error {
	if !e.ResourceLimits.Allows(p.Task.Constraints) {
		e.Logger.Warn("submit_task_denied_by_resource_limits", "task_id", p.Task.ID)
		return nil
	}
	e.TaskManager.Submit(ctx, p.Task)
	telemetry.RecordTaskSubmitted(p.Task.PoolID)
	return nil
}

func (e *Executor) claimTask(ctx context.Context, p *ClaimTaskPayload) error {
	if t := e.TaskManager.Get(ctx, p.TaskID); t != nil && !e.ResourceLimits.Allows(t.Constraints) {
		e.Logger.Warn("claim_task_denied_by_resource_limits", "task_id", p.TaskID)
		return nil
	}
	ok := e.TaskManager.Claim(ctx, e.AgentID, p.TaskID)
	status := "claimed"
	if !ok {
		status = "rejected"
		e.Logger.Warn("claim_task_failed", "task_id", p.TaskID)
	}
	telemetry.RecordTaskClaim(status)
	return nil
}

func (e *Executor) reportTask(ctx context.Context, p *ReportTaskPayload) error {
	return e.TaskManager.Report(ctx, e.AgentID, p.TaskID, p.Result)
}

func (e *Executor) joinPool(ctx context.Context, p *JoinPoolPayload) error {
	ok := e.PoolManager.JoinPool(ctx, e.AgentID, p.PoolID)
	status := "ok"
	if !ok {
		status = "denied"
	}
	telemetry.RecordPoolMembershipChange(p.PoolID, "join", status)
	return nil
}

func (e *Executor) leavePool(ctx context.Context, p *LeavePoolPayload) error {
	e.PoolManager.LeavePool(ctx, e.AgentID, p.PoolID)
	telemetry.RecordPoolMembershipChange(p.PoolID, "leave", "ok")
	return nil
}

func (e *Executor) createPool(ctx context.Context, p *CreatePoolPayload) error {
	e.PoolManager.CreatePool(ctx, p.Spec)
	return nil
}

func (e *Executor) submitBid(ctx context.Context, p *SubmitBidPayload) error {
	if e.Bidding == nil {
		return nil
	}
	return e.Bidding.SubmitBid(ctx, p.AuctionID, e.AgentID, p.Amount, p.Content)
}

func (e *Executor) vote(p *VotePayload) error {
	e.Votes.Record(p.VoteID, e.AgentID, p.Option)
	return nil
}

func (e *Executor) propose(ctx context.Context, p *ProposePayload) error {
	if e.Negotiation == nil {
		return nil
	}
	return e.Negotiation.Propose(ctx, p.SessionID, e.AgentID, p.Content)
}

func (e *Executor) acceptProposal(ctx context.Context, p *AcceptProposalPayload) error {
	if e.Negotiation == nil {
		return nil
	}
	return e.Negotiation.Accept(ctx, p.SessionID, e.AgentID)
}

func (e *Executor) rejectProposal(ctx context.Context, p *RejectProposalPayload) error {
	if e.Negotiation == nil {
		return nil
	}
	return e.Negotiation.Reject(ctx, p.SessionID, e.AgentID)
}

func (e *Executor) delegate(ctx context.Context, p *DelegatePayload) error {
	if e.Delegation == nil {
		return nil
	}
	return e.Delegation.Delegate(ctx, e.AgentID, p.DelegateeID, p.Scope)
}

func (e *Executor) revokeDelegation(ctx context.Context, p *RevokeDelegationPayload) error {
	if e.Delegation == nil {
		return nil
	}
	return e.Delegation.Revoke(ctx, p.DelegationID)
}

// invokeTool runs the named tool off the loop goroutine, cooperatively
// bounded by ToolTimeout: the wait is cancelled at the deadline, but the
// tool's own goroutine may continue running in the background.
func (e *Executor) invokeTool(ctx context.Context, p *InvokeToolPayload) error {
	if !e.ToolAllowlist.Allows(p.ToolName) {
		e.Logger.Warn("invoke_tool_denied_by_allowlist", "tool", p.ToolName)
		return nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.ToolTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.ToolTimeout)
		defer cancel()
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		err := safe.Execute(e.Logger, "tool:"+p.ToolName, func() error {
			_, err := e.Tools.Execute(runCtx, p.ToolName, p.Params)
			return err
		})
		done <- result{err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.Logger.Warn("tool_invocation_failed", "tool", p.ToolName, "error", r.err)
			return r.err
		}
		e.Counters.ToolsInvoked++
		return nil
	case <-runCtx.Done():
		e.Logger.Warn("tool_invocation_timed_out", "tool", p.ToolName)
		return runCtx.Err()
	}
}

func (e *Executor) dispatchUnknown(ctx context.Context, p *UnknownPayload) error {
	if p == nil {
		return nil
	}
	if h, ok := e.CustomHandlers[p.TypeName]; ok {
		return h(ctx, NewUnknown(p.TypeName, p.Data))
	}
	e.Logger.Warn("unknown_decision_type", "type", p.TypeName)
	return nil
}
