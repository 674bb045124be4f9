// Package executor implements the Executor: a match-on-variant
// dispatcher over the closed Decision sum type, plus a registry of
// custom handlers for decision kinds the core set doesn't cover. Errors
// are isolated per decision; one failure never aborts the batch.
package executor

import (
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/pool"
	"github.com/converge-project/converge/task"
)

// Kind names one of the closed set of built-in Decision variants, or
// KindUnknown for anything routed to a custom handler.
type Kind string

const (
	KindSendMessage     Kind = "send_message"
	KindSubmitTask      Kind = "submit_task"
	KindClaimTask       Kind = "claim_task"
	KindReportTask      Kind = "report_task"
	KindJoinPool        Kind = "join_pool"
	KindLeavePool       Kind = "leave_pool"
	KindCreatePool      Kind = "create_pool"
	KindSubmitBid       Kind = "submit_bid"
	KindVote            Kind = "vote"
	KindPropose         Kind = "propose"
	KindAcceptProposal  Kind = "accept_proposal"
	KindRejectProposal  Kind = "reject_proposal"
	KindDelegate        Kind = "delegate"
	KindRevokeDelegation Kind = "revoke_delegation"
	KindInvokeTool      Kind = "invoke_tool"
	KindUnknown         Kind = "unknown"
)

// Decision is the tagged union an agent's decide() returns; the Executor
// switches on Kind and reads the matching payload field. Prefer the
// New* constructors over building a Decision literal directly.
type Decision struct {
	Kind Kind

	SendMessage      *SendMessagePayload
	SubmitTask       *SubmitTaskPayload
	ClaimTask        *ClaimTaskPayload
	ReportTask       *ReportTaskPayload
	JoinPool         *JoinPoolPayload
	LeavePool        *LeavePoolPayload
	CreatePool       *CreatePoolPayload
	SubmitBid        *SubmitBidPayload
	Vote             *VotePayload
	Propose          *ProposePayload
	AcceptProposal   *AcceptProposalPayload
	RejectProposal   *RejectProposalPayload
	Delegate         *DelegatePayload
	RevokeDelegation *RevokeDelegationPayload
	InvokeTool       *InvokeToolPayload
	Unknown          *UnknownPayload
}

type SendMessagePayload struct{ Message message.Message }
type SubmitTaskPayload struct{ Task *task.Task }
type ClaimTaskPayload struct{ TaskID string }
type ReportTaskPayload struct {
	TaskID string
	Result any
}
type JoinPoolPayload struct{ PoolID string }
type LeavePoolPayload struct{ PoolID string }
type CreatePoolPayload struct{ Spec pool.Spec }
type SubmitBidPayload struct {
	AuctionID string
	Amount    float64
	Content   any
}
type VotePayload struct {
	VoteID string
	Option any
}
type ProposePayload struct {
	SessionID string
	Content   any
}
type AcceptProposalPayload struct{ SessionID string }
type RejectProposalPayload struct{ SessionID string }
type DelegatePayload struct {
	DelegateeID string
	Scope       []string
}
type RevokeDelegationPayload struct{ DelegationID string }
type InvokeToolPayload struct {
	ToolName string
	Params   map[string]any
}

// UnknownPayload carries an arbitrary decision type name and data for
// dispatch to a registered custom handler; unmatched, it is logged and
// dropped.
type UnknownPayload struct {
	TypeName string
	Data     any
}

func NewSendMessage(m message.Message) Decision {
	return Decision{Kind: KindSendMessage, SendMessage: &SendMessagePayload{Message: m}}
}

func NewSubmitTask(t *task.Task) Decision {
	return Decision{Kind: KindSubmitTask, SubmitTask: &SubmitTaskPayload{Task: t}}
}

func NewClaimTask(taskID string) Decision {
	return Decision{Kind: KindClaimTask, ClaimTask: &ClaimTaskPayload{TaskID: taskID}}
}

func NewReportTask(taskID string, result any) Decision {
	return Decision{Kind: KindReportTask, ReportTask: &ReportTaskPayload{TaskID: taskID, Result: result}}
}

func NewJoinPool(poolID string) Decision {
	return Decision{Kind: KindJoinPool, JoinPool: &JoinPoolPayload{PoolID: poolID}}
}

func NewLeavePool(poolID string) Decision {
	return Decision{Kind: KindLeavePool, LeavePool: &LeavePoolPayload{PoolID: poolID}}
}

func NewCreatePool(spec pool.Spec) Decision {
	return Decision{Kind: KindCreatePool, CreatePool: &CreatePoolPayload{Spec: spec}}
}

func NewSubmitBid(auctionID string, amount float64, content any) Decision {
	return Decision{Kind: KindSubmitBid, SubmitBid: &SubmitBidPayload{AuctionID: auctionID, Amount: amount, Content: content}}
}

func NewVote(voteID string, option any) Decision {
	return Decision{Kind: KindVote, Vote: &VotePayload{VoteID: voteID, Option: option}}
}

func NewPropose(sessionID string, content any) Decision {
	return Decision{Kind: KindPropose, Propose: &ProposePayload{SessionID: sessionID, Content: content}}
}

func NewAcceptProposal(sessionID string) Decision {
	return Decision{Kind: KindAcceptProposal, AcceptProposal: &AcceptProposalPayload{SessionID: sessionID}}
}

func NewRejectProposal(sessionID string) Decision {
	return Decision{Kind: KindRejectProposal, RejectProposal: &RejectProposalPayload{SessionID: sessionID}}
}

func NewDelegate(delegateeID string, scope []string) Decision {
	return Decision{Kind: KindDelegate, Delegate: &DelegatePayload{DelegateeID: delegateeID, Scope: scope}}
}

func NewRevokeDelegation(delegationID string) Decision {
	return Decision{Kind: KindRevokeDelegation, RevokeDelegation: &RevokeDelegationPayload{DelegationID: delegationID}}
}

func NewInvokeTool(toolName string, params map[string]any) Decision {
	return Decision{Kind: KindInvokeTool, InvokeTool: &InvokeToolPayload{ToolName: toolName, Params: params}}
}

func NewUnknown(typeName string, data any) Decision {
	return Decision{Kind: KindUnknown, Unknown: &UnknownPayload{TypeName: typeName, Data: data}}
}
