package executor

import (
	"context"
	"sync"
)

// BiddingProtocol is the decision sink SubmitBid dispatches to.
// Bidding/auction logic itself lives outside this module; the Executor
// only resolves the named auction and forwards the bid.
type BiddingProtocol interface {
	SubmitBid(ctx context.Context, auctionID, agentID string, amount float64, content any) error
}

// NegotiationProtocol is the decision sink Propose/AcceptProposal/
// RejectProposal dispatch to.
type NegotiationProtocol interface {
	Propose(ctx context.Context, sessionID, agentID string, content any) error
	Accept(ctx context.Context, sessionID, agentID string) error
	Reject(ctx context.Context, sessionID, agentID string) error
}

// DelegationProtocol is the decision sink Delegate/RevokeDelegation
// dispatch to.
type DelegationProtocol interface {
	Delegate(ctx context.Context, delegatorID, delegateeID string, scope []string) error
	Revoke(ctx context.Context, delegationID string) error
}

// VoteRecord is one agent's recorded vote for a vote_id.
type VoteRecord struct {
	AgentID string
	Option  any
}

// VoteStore accumulates (agent_id, option) pairs per vote_id. VoteStore
// only records; Majority and Plurality below tally a recorded ballot.
type VoteStore struct {
	mu    sync.Mutex
	votes map[string][]VoteRecord
}

// NewVoteStore returns an empty VoteStore.
func NewVoteStore() *VoteStore {
	return &VoteStore{votes: make(map[string][]VoteRecord)}
}

// Record appends (agentID, option) to voteID's ballot.
func (s *VoteStore) Record(voteID, agentID string, option any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[voteID] = append(s.votes[voteID], VoteRecord{AgentID: agentID, Option: option})
}

// Get returns a copy of voteID's recorded ballots.
func (s *VoteStore) Get(voteID string) []VoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.votes[voteID]
	out := make([]VoteRecord, len(v))
	copy(out, v)
	return out
}

// Majority returns the option with strictly more than half the votes, or
// nil if there is no such option (including the empty-ballot case).
// Spec.md §8's boundary behavior: majority(∅) = nil.
func Majority(votes []VoteRecord) any {
	if len(votes) == 0 {
		return nil
	}
	counts := make(map[any]int, len(votes))
	for _, v := range votes {
		counts[v.Option]++
	}
	for option, count := range counts {
		if count*2 > len(votes) {
			return option
		}
	}
	return nil
}

// Plurality returns the option with strictly the most votes, or nil if
// the top count is tied across more than one option (including the
// empty-ballot case). Spec.md §8: a single tie at the top returns nil.
func Plurality(votes []VoteRecord) any {
	if len(votes) == 0 {
		return nil
	}
	counts := make(map[any]int, len(votes))
	for _, v := range votes {
		counts[v.Option]++
	}
	var best any
	bestCount := 0
	tied := false
	for option, count := range counts {
		switch {
		case count > bestCount:
			best, bestCount, tied = option, count, false
		case count == bestCount:
			tied = true
		}
	}
	if tied {
		return nil
	}
	return best
}
