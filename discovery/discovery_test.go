package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/capability"
	"github.com/converge-project/converge/internal/store/memstore"
	"github.com/converge-project/converge/topic"
)

func TestRegisterAndQueryByTopic(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)

	desc := AgentDescriptor{
		ID:     "agent-1",
		Topics: []topic.Topic{topic.New("orders", nil, "")},
	}
	require.NoError(t, s.Register(ctx, desc))

	results := s.Query(Query{Topics: []topic.Topic{topic.New("orders", nil, "")}}, s.Descriptors())
	require.Len(t, results, 1)
	assert.Equal(t, "agent-1", results[0].ID)
}

func TestQueryFiltersByCapabilitySubset(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)

	require.NoError(t, s.Register(ctx, AgentDescriptor{
		ID:           "agent-1",
		Capabilities: []capability.Capability{{Name: "translate"}},
	}))
	require.NoError(t, s.Register(ctx, AgentDescriptor{ID: "agent-2"}))

	results := s.Query(Query{Capabilities: []string{"translate"}}, s.Descriptors())
	require.Len(t, results, 1)
	assert.Equal(t, "agent-1", results[0].ID)
}

func TestUnregisterRemovesDescriptor(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil)
	require.NoError(t, s.Register(ctx, AgentDescriptor{ID: "agent-1"}))
	require.NoError(t, s.Unregister(ctx, "agent-1"))
	assert.Empty(t, s.Descriptors())
}

func TestDescriptorsPersistAcrossRestart(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	s1 := New(ctx, st)
	require.NoError(t, s1.Register(ctx, AgentDescriptor{
		ID:     "agent-1",
		Topics: []topic.Topic{topic.New("orders", map[string]string{"region": "eu"}, "")},
	}))

	s2 := New(ctx, st) // fresh Service over the same store
	results := s2.Query(Query{}, s2.Descriptors())
	require.Len(t, results, 1)
	assert.Equal(t, "agent-1", results[0].ID)
	assert.Equal(t, "eu", results[0].Topics[0].Attributes["region"])
}
