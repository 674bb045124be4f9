package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/topic"
	"github.com/converge-project/converge/transport"
)

func startPair(t *testing.T, reg *Registry, a, b string) (*Transport, *Transport) {
	t.Helper()
	ta := New(a, reg)
	tb := New(b, reg)
	require.NoError(t, ta.Start(context.Background()))
	require.NoError(t, tb.Start(context.Background()))
	return ta, tb
}

func TestPointToPointDelivery(t *testing.T) {
	reg := NewRegistry()
	ta, tb := startPair(t, reg, "a", "b")

	msg := message.New("b", nil, map[string]any{"hi": true}, "", 1)
	require.NoError(t, ta.Send(context.Background(), msg))

	got, err := tb.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Recipient)
}

func TestSendBeforeStartFails(t *testing.T) {
	reg := NewRegistry()
	tr := New("a", reg)
	err := tr.Send(context.Background(), message.Message{})
	assert.ErrorIs(t, err, transport.ErrNotStarted)
}

func TestReceiveTimesOutWithoutMessage(t *testing.T) {
	reg := NewRegistry()
	tr := New("a", reg)
	require.NoError(t, tr.Start(context.Background()))

	_, err := tr.Receive(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestBroadcastSkipsSender(t *testing.T) {
	reg := NewRegistry()
	ta, tb := startPair(t, reg, "a", "b")
	tc := New("c", reg)
	require.NoError(t, tc.Start(context.Background()))

	msg := message.New("", nil, map[string]any{"broadcast": true}, "", 1)
	require.NoError(t, ta.Send(context.Background(), msg))

	_, err := tb.Receive(context.Background(), time.Second)
	assert.NoError(t, err)
	_, err = tc.Receive(context.Background(), time.Second)
	assert.NoError(t, err)
	_, err = ta.Receive(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout) // sender doesn't receive its own broadcast
}

func TestTopicRoutingFallsBackToBroadcastWhenNoSubscribers(t *testing.T) {
	reg := NewRegistry()
	ta, tb := startPair(t, reg, "a", "b")

	msg := message.New("", []topic.Topic{topic.New("orders", nil, "")}, nil, "", 1)
	require.NoError(t, ta.Send(context.Background(), msg))

	_, err := tb.Receive(context.Background(), time.Second)
	assert.NoError(t, err)
}
