package amqpsink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryMind-Chain/internal/events"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestHandlePublishesJSONWithKindRoutingKey(t *testing.T) {
	ch := &fakeChannel{}
	sink := newSink(ch, "treasury.events", 0)

	event := events.Event{
		Seq:        7,
		Kind:       events.KindDataUnlearned,
		Source:     "unlearning",
		Payload:    events.DataUnlearned{AgentID: "trader-1", RemovedCount: 2},
		OccurredAt: time.Unix(100, 0),
	}
	require.NoError(t, sink.Handle(context.Background(), event))

	assert.Equal(t, "treasury.events", ch.exchange)
	assert.Equal(t, "dataUnlearned", ch.key)
	assert.Equal(t, "unlearning-7", ch.msg.MessageId)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "trader-1", payload["agent_id"])
}

func TestHandleAfterCloseFails(t *testing.T) {
	ch := &fakeChannel{}
	sink := newSink(ch, "x", time.Second)
	require.NoError(t, sink.Close())
	assert.True(t, ch.closed)
	assert.Error(t, sink.Handle(context.Background(), events.Event{Kind: events.KindDecisionMade}))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}
