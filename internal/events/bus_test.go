package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe("rec", rec)

	for i := 0; i < 100; i++ {
		bus.Publish(KindDecisionMade, "scheduler", i)
	}
	bus.Close()

	got := rec.snapshot()
	require.Len(t, got, 100)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, i, e.Payload)
	}
}

func TestBusRetriesFailingSubscriber(t *testing.T) {
	bus := NewBus(WithRetry(3, 0))
	var calls atomic.Int32
	bus.Subscribe("flaky", SubscriberFunc(func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	}))

	bus.Publish(KindDataUnlearned, "unlearning", DataUnlearned{AgentID: "a"})
	bus.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestBusRecoversSubscriberPanic(t *testing.T) {
	bus := NewBus(WithRetry(1, 0))
	rec := &recorder{}
	bus.Subscribe("panics", SubscriberFunc(func(context.Context, Event) error {
		panic("boom")
	}))
	bus.Subscribe("rec", rec)

	bus.Publish(KindBiasDetected, "supervisor", nil)
	bus.Publish(KindBiasDetected, "supervisor", nil)
	bus.Close()

	assert.Len(t, rec.snapshot(), 2)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	rec := &recorder{}
	cancel := bus.Subscribe("rec", rec)

	bus.Publish(KindProofGenerated, "attest", 1)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
	bus.Publish(KindProofGenerated, "attest", 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Publish(KindDecisionMade, "x", nil)
	cancel := bus.Subscribe("late", &recorder{})
	cancel()
	OrNop(nil).Publish(KindDecisionMade, "x", nil)
}
