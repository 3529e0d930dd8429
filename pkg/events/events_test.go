package events

import (
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&types.Event{ObjectUUID: "inst-1", Verb: "created"})

	select {
	case ev := <-sub:
		require.Equal(t, "inst-1", ev.ObjectUUID)
		require.Equal(t, "created", ev.Verb)
		require.False(t, ev.Timestamp.IsZero(), "Publish should stamp a zero timestamp")
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive published event")
	}
}

func TestPublishDoesNotOverwriteExistingTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	want := time.Now().Add(-time.Hour)
	b.Publish(&types.Event{ObjectUUID: "inst-1", Timestamp: want})

	ev := <-sub
	require.True(t, ev.Timestamp.Equal(want))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&types.Event{ObjectUUID: "inst-2", Verb: "deleted"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			require.Equal(t, "inst-2", ev.ObjectUUID)
		case <-time.After(time.Second):
			t.Fatal("a subscriber missed the published event")
		}
	}
}
