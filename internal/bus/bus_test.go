package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

func TestSubscribeReturnsID(t *testing.T) {
	b := New()

	id := b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil })
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, b.SubscriptionCount())
}

func TestSubscribeNilHandlerRejected(t *testing.T) {
	b := New()

	id := b.Subscribe(protection.EventDevToolsDetection, nil)
	assert.Empty(t, id)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestDeterministicIDs(t *testing.T) {
	// Swap the ID generator for predictable values
	original := generateID
	defer func() { generateID = original }()

	seq := 0
	generateID = func() string {
		seq++
		return fmt.Sprintf("sub-%d", seq)
	}

	b := New()
	id1 := b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil })
	id2 := b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil })

	assert.Equal(t, "sub-1", id1)
	assert.Equal(t, "sub-2", id2)
}

func TestPublishPriorityOrder(t *testing.T) {
	b := New()

	var order []string
	handler := func(name string) Handler {
		return func(protection.Event) error {
			order = append(order, name)
			return nil
		}
	}

	b.Subscribe(protection.EventDevToolsDetection, handler("low"), WithPriority(1))
	b.Subscribe(protection.EventDevToolsDetection, handler("high"), WithPriority(10))
	b.Subscribe(protection.EventDevToolsDetection, handler("mid"), WithPriority(5))

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPublishEqualPriorityKeepsInsertionOrder(t *testing.T) {
	b := New()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
			order = append(order, name)
			return nil
		}, WithPriority(5))
	}

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishRejectsEmptyType(t *testing.T) {
	b := New()

	called := false
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		called = true
		return nil
	})

	b.Publish(protection.Event{Source: "test"})

	assert.False(t, called)
	assert.Empty(t, b.History())
}

func TestPublishBackfillsTimestamp(t *testing.T) {
	b := New()

	var got protection.Event
	b.Subscribe(protection.EventDevToolsDetection, func(e protection.Event) error {
		got = e
		return nil
	})

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	assert.NotZero(t, got.Timestamp)

	// An explicit timestamp is preserved
	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test", Timestamp: 42})
	assert.Equal(t, int64(42), got.Timestamp)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	id := b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		calls++
		return nil
	})

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	assert.Equal(t, 1, calls)

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestUnsubscribeByContext(t *testing.T) {
	b := New()

	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil }, WithContext("widget"))
	b.Subscribe(protection.EventExtensionDetection, func(protection.Event) error { return nil }, WithContext("widget"))
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil }, WithContext("other"))

	assert.Equal(t, 2, b.UnsubscribeByContext("widget"))
	assert.Equal(t, 1, b.SubscriptionCount())
	assert.Equal(t, 0, b.UnsubscribeByContext(""))
}

func TestMidPublishUnsubscribeBlocksLaterHandler(t *testing.T) {
	b := New()

	var lowID string
	lowCalled := false

	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		b.Unsubscribe(lowID)
		return nil
	}, WithPriority(10))

	lowID = b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		lowCalled = true
		return nil
	}, WithPriority(1))

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})

	assert.False(t, lowCalled, "handler removed mid-publish must not fire")
}

func TestMidPublishSubscribeDoesNotFireThisPublish(t *testing.T) {
	b := New()

	lateCalled := 0
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
			lateCalled++
			return nil
		})
		return nil
	})

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	assert.Equal(t, 0, lateCalled)

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	assert.Equal(t, 1, lateCalled)
}

func TestHandlerErrorDoesNotStopDispatch(t *testing.T) {
	b := New()

	secondCalled := false
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		return fmt.Errorf("boom")
	}, WithPriority(10))
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		secondCalled = true
		return nil
	}, WithPriority(1))

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})

	assert.True(t, secondCalled)
}

func TestHandlerPanicContained(t *testing.T) {
	b := New()

	secondCalled := false
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		panic("handler exploded")
	}, WithPriority(10))
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error {
		secondCalled = true
		return nil
	}, WithPriority(1))

	assert.NotPanics(t, func() {
		b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "test"})
	})
	assert.True(t, secondCalled)
}

func TestFilterSkipsDelivery(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe(protection.EventDevToolsDetection, func(e protection.Event) error {
		calls++
		return nil
	}, WithFilter(func(e protection.Event) bool {
		return e.Source == "wanted"
	}))

	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "unwanted"})
	b.Publish(protection.Event{Type: protection.EventDevToolsDetection, Source: "wanted"})

	assert.Equal(t, 1, calls)
}

func TestHistoryBoundedOldestFirst(t *testing.T) {
	b := New(Config{HistorySize: 3})

	for i := 0; i < 5; i++ {
		b.Publish(protection.Event{
			Type:   protection.EventDevToolsDetection,
			Source: fmt.Sprintf("src-%d", i),
		})
	}

	events := b.History()
	require.Len(t, events, 3)
	assert.Equal(t, "src-2", events[0].Source)
	assert.Equal(t, "src-3", events[1].Source)
	assert.Equal(t, "src-4", events[2].Source)
}

func TestHistoryRecordsWithoutSubscribers(t *testing.T) {
	b := New()

	b.Publish(protection.Event{Type: protection.EventScreenshotDetection, Source: "test"})

	events := b.History()
	require.Len(t, events, 1)
	assert.Equal(t, protection.EventScreenshotDetection, events[0].Type)
}

func TestSubscriptionsSnapshot(t *testing.T) {
	b := New()

	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil }, WithPriority(1))
	b.Subscribe(protection.EventDevToolsDetection, func(protection.Event) error { return nil }, WithPriority(9))

	subs := b.Subscriptions(protection.EventDevToolsDetection)
	require.Len(t, subs, 2)
	// Dispatch order: highest priority first
	assert.Equal(t, 9, subs[0].Priority)
	assert.Equal(t, 1, subs[1].Priority)

	assert.Empty(t, b.Subscriptions(protection.EventScreenshotDetection))
}
