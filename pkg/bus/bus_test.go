package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribePublishWildcard(t *testing.T) {
	b := NewBroker()

	var mu sync.Mutex
	var received []string

	b.Subscribe("devices/+/telemetry", func(msg *Message) {
		mu.Lock()
		received = append(received, msg.Topic)
		mu.Unlock()
	})

	topics := []string{
		"devices/42/telemetry",
		"devices/42/status",
		"devices/abc/telemetry",
		"gateways/1/telemetry",
	}
	for _, topic := range topics {
		b.Publish(&Message{MessageType: MessageTypeTelemetry, Topic: topic})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"devices/42/telemetry", "devices/abc/telemetry"}, received)
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := NewBroker()

	var mu sync.Mutex
	var order []int

	b.Subscribe("devices/7/telemetry", func(msg *Message) {
		mu.Lock()
		order = append(order, msg.Body.(int))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Publish(&Message{MessageType: MessageTypeTelemetry, Topic: "devices/7/telemetry", Body: i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBroker()

	var count int
	var mu sync.Mutex
	handle := b.Subscribe("devices/1/status", func(msg *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(&Message{MessageType: MessageTypeStatus, Topic: "devices/1/status"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	b.Unsubscribe(handle)
	b.Unsubscribe(handle) // idempotent

	b.Publish(&Message{MessageType: MessageTypeStatus, Topic: "devices/1/status"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestSubscribeUnsubscribeReturnsBrokerToPriorCardinality(t *testing.T) {
	b := NewBroker()
	before := b.SubscriberCount()

	handle := b.Subscribe("devices/+/telemetry", func(*Message) {})
	require.Equal(t, before+1, b.SubscriberCount())

	b.Unsubscribe(handle)
	require.Equal(t, before, b.SubscriberCount())
}

func TestPanicInCallbackDoesNotBreakOtherSubscribers(t *testing.T) {
	b := NewBroker()

	var otherReceived bool
	var mu sync.Mutex

	b.Subscribe("devices/9/status", func(msg *Message) {
		panic("boom")
	})
	b.Subscribe("devices/9/status", func(msg *Message) {
		mu.Lock()
		otherReceived = true
		mu.Unlock()
	})

	b.Publish(&Message{MessageType: MessageTypeStatus, Topic: "devices/9/status"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return otherReceived
	}, time.Second, time.Millisecond)
}

func TestTelemetryDropsOldestOnOverflow(t *testing.T) {
	b := NewBroker()

	block := make(chan struct{})
	var mu sync.Mutex
	var last int

	b.Subscribe("devices/5/telemetry", func(msg *Message) {
		<-block // hold the delivery goroutine so the queue backs up
		mu.Lock()
		last = msg.Body.(int)
		mu.Unlock()
	})

	for i := 0; i < statusQueueSize+10; i++ {
		b.Publish(&Message{MessageType: MessageTypeTelemetry, Topic: "devices/5/telemetry", Body: i})
	}

	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == statusQueueSize+9
	}, time.Second, time.Millisecond)
}
