// Package bus implements the in-process publish/subscribe message fabric
// that is the single integration surface between the device connectivity
// core and everything outside it (push gateway, optimization consumers,
// storage ingesters). See spec §4.1.
//
// Delivery is per-subscription and isolated: each Subscribe call gets its
// own goroutine and its own bounded queue, so a slow or panicking callback
// can never stall or break delivery to any other subscriber, and a
// publisher waits on a full queue for at most a short grace period
// (spec §5). Every subscription queue holds statusQueueSize messages,
// whatever their type; two queue disciplines are applied to it, selected
// by MessageType: telemetry messages drop the oldest queued entry on
// overflow (stale samples are worthless); status, command,
// command_response and event messages get a short bounded wait before a
// drop is logged and counted, since those carry state transitions
// callers should not silently miss.
package bus

import (
	"sync"
	"time"

	"github.com/cuemby/derconn/pkg/log"
	"github.com/cuemby/derconn/pkg/metrics"
)

// MessageType identifies the kind of body a Message carries.
type MessageType string

const (
	MessageTypeStatus          MessageType = "status"
	MessageTypeTelemetry       MessageType = "telemetry"
	MessageTypeCommand         MessageType = "command"
	MessageTypeCommandResponse MessageType = "command_response"
	MessageTypeEvent           MessageType = "event"
)

// Message is the envelope published and delivered on the bus. Body is
// type-dependent per MessageType; see internal/telemetry for the concrete
// shapes normalized onto the bus by adapters.
type Message struct {
	MessageID   string
	MessageType MessageType
	Timestamp   time.Time
	DeviceID    string
	Topic       string
	Body        any
}

// Callback is invoked for every published message whose topic matches a
// subscription's topic pattern.
type Callback func(msg *Message)

// SubscriptionHandle identifies a single Subscribe call; pass it to
// Unsubscribe to cancel delivery.
type SubscriptionHandle struct {
	id uint64
}

const (
	statusQueueSize      = 256
	statusEnqueueGrace   = 50 * time.Millisecond
)

type subscription struct {
	handle   SubscriptionHandle
	topic    string
	callback Callback
	queue    chan *Message
	done     chan struct{}
}

// Broker is an in-process publish/subscribe fabric over hierarchical,
// wildcard-matched topics.
type Broker struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        uint64
}

// NewBroker creates a new, unstarted Broker. Subscriptions may be added
// and messages published immediately; each subscription spins up its own
// delivery goroutine on Subscribe.
func NewBroker() *Broker {
	return &Broker{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Subscribe registers callback to be invoked for every published message
// whose topic matches the (possibly wildcarded) topic pattern. Multiple
// subscriptions on the same pattern are independent of one another.
func (b *Broker) Subscribe(topic string, callback Callback) SubscriptionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		handle:   SubscriptionHandle{id: b.nextID},
		topic:    topic,
		callback: callback,
		queue:    make(chan *Message, statusQueueSize),
		done:     make(chan struct{}),
	}
	b.subscriptions[sub.handle.id] = sub
	metrics.BusSubscribersTotal.Inc()

	go sub.run()

	return sub.handle
}

// Unsubscribe removes the subscription identified by handle. Idempotent:
// unsubscribing an already-removed handle is a no-op.
func (b *Broker) Unsubscribe(handle SubscriptionHandle) {
	b.mu.Lock()
	sub, ok := b.subscriptions[handle.id]
	if ok {
		delete(b.subscriptions, handle.id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
		metrics.BusSubscribersTotal.Dec()
	}
}

// Publish delivers msg to every matching subscription. Publish never
// blocks indefinitely on a slow subscriber: delivery to each subscription's queue is
// governed by the queue discipline for msg.MessageType (see package doc).
// Publish always returns true; false is reserved for a future closed-bus
// state and kept so callers already branch on the result.
func (b *Broker) Publish(msg *Message) bool {
	metrics.BusPublishedTotal.WithLabelValues(string(msg.MessageType)).Inc()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if Matches(sub.topic, msg.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.enqueue(sub, msg)
	}

	return true
}

func (b *Broker) enqueue(sub *subscription, msg *Message) {
	if msg.MessageType == MessageTypeTelemetry {
		// Drop-oldest: telemetry is only ever useful fresh.
		select {
		case sub.queue <- msg:
		default:
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- msg:
			default:
				metrics.BusDroppedTotal.WithLabelValues(string(msg.MessageType)).Inc()
			}
		}
		return
	}

	// status / command / command_response / event: bounded wait, then
	// drop-and-log rather than block the publisher indefinitely.
	select {
	case sub.queue <- msg:
		return
	default:
	}

	timer := time.NewTimer(statusEnqueueGrace)
	defer timer.Stop()
	select {
	case sub.queue <- msg:
	case <-timer.C:
		metrics.BusDroppedTotal.WithLabelValues(string(msg.MessageType)).Inc()
		log.WithComponent("bus").Warn().
			Str("topic", msg.Topic).
			Str("message_type", string(msg.MessageType)).
			Msg("dropped message: subscriber queue full past grace period")
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

func (s *subscription) run() {
	for {
		select {
		case msg := <-s.queue:
			s.deliver(msg)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) deliver(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("bus").Error().
				Interface("panic", r).
				Str("topic", msg.Topic).
				Msg("subscriber callback panicked; delivery to other subscribers unaffected")
		}
	}()
	s.callback(msg)
}

