// Package events is the in-process platform event fabric. Subsystems emit
// CloudEvents for lifecycle moments (workflow started, breaker tripped, DLQ
// exhausted); the ops surface and the durable Pub/Sub fan-out subscribe.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/tenant"
)

// Platform event types. Consumers filter on these.
const (
	TypeWorkflowStarted   = "mage.workflow.started"
	TypeWorkflowCompleted = "mage.workflow.completed"
	TypeWorkflowFailed    = "mage.workflow.failed"
	TypeStepCompleted     = "mage.workflow.step.completed"
	TypeStepFailed        = "mage.workflow.step.failed"
	TypeBreakerTransition = "mage.breaker.transition"
	TypeStreamDLQDrop     = "mage.stream.dlq_exhausted"
	TypeStreamClosed      = "mage.stream.closed"
	TypePatternPruned     = "mage.pattern.pruned"
)

// Emitter is the interface subsystems publish through. Both the in-memory
// EventBus and the Pub/Sub-backed bus satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
	// EmitCtx stamps the tenant riding on ctx onto the event before
	// publishing.
	EmitCtx(ctx context.Context, eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all platform events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	RequestID   string                 `json:"requestid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// stampTenant copies tenant identity from ctx onto the event.
func (ce *CloudEvent) stampTenant(ctx context.Context) {
	if tc, ok := tenant.FromContext(ctx); ok {
		ce.TenantID = tc.CompanyID
		ce.RequestID = tc.RequestID
	}
}

// EventBus is an in-process pub/sub fan-out. Delivery is non-blocking: a
// subscriber that stops draining loses events rather than stalling emitters.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	bufferSize  int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types; with no
// types it receives everything.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	filtered := eb.allSubs[:0]
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber full, skip
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// EmitCtx creates an event stamped with the tenant riding on ctx.
func (eb *EventBus) EmitCtx(ctx context.Context, eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	event.stampTenant(ctx)
	eb.Publish(event)
}

// SubscriberCount returns the total number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*EventBus)(nil)
