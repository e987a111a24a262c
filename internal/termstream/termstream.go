// Package termstream is the broadcast channel between a supervised process
// and its terminal observers. Topics are keyed by instance id; there is no
// replay, a late subscriber sees only what arrives after it joins.
package termstream

import (
	"sync"

	"github.com/codekingibk/nodehost/schema"
)

// EventKind discriminates the events on a topic.
type EventKind string

const (
	KindOutput EventKind = "output"
	KindStatus EventKind = "status"
	KindGate   EventKind = "terminal-gate"
	KindError  EventKind = "error"
)

// Event is one message on an instance topic. Exactly one payload field is
// set, matching Kind.
type Event struct {
	Kind   EventKind             `json:"kind"`
	Output string                `json:"output,omitempty"`
	Status schema.InstanceStatus `json:"status,omitempty"`
	Gate   *schema.GateEvent     `json:"gate,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// subscriberBuffer bounds how far a slow observer may lag before events are
// dropped for it. Delivery never blocks the publisher.
const subscriberBuffer = 256

// Channel fans events out to per-instance subscriber sets.
type Channel struct {
	mu     sync.Mutex
	topics map[schema.InstanceID]map[int]chan Event
	nextID int
}

// New returns an empty channel.
func New() *Channel {
	return &Channel{topics: make(map[schema.InstanceID]map[int]chan Event)}
}

// Subscribe joins the topic for an instance. The returned cancel func leaves
// the topic and closes the event channel; it is safe to call more than once.
func (c *Channel) Subscribe(id schema.InstanceID) (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.topics[id]
	if subs == nil {
		subs = make(map[int]chan Event)
		c.topics[id] = subs
	}
	key := c.nextID
	c.nextID++
	ch := make(chan Event, subscriberBuffer)
	subs[key] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if subs, ok := c.topics[id]; ok {
				delete(subs, key)
				if len(subs) == 0 {
					delete(c.topics, id)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the current observer count for an instance.
func (c *Channel) Subscribers(id schema.InstanceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics[id])
}

// Publish delivers an event to every current subscriber of the instance.
// A subscriber with a full buffer misses the event rather than stalling the
// publisher; the PTY reader behind Publish must never block.
func (c *Channel) Publish(id schema.InstanceID, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.topics[id] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishOutput broadcasts raw process output.
func (c *Channel) PublishOutput(id schema.InstanceID, data string) {
	c.Publish(id, Event{Kind: KindOutput, Output: data})
}

// PublishStatus broadcasts a lifecycle transition.
func (c *Channel) PublishStatus(id schema.InstanceID, status schema.InstanceStatus) {
	c.Publish(id, Event{Kind: KindStatus, Status: status})
}

// PublishGate broadcasts an input-gate change.
func (c *Channel) PublishGate(id schema.InstanceID, locked bool, message string) {
	c.Publish(id, Event{Kind: KindGate, Gate: &schema.GateEvent{Locked: locked, Message: message}})
}

// PublishError broadcasts a free-text error notice.
func (c *Channel) PublishError(id schema.InstanceID, msg string) {
	c.Publish(id, Event{Kind: KindError, Error: msg})
}
