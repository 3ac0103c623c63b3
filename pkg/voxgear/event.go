package voxgear

import (
	"github.com/voxgear/voxgear/pkg/buffer"
	"github.com/voxgear/voxgear/pkg/iot"
)

// eventQueueSize bounds the observer event queue; the oldest event is
// dropped on overflow.
const eventQueueSize = 10

// Event is the sum type delivered to the host application.
type Event interface {
	isEvent()
}

// ChatRole identifies the speaker of a chat line.
type ChatRole int

const (
	RoleUser ChatRole = iota
	RoleAssistant
)

// String returns the role's name.
func (r ChatRole) String() string {
	if r == RoleAssistant {
		return "assistant"
	}
	return "user"
}

// StateChangedEvent reports an observer-visible state transition.
type StateChangedEvent struct {
	Old ChatState
	New ChatState
}

// ChatMessageEvent carries one line of the conversation transcript.
type ChatMessageEvent struct {
	Role ChatRole
	Text string
}

// EmotionEvent carries the assistant's current emotion tag.
type EmotionEvent struct {
	Emotion string
}

// ActivationEvent reports that the backend demands device activation
// before it will serve conversations.
type ActivationEvent struct {
	Code    string
	Message string
}

// IotInvocationEvent reports a server-issued entity method call. The
// host performs the side effect and publishes the new state through
// Entity.Update.
type IotInvocationEvent struct {
	Entity     string
	Method     string
	Parameters map[string]iot.Value
}

func (StateChangedEvent) isEvent()  {}
func (ChatMessageEvent) isEvent()   {}
func (EmotionEvent) isEvent()       {}
func (ActivationEvent) isEvent()    {}
func (IotInvocationEvent) isEvent() {}

// eventBus is the bounded drop-oldest queue between the engine task
// and the polling host.
type eventBus struct {
	ring *buffer.Ring[Event]
}

func newEventBus() *eventBus {
	return &eventBus{ring: buffer.NewRing[Event](eventQueueSize)}
}

func (b *eventBus) push(ev Event) {
	b.ring.Push(ev)
}

// popAll returns and clears the queued events in one atomic step.
func (b *eventBus) popAll() []Event {
	return b.ring.Drain()
}
