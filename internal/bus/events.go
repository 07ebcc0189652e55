package bus

import (
	"strconv"
	"time"
)

type EventType string

const (
	EventText    EventType = "text"
	EventCommand EventType = "command"
	EventMedia   EventType = "media"
	EventService EventType = "service"
)

type ChannelKind string

const (
	KindPrivate   ChannelKind = "private"
	KindGroup     ChannelKind = "group"
	KindBroadcast ChannelKind = "broadcast"
)

// Event is one inbound message. It is passed by value and never mutated after
// submission; the buffer keeps its own copies.
type Event struct {
	ActorID         int64       `json:"actor_id"`
	ChannelID       int64       `json:"channel_id"`
	Seq             int64       `json:"seq"`
	Text            string      `json:"text"`
	Type            EventType   `json:"type,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	DisplayName     string      `json:"display_name,omitempty"`
	ChannelTitle    string      `json:"channel_title,omitempty"`
	Kind            ChannelKind `json:"kind,omitempty"`
	IsPrivileged    bool        `json:"is_privileged,omitempty"`
	IsDirectAddress bool        `json:"is_direct_address,omitempty"`
	Processed       bool        `json:"processed,omitempty"`
}

// Author returns the display name, falling back to the numeric actor id.
func (e *Event) Author() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return "user" + strconv.FormatInt(e.ActorID, 10)
}

func (e *Event) SessionKey() string {
	return string(e.Kind) + ":" + strconv.FormatInt(e.ChannelID, 10)
}

// MessageBus decouples transport adapters from the processing core.
type MessageBus struct {
	Inbound chan Event
}

func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &MessageBus{
		Inbound: make(chan Event, bufferSize),
	}
}

// Publish hands an event to the core. It blocks when the bus is full, which
// applies backpressure to the transport rather than dropping messages.
func (b *MessageBus) Publish(ev Event) {
	b.Inbound <- ev
}
