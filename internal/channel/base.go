// Package channel adapts external chat transports to bus events.
package channel

import (
	"context"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

// Channel is one inbound transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allow}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID passes the allowlist. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// publish hands ev to the bus, giving up if ctx ends first.
func (c *BaseChannel) publish(ctx context.Context, ev bus.Event) bool {
	select {
	case c.bus.Inbound <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
