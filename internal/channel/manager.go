package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/config"
)

// ChannelManager owns the inbound transports. Channels start in name order
// and stop in reverse.
type ChannelManager struct {
	channels map[string]Channel
	started  []Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers an extra channel, replacing any channel with the same name.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
}

// StartAll starts every channel. If one fails, the channels already started
// are stopped again and the error is returned.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		ch := m.channels[name]
		log.Printf("[channel-mgr] starting %s", name)
		if err := ch.Start(ctx); err != nil {
			_ = m.StopAll()
			return fmt.Errorf("start %s: %w", name, err)
		}
		m.started = append(m.started, ch)
	}
	return nil
}

// StopAll stops the started channels, newest first, and reports every
// failure together.
func (m *ChannelManager) StopAll() error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		ch := m.started[i]
		log.Printf("[channel-mgr] stopping %s", ch.Name())
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", ch.Name(), err)
			errs = append(errs, fmt.Errorf("stop %s: %w", ch.Name(), err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
