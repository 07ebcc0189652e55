package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

const replayChannelName = "replay"

// ReplayChannel publishes events read as JSON lines from a reader, such as
// an exported chat log. Blank lines and lines starting with '#' are skipped.
type ReplayChannel struct {
	BaseChannel
	src io.Reader
	now func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	published int
	skipped   int
	err       error
}

func NewReplayChannel(src io.Reader, b *bus.MessageBus) *ReplayChannel {
	return &ReplayChannel{
		BaseChannel: NewBaseChannel(replayChannelName, b, nil),
		src:         src,
		now:         time.Now,
	}
}

func (r *ReplayChannel) Start(ctx context.Context) error {
	if r.src == nil {
		return fmt.Errorf("replay source is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := r.run(ctx)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if err != nil {
			log.Printf("[replay] read error: %v", err)
		}
	}()
	return nil
}

func (r *ReplayChannel) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil || ev.ChannelID == 0 {
			r.mu.Lock()
			r.skipped++
			r.mu.Unlock()
			log.Printf("[replay] skipping line %d: invalid event", line)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = r.now()
		}
		if ev.Type == "" {
			ev.Type = bus.EventText
			if strings.HasPrefix(ev.Text, "/") {
				ev.Type = bus.EventCommand
			}
		}
		if ev.Kind == "" {
			ev.Kind = bus.KindGroup
		}
		if ev.Seq == 0 {
			ev.Seq = int64(line)
		}
		if !r.publish(ctx, ev) {
			return ctx.Err()
		}
		r.mu.Lock()
		r.published++
		r.mu.Unlock()
	}
	return scanner.Err()
}

// Wait blocks until the source is exhausted or ctx ends.
func (r *ReplayChannel) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("replay not started")
	}
	select {
	case <-done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts returns how many events were published and how many lines skipped.
func (r *ReplayChannel) Counts() (published, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published, r.skipped
}

func (r *ReplayChannel) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
