// Package buffer accumulates inbound events per channel and decides when a
// channel has collected enough to be handed to the implication pipeline.
package buffer

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

const (
	DefaultCapacity            = 100
	DefaultSizeThreshold       = 50
	DefaultPrivilegedThreshold = 10
	DefaultMaxAge              = 10 * time.Minute
)

type Config struct {
	Capacity            int
	SizeThreshold       int
	PrivilegedThreshold int
	MaxAge              time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = DefaultSizeThreshold
	}
	if c.SizeThreshold > c.Capacity {
		c.SizeThreshold = c.Capacity
	}
	if c.PrivilegedThreshold <= 0 {
		c.PrivilegedThreshold = DefaultPrivilegedThreshold
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// ChannelSummary is a point-in-time copy of a channel's derived state.
type ChannelSummary struct {
	ChannelID       int64
	Title           string
	Kind            bus.ChannelKind
	TotalEvents     int64
	EventsToday     int64
	LastActivity    time.Time
	LastProcessed   time.Time
	Actors          []int64
	HasPrivileged   bool
	BufferLen       int
	NeedsProcessing bool
	InFlight        bool
	Narrative       string
}

// Batch is the set of events drained for one processing run.
type Batch struct {
	ChannelID int64
	Events    []bus.Event
	Summary   ChannelSummary

	first uint64
	last  uint64
}

type entry struct {
	offset uint64
	ev     bus.Event
}

type channelState struct {
	id              int64
	events          []entry
	nextOffset      uint64
	title           string
	kind            bus.ChannelKind
	total           int64
	today           int64
	todayDate       string
	lastActivity    time.Time
	lastProcessed   time.Time
	actors          map[int64]struct{}
	hasPrivileged   bool
	needsProcessing bool
	inFlight        bool
	narrative       string
}

type Option func(*Buffer)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnUpdate registers a callback invoked with a fresh summary after every
// mutation. It runs with the buffer lock held, so updates arrive in order; it
// must be fast and must not call back into the Buffer.
func WithOnUpdate(fn func(ChannelSummary)) Option {
	return func(b *Buffer) {
		b.onUpdate = fn
	}
}

type Buffer struct {
	cfg      Config
	now      func() time.Time
	onUpdate func(ChannelSummary)

	mu       sync.Mutex
	channels map[int64]*channelState
}

func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		channels: make(map[int64]*channelState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) Config() Config {
	return b.cfg
}

// Append stores ev in its channel's bounded history and reports whether the
// channel should now be processed. It never blocks on I/O and never fails:
// once a channel is at capacity the oldest event is evicted.
func (b *Buffer) Append(ev bus.Event) bool {
	now := b.now()

	b.mu.Lock()
	s, ok := b.channels[ev.ChannelID]
	if !ok {
		s = &channelState{
			id:            ev.ChannelID,
			actors:        make(map[int64]struct{}),
			lastProcessed: now,
		}
		b.channels[ev.ChannelID] = s
	}

	if len(s.events) >= b.cfg.Capacity {
		n := copy(s.events, s.events[1:])
		s.events = s.events[:n]
	}
	s.events = append(s.events, entry{offset: s.nextOffset, ev: ev})
	s.nextOffset++

	if ev.ChannelTitle != "" {
		s.title = ev.ChannelTitle
	}
	if ev.Kind != "" {
		s.kind = ev.Kind
	}
	s.total++
	day := now.Format("2006-01-02")
	if s.todayDate != day {
		s.todayDate = day
		s.today = 0
	}
	s.today++
	s.lastActivity = now
	s.actors[ev.ActorID] = struct{}{}
	if ev.IsPrivileged {
		s.hasPrivileged = true
	}

	triggered := b.shouldTrigger(s, now)
	if triggered {
		s.needsProcessing = true
	}
	b.notify(s.summary(b.now))
	b.mu.Unlock()
	return triggered
}

// shouldTrigger applies the trigger policy; the first matching rule wins.
func (b *Buffer) shouldTrigger(s *channelState, now time.Time) bool {
	size := len(s.events)
	if size == 0 {
		return false
	}
	if size >= b.cfg.SizeThreshold {
		return true
	}
	if now.Sub(s.lastProcessed) > b.cfg.MaxAge {
		return true
	}
	return s.privilegedInBuffer() && size >= b.cfg.PrivilegedThreshold
}

// TryDrain marks the channel as in flight and returns a copy of its buffered
// events. It returns false when a drain is already running for the channel or
// there is nothing new to process; callers treat that as a no-op.
func (b *Buffer) TryDrain(channelID int64) (Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.channels[channelID]
	if !ok || s.inFlight || s.unprocessed() == 0 {
		return Batch{}, false
	}
	s.inFlight = true

	events := make([]bus.Event, len(s.events))
	for i, e := range s.events {
		events[i] = e.ev
	}
	return Batch{
		ChannelID: channelID,
		Events:    events,
		Summary:   s.summary(b.now),
		first:     s.events[0].offset,
		last:      s.events[len(s.events)-1].offset,
	}, true
}

// Complete clears the in-flight marker for the batch's channel. On success
// the oldest two thirds of the drained events are discarded and the newest
// third is kept, flagged as processed, for continuity with the next batch.
// Events appended while the batch was running are untouched. The returned
// value reports whether the channel already qualifies for another run.
func (b *Buffer) Complete(batch Batch, ok bool) bool {
	now := b.now()

	b.mu.Lock()
	s, exists := b.channels[batch.ChannelID]
	if !exists {
		b.mu.Unlock()
		return false
	}
	s.inFlight = false

	if ok && len(batch.Events) > 0 {
		n := len(batch.Events)
		keep := n / 3
		cutoff := batch.first + uint64(n-keep)

		kept := s.events[:0]
		for _, e := range s.events {
			if e.offset < cutoff {
				continue
			}
			if e.offset <= batch.last {
				e.ev.Processed = true
			}
			kept = append(kept, e)
		}
		s.events = kept
		s.lastProcessed = now
		s.needsProcessing = false
	}

	again := s.unprocessed() > 0 && b.shouldTrigger(s, now)
	if again {
		s.needsProcessing = true
	}
	summary := s.summary(b.now)
	b.notify(summary)
	b.mu.Unlock()

	if !ok {
		log.Printf("[buffer] channel %d batch failed, keeping %d events", batch.ChannelID, summary.BufferLen)
	}
	return again
}

func (b *Buffer) SetNarrative(channelID int64, text string) {
	b.mu.Lock()
	s, ok := b.channels[channelID]
	if !ok {
		b.mu.Unlock()
		return
	}
	s.narrative = text
	b.notify(s.summary(b.now))
	b.mu.Unlock()
}

func (b *Buffer) Summary(channelID int64) (ChannelSummary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.channels[channelID]
	if !ok {
		return ChannelSummary{}, false
	}
	return s.summary(b.now), true
}

func (b *Buffer) Summaries() []ChannelSummary {
	b.mu.Lock()
	out := make([]ChannelSummary, 0, len(b.channels))
	for _, s := range b.channels {
		out = append(out, s.summary(b.now))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Due lists idle channels whose trigger policy currently holds. It is the
// periodic counterpart of the check Append performs, so quiet channels still
// get drained once their batch is old enough.
func (b *Buffer) Due(now time.Time) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []int64
	for id, s := range b.channels {
		if s.inFlight || s.unprocessed() == 0 {
			continue
		}
		if b.shouldTrigger(s, now) {
			s.needsProcessing = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pending lists every channel holding events that were never processed.
func (b *Buffer) Pending() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []int64
	for id, s := range b.channels {
		if s.unprocessed() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget drops all state for a channel whose last activity is before
// idleBefore, unless a drain is in flight. A zero idleBefore skips the
// activity check.
func (b *Buffer) Forget(channelID int64, idleBefore time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.channels[channelID]
	if !ok || s.inFlight {
		return false
	}
	if !idleBefore.IsZero() && !s.lastActivity.Before(idleBefore) {
		return false
	}
	delete(b.channels, channelID)
	return true
}

func (b *Buffer) notify(summary ChannelSummary) {
	if b.onUpdate != nil {
		b.onUpdate(summary)
	}
}

func (s *channelState) unprocessed() int {
	n := 0
	for _, e := range s.events {
		if !e.ev.Processed {
			n++
		}
	}
	return n
}

func (s *channelState) privilegedInBuffer() bool {
	for _, e := range s.events {
		if e.ev.IsPrivileged {
			return true
		}
	}
	return false
}

func (s *channelState) summary(now func() time.Time) ChannelSummary {
	actors := make([]int64, 0, len(s.actors))
	for id := range s.actors {
		actors = append(actors, id)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	today := s.today
	if s.todayDate != now().Format("2006-01-02") {
		today = 0
	}

	return ChannelSummary{
		ChannelID:       s.id,
		Title:           s.title,
		Kind:            s.kind,
		TotalEvents:     s.total,
		EventsToday:     today,
		LastActivity:    s.lastActivity,
		LastProcessed:   s.lastProcessed,
		Actors:          actors,
		HasPrivileged:   s.hasPrivileged,
		BufferLen:       len(s.events),
		NeedsProcessing: s.needsProcessing,
		InFlight:        s.inFlight,
		Narrative:       s.narrative,
	}
}
