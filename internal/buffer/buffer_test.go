package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/bus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func event(channel, actor, seq int64) bus.Event {
	return bus.Event{
		ActorID:   actor,
		ChannelID: channel,
		Seq:       seq,
		Text:      "message",
		Type:      bus.EventText,
		Kind:      bus.KindGroup,
	}
}

func TestAppendTriggersAtSizeThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Capacity: 100, SizeThreshold: 10, PrivilegedThreshold: 5, MaxAge: time.Hour}, WithClock(clock.Now))

	for i := int64(1); i <= 9; i++ {
		if b.Append(event(5, 1, i)) {
			t.Fatalf("append %d triggered early", i)
		}
	}
	if !b.Append(event(5, 1, 10)) {
		t.Fatal("10th append should trigger")
	}

	sum, ok := b.Summary(5)
	if !ok {
		t.Fatal("summary missing")
	}
	if sum.BufferLen != 10 {
		t.Errorf("BufferLen = %d, want 10", sum.BufferLen)
	}
	if !sum.NeedsProcessing {
		t.Error("NeedsProcessing should be set after trigger")
	}
}

func TestAppendPrivilegedSecondaryThreshold(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 10, PrivilegedThreshold: 1, MaxAge: time.Hour})

	ev := event(7, 99, 1)
	ev.IsPrivileged = true
	if !b.Append(ev) {
		t.Fatal("privileged event should trigger with secondary threshold 1")
	}
	sum, _ := b.Summary(7)
	if !sum.HasPrivileged {
		t.Error("HasPrivileged should be true")
	}
}

func TestAppendPrivilegedBelowSecondaryThreshold(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 10, PrivilegedThreshold: 3, MaxAge: time.Hour})

	ev := event(7, 99, 1)
	ev.IsPrivileged = true
	if b.Append(ev) {
		t.Fatal("1 event should not reach secondary threshold 3")
	}
	if b.Append(event(7, 2, 2)) {
		t.Fatal("2 events should not reach secondary threshold 3")
	}
	if !b.Append(event(7, 3, 3)) {
		t.Fatal("3 events with privileged actor present should trigger")
	}
}

func TestAppendTriggersOnMaxAge(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Capacity: 100, SizeThreshold: 50, MaxAge: time.Minute}, WithClock(clock.Now))

	if b.Append(event(1, 1, 1)) {
		t.Fatal("first append should not trigger")
	}
	clock.Advance(2 * time.Minute)
	if !b.Append(event(1, 1, 2)) {
		t.Fatal("append after max age should trigger")
	}
}

func TestBoundedCapacityEvictsOldest(t *testing.T) {
	b := New(Config{Capacity: 5, SizeThreshold: 5, MaxAge: time.Hour})

	for i := int64(1); i <= 12; i++ {
		b.Append(event(3, i, i))
		sum, _ := b.Summary(3)
		if sum.BufferLen > 5 {
			t.Fatalf("BufferLen = %d exceeds capacity", sum.BufferLen)
		}
	}

	batch, ok := b.TryDrain(3)
	if !ok {
		t.Fatal("expected drain")
	}
	if len(batch.Events) != 5 {
		t.Fatalf("batch len = %d, want 5", len(batch.Events))
	}
	if batch.Events[0].Seq != 8 || batch.Events[4].Seq != 12 {
		t.Errorf("batch seqs = %d..%d, want 8..12", batch.Events[0].Seq, batch.Events[4].Seq)
	}
	sum, _ := b.Summary(3)
	if sum.TotalEvents != 12 {
		t.Errorf("TotalEvents = %d, want 12", sum.TotalEvents)
	}
	if len(sum.Actors) != 12 {
		t.Errorf("distinct actors = %d, want 12", len(sum.Actors))
	}
}

func TestTryDrainExclusive(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 3, MaxAge: time.Hour})
	for i := int64(1); i <= 3; i++ {
		b.Append(event(1, 1, i))
	}

	batch, ok := b.TryDrain(1)
	if !ok {
		t.Fatal("first drain should succeed")
	}
	if _, ok := b.TryDrain(1); ok {
		t.Fatal("second drain while in flight should be refused")
	}
	sum, _ := b.Summary(1)
	if !sum.InFlight {
		t.Error("summary should report in flight")
	}

	b.Append(event(1, 1, 4))
	b.Complete(batch, true)
	if _, ok := b.TryDrain(1); !ok {
		t.Fatal("drain after completion should succeed")
	}
}

func TestTryDrainUnknownChannel(t *testing.T) {
	b := New(Config{})
	if _, ok := b.TryDrain(404); ok {
		t.Fatal("drain of unknown channel should be refused")
	}
}

func TestCompleteRetainsNewestThird(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{n: 30, want: 10},
		{n: 10, want: 3},
		{n: 2, want: 0},
		{n: 7, want: 2},
	}
	for _, tt := range tests {
		b := New(Config{Capacity: 100, SizeThreshold: 100, MaxAge: time.Hour})
		for i := 1; i <= tt.n; i++ {
			b.Append(event(9, 1, int64(i)))
		}
		batch, ok := b.TryDrain(9)
		if !ok {
			t.Fatalf("n=%d: expected drain", tt.n)
		}
		b.Complete(batch, true)

		sum, _ := b.Summary(9)
		if sum.BufferLen != tt.want {
			t.Errorf("n=%d: retained %d, want %d", tt.n, sum.BufferLen, tt.want)
		}
		if sum.NeedsProcessing {
			t.Errorf("n=%d: NeedsProcessing should be cleared", tt.n)
		}
		if tt.want == 0 {
			continue
		}

		// Retained events are the newest and marked processed.
		b.Append(event(9, 1, int64(tt.n+1)))
		next, ok := b.TryDrain(9)
		if !ok {
			t.Fatalf("n=%d: expected second drain", tt.n)
		}
		if got := next.Events[0].Seq; got != int64(tt.n-tt.want+1) {
			t.Errorf("n=%d: first retained seq = %d, want %d", tt.n, got, tt.n-tt.want+1)
		}
		for i, ev := range next.Events {
			wantProcessed := i < tt.want
			if ev.Processed != wantProcessed {
				t.Errorf("n=%d: event %d processed = %v, want %v", tt.n, i, ev.Processed, wantProcessed)
			}
		}
	}
}

func TestCompleteKeepsEventsAppendedDuringRun(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 100, MaxAge: time.Hour})
	for i := int64(1); i <= 9; i++ {
		b.Append(event(2, 1, i))
	}
	batch, _ := b.TryDrain(2)
	b.Append(event(2, 1, 10))
	b.Append(event(2, 1, 11))
	b.Complete(batch, true)

	sum, _ := b.Summary(2)
	if sum.BufferLen != 5 {
		t.Fatalf("BufferLen = %d, want 3 retained + 2 new", sum.BufferLen)
	}
}

func TestCompleteFailureKeepsEverything(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 4, MaxAge: time.Hour})
	for i := int64(1); i <= 4; i++ {
		b.Append(event(2, 1, i))
	}
	batch, _ := b.TryDrain(2)
	again := b.Complete(batch, false)

	sum, _ := b.Summary(2)
	if sum.BufferLen != 4 {
		t.Fatalf("BufferLen = %d, want 4", sum.BufferLen)
	}
	if sum.InFlight {
		t.Error("in-flight marker should be cleared on failure")
	}
	if !again {
		t.Error("channel still over threshold should report another run")
	}
}

func TestCompleteDoesNotRetriggerOnRetainedTail(t *testing.T) {
	b := New(Config{Capacity: 100, SizeThreshold: 50, PrivilegedThreshold: 1, MaxAge: time.Hour})
	for i := int64(1); i <= 6; i++ {
		ev := event(4, 1, i)
		ev.IsPrivileged = true
		b.Append(ev)
	}
	batch, _ := b.TryDrain(4)
	if again := b.Complete(batch, true); again {
		t.Fatal("retained tail alone must not trigger another run")
	}
	if _, ok := b.TryDrain(4); ok {
		t.Fatal("nothing unprocessed, drain should be refused")
	}
}

func TestOnUpdateMatchesStoredLength(t *testing.T) {
	var mu sync.Mutex
	last := map[int64]ChannelSummary{}
	b := New(Config{Capacity: 4, SizeThreshold: 4, MaxAge: time.Hour}, WithOnUpdate(func(s ChannelSummary) {
		mu.Lock()
		last[s.ChannelID] = s
		mu.Unlock()
	}))

	for i := int64(1); i <= 10; i++ {
		b.Append(event(1, 1, i))
		b.Append(event(2, 2, i))
	}
	for _, id := range []int64{1, 2} {
		stored, _ := b.Summary(id)
		mu.Lock()
		notified := last[id]
		mu.Unlock()
		if notified.BufferLen != stored.BufferLen {
			t.Errorf("channel %d notified len %d != stored %d", id, notified.BufferLen, stored.BufferLen)
		}
	}
}

func TestDueAndPending(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Capacity: 100, SizeThreshold: 50, MaxAge: time.Minute}, WithClock(clock.Now))
	b.Append(event(1, 1, 1))
	b.Append(event(2, 1, 1))

	if due := b.Due(clock.Now()); len(due) != 0 {
		t.Fatalf("Due = %v, want none", due)
	}
	clock.Advance(5 * time.Minute)
	due := b.Due(clock.Now())
	if len(due) != 2 || due[0] != 1 || due[1] != 2 {
		t.Fatalf("Due = %v, want [1 2]", due)
	}

	batch, _ := b.TryDrain(1)
	if due := b.Due(clock.Now()); len(due) != 1 || due[0] != 2 {
		t.Fatalf("Due with channel 1 in flight = %v, want [2]", due)
	}
	b.Complete(batch, true)

	pending := b.Pending()
	if len(pending) != 1 || pending[0] != 2 {
		t.Fatalf("Pending = %v, want [2]", pending)
	}
}

func TestForget(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{SizeThreshold: 1}, WithClock(clock.Now))
	b.Append(event(1, 1, 1))
	batch, _ := b.TryDrain(1)
	if b.Forget(1, time.Time{}) {
		t.Fatal("Forget must refuse while in flight")
	}
	b.Complete(batch, true)
	if b.Forget(1, clock.Now()) {
		t.Fatal("Forget must refuse a channel active at the cutoff")
	}
	clock.Advance(time.Minute)
	if !b.Forget(1, clock.Now()) {
		t.Fatal("Forget should drop idle channel")
	}
	if _, ok := b.Summary(1); ok {
		t.Fatal("summary should be gone")
	}
}

func TestEventsTodayResetsAcrossDays(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{}, WithClock(clock.Now))
	b.Append(event(1, 1, 1))
	b.Append(event(1, 1, 2))
	clock.Advance(24 * time.Hour)

	sum, _ := b.Summary(1)
	if sum.EventsToday != 0 {
		t.Errorf("EventsToday = %d after day change, want 0", sum.EventsToday)
	}
	b.Append(event(1, 1, 3))
	sum, _ = b.Summary(1)
	if sum.EventsToday != 1 || sum.TotalEvents != 3 {
		t.Errorf("today/total = %d/%d, want 1/3", sum.EventsToday, sum.TotalEvents)
	}
}

func TestConcurrentAppend(t *testing.T) {
	b := New(Config{Capacity: 50, SizeThreshold: 50, MaxAge: time.Hour})
	var wg sync.WaitGroup
	for g := int64(0); g < 8; g++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				b.Append(event(g%3, g, i))
			}
		}(g)
	}
	wg.Wait()

	for _, sum := range b.Summaries() {
		if sum.BufferLen > 50 {
			t.Errorf("channel %d len %d exceeds capacity", sum.ChannelID, sum.BufferLen)
		}
	}
}
