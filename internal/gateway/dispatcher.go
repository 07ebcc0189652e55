package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/chatpulse/internal/buffer"
	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/identity"
	"github.com/stellarlinkco/chatpulse/internal/implication"
)

// Processor turns one drained batch into a run summary.
type Processor interface {
	Process(ctx context.Context, batch buffer.Batch) implication.Summary
}

// RunRecorder receives every finished run.
type RunRecorder interface {
	RecordRun(sum implication.Summary)
}

// Dispatcher schedules per-channel processing. Each eligible channel gets its
// own goroutine; the buffer's in-flight marker keeps runs for one channel
// strictly sequential.
type Dispatcher struct {
	buf      *buffer.Buffer
	proc     Processor
	recorder RunRecorder
	ids      identity.Source

	mu       sync.Mutex
	inFlight int
	idle     chan struct{}
}

func NewDispatcher(buf *buffer.Buffer, proc Processor, recorder RunRecorder, ids identity.Source) *Dispatcher {
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		buf:      buf,
		proc:     proc,
		recorder: recorder,
		ids:      ids,
		idle:     idle,
	}
}

// Submit buffers ev and starts processing when the channel triggers. It never
// blocks on processing.
func (d *Dispatcher) Submit(ev bus.Event) {
	if d.ids != nil && !ev.IsPrivileged {
		ev.IsPrivileged = d.ids.IsPrivileged(ev.ActorID)
	}
	if d.buf.Append(ev) {
		d.dispatch(ev.ChannelID)
	}
}

// Sweep dispatches every channel whose age trigger has fired since its last
// append.
func (d *Dispatcher) Sweep(now time.Time) int {
	ids := d.buf.Due(now)
	for _, id := range ids {
		d.dispatch(id)
	}
	return len(ids)
}

// DrainAll dispatches every channel holding unprocessed events and waits,
// bounded by ctx, for all runs to finish.
func (d *Dispatcher) DrainAll(ctx context.Context) error {
	pending := d.buf.Pending()
	for _, id := range pending {
		d.dispatch(id)
	}
	if len(pending) > 0 {
		log.Printf("[gateway] draining %d channels", len(pending))
	}
	return d.WaitIdle(ctx)
}

// WaitIdle blocks until no run is in flight or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.inFlight == 0 {
			d.mu.Unlock()
			return nil
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *Dispatcher) dispatch(channelID int64) {
	d.mu.Lock()
	if d.inFlight == 0 {
		d.idle = make(chan struct{})
	}
	d.inFlight++
	d.mu.Unlock()

	go func() {
		defer d.done()
		d.run(channelID)
	}()
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	d.inFlight--
	if d.inFlight == 0 {
		close(d.idle)
	}
	d.mu.Unlock()
}

// run drains the channel until it no longer qualifies. Runs are not
// cancelled once started; the oracle timeouts bound them.
func (d *Dispatcher) run(channelID int64) {
	for {
		batch, ok := d.buf.TryDrain(channelID)
		if !ok {
			return
		}
		runID := uuid.NewString()
		log.Printf("[gateway] run %s: channel=%d events=%d", runID, channelID, len(batch.Events))

		sum := d.process(batch)
		// The narrative lands while the drain marker is still held, so a
		// later run on this channel cannot be overwritten by older text.
		if sum.Narrative != "" {
			d.buf.SetNarrative(channelID, sum.Narrative)
		}
		again := d.buf.Complete(batch, !sum.Recovered)
		if d.recorder != nil {
			d.recorder.RecordRun(sum)
		}
		log.Printf("[gateway] run %s done: tasks=%d executed=%d failed=%d fallbacks=%d in %s",
			runID, sum.TasksGenerated, sum.TasksExecuted, sum.TasksFailed, sum.OracleFallbacks(), sum.Duration)

		// A failed batch waits for the next append or sweep instead of
		// spinning on the same events.
		if !again || sum.Recovered {
			return
		}
	}
}

// process shields the buffer from a Processor that panics despite its own
// recovery, so the in-flight marker is always cleared.
func (d *Dispatcher) process(batch buffer.Batch) (sum implication.Summary) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gateway] channel %d processing panic: %v", batch.ChannelID, r)
			sum = implication.Summary{ChannelID: batch.ChannelID, BatchSize: len(batch.Events), Recovered: true}
		}
	}()
	return d.proc.Process(context.Background(), batch)
}
