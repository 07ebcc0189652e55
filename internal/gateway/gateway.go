// Package gateway wires transports, the buffer, the implication pipeline and
// the aggregator into one running service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/aggregator"
	"github.com/stellarlinkco/chatpulse/internal/buffer"
	"github.com/stellarlinkco/chatpulse/internal/bus"
	"github.com/stellarlinkco/chatpulse/internal/channel"
	"github.com/stellarlinkco/chatpulse/internal/config"
	"github.com/stellarlinkco/chatpulse/internal/cron"
	"github.com/stellarlinkco/chatpulse/internal/identity"
	"github.com/stellarlinkco/chatpulse/internal/implication"
	"github.com/stellarlinkco/chatpulse/internal/llm"
	"github.com/stellarlinkco/chatpulse/internal/memory"
)

const jobSweep = "sweep"

// Options for creating a Gateway
type Options struct {
	// Oracle replaces the configured classifier client.
	Oracle llm.Client
	// Bus is shared with transports built before the Gateway.
	Bus *bus.MessageBus
	// Channels are started alongside the configured transports.
	Channels   []channel.Channel
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *memory.Engine
	buf        *buffer.Buffer
	pipeline   *implication.Pipeline
	agg        *aggregator.Aggregator
	sched      *cron.Scheduler
	disp       *Dispatcher
	ids        *identity.Static
	channels   *channel.ChannelManager
	signalChan chan os.Signal

	loopOnce     sync.Once
	loopStop     chan struct{}
	loopDone     chan struct{}
	loopRunning  bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		signalChan: opts.SignalChan,
		loopStop:   make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	g.bus = opts.Bus
	if g.bus == nil {
		busSize := cfg.Gateway.BusSize
		if busSize <= 0 {
			busSize = config.DefaultBufSize
		}
		g.bus = bus.NewMessageBus(busSize)
	}

	oracle := opts.Oracle
	if oracle == nil {
		client, err := llm.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create classifier client: %w", err)
		}
		oracle = client
	}

	engine, err := memory.NewEngine(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("create memory engine: %w", err)
	}
	g.store = engine

	g.ids = identity.NewStatic(cfg.Identity.Admins)
	g.sched = cron.NewScheduler()

	ac := cfg.Aggregator
	g.agg = aggregator.New(aggregator.Config{
		WarningWatermark:  ac.WarningWatermark,
		CriticalWatermark: ac.CriticalWatermark,
		HighTrafficTotal:  ac.HighTrafficTotal,
		StatsInterval:     config.Duration(ac.StatsInterval, aggregator.DefaultStatsInterval),
		PruneInterval:     config.Duration(ac.PruneInterval, aggregator.DefaultPruneInterval),
		ChannelRetention:  config.Duration(ac.ChannelRetention, aggregator.DefaultChannelRetention),
		MetricRetention:   config.Duration(ac.MetricRetention, aggregator.DefaultMetricRetention),
		ReportSchedule:    ac.ReportSchedule,
		TopN:              ac.ReportTopN,
	},
		aggregator.WithScheduler(g.sched),
		aggregator.WithWaiter(func(ctx context.Context) error { return g.disp.WaitIdle(ctx) }),
		aggregator.WithPruner(func(id int64, idleBefore time.Time) bool { return g.buf.Forget(id, idleBefore) }),
		aggregator.WithReportSink(func(ctx context.Context, r aggregator.Report) error {
			return g.store.SaveReport(ctx, r.Date, r.Title, r)
		}),
	)

	bc := cfg.Buffer
	g.buf = buffer.New(buffer.Config{
		Capacity:            bc.Capacity,
		SizeThreshold:       bc.SizeThreshold,
		PrivilegedThreshold: bc.PrivilegedThreshold,
		MaxAge:              config.Duration(bc.MaxAge, buffer.DefaultMaxAge),
	}, buffer.WithOnUpdate(g.agg.Record))

	pc := cfg.Pipeline
	g.pipeline = implication.New(oracle, g.store, implication.Config{
		SubBatchSize:    pc.SubBatchSize,
		SummaryWindow:   pc.SummaryWindow,
		TranscriptChars: pc.TranscriptChars,
		MergeThreshold:  pc.MergeThreshold,
		OracleTimeout:   config.Duration(cfg.Classifier.Timeout, implication.DefaultOracleTimeout),
		BotHandle:       pc.BotHandle,
		ExtraIndicators: pc.ExtraIndicators,
	})

	g.disp = NewDispatcher(g.buf, g.pipeline, g.agg, g.ids)

	sweep := config.Duration(bc.SweepInterval, 30*time.Second)
	if err := g.sched.Every(jobSweep, sweep, func(context.Context) error {
		g.disp.Sweep(time.Now())
		return nil
	}); err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("register sweep job: %w", err)
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, ch := range opts.Channels {
		chMgr.Add(ch)
	}
	g.channels = chMgr

	return g, nil
}

// Bus exposes the inbound bus so callers can attach their own transports.
func (g *Gateway) Bus() *bus.MessageBus {
	return g.bus
}

// Submit hands one event to the core directly, bypassing the bus.
func (g *Gateway) Submit(ev bus.Event) {
	g.disp.Submit(ev)
}

// Start launches the aggregator jobs, the transports and the inbound loop.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.agg.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}
	g.loopRunning = true
	go g.processLoop(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())
	return nil
}

// Run starts the gateway and blocks until a signal arrives or ctx is done,
// then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown()
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	defer close(g.loopDone)
	for {
		select {
		case ev := <-g.bus.Inbound:
			g.disp.Submit(ev)
		case <-g.loopStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stopLoop ends the inbound loop and submits whatever is still queued on
// the bus.
func (g *Gateway) stopLoop() {
	g.loopOnce.Do(func() {
		close(g.loopStop)
	})
	if g.loopRunning {
		<-g.loopDone
	}
	for {
		select {
		case ev := <-g.bus.Inbound:
			g.disp.Submit(ev)
		default:
			return
		}
	}
}

// Drain stops taking new events from the bus, processes every buffered
// channel and refreshes the global stats. It is bounded by ctx.
func (g *Gateway) Drain(ctx context.Context) error {
	g.stopLoop()
	if err := g.disp.DrainAll(ctx); err != nil {
		return fmt.Errorf("drain channels: %w", err)
	}
	return g.agg.ForceRefresh(ctx)
}

// Shutdown stops transports, drains in-flight work within the configured
// timeout, stops the periodic jobs and closes the store. It reports an
// unclean drain or a failed close; repeated calls return the same result.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown() })
	return g.shutdownErr
}

func (g *Gateway) shutdown() error {
	_ = g.channels.StopAll()

	var errs []error
	timeout := config.Duration(g.cfg.Gateway.ShutdownTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.Drain(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[gateway] drain timed out with %d runs in flight", g.disp.InFlight())
		} else {
			log.Printf("[gateway] drain warning: %v", err)
		}
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	g.agg.Stop(timeout)
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close memory engine warning: %v", err)
		errs = append(errs, fmt.Errorf("close memory engine: %w", err))
	}
	log.Printf("[gateway] shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) GetChannelStatus(channelID int64) (aggregator.ChannelStatus, bool) {
	return g.agg.ChannelStatus(channelID)
}

func (g *Gateway) ChannelStatuses() []aggregator.ChannelStatus {
	return g.agg.ChannelStatuses()
}

func (g *Gateway) GetGlobalStatus() aggregator.GlobalStats {
	return g.agg.GlobalStatus()
}

func (g *Gateway) Performance() aggregator.Performance {
	return g.agg.Performance()
}

// ForceRefresh waits for in-flight runs and recomputes global stats.
func (g *Gateway) ForceRefresh(ctx context.Context) error {
	return g.agg.ForceRefresh(ctx)
}

func (g *Gateway) LatestReport() (aggregator.Report, bool) {
	return g.agg.LatestReport()
}

// ComposeReport builds and persists a report for the current day.
func (g *Gateway) ComposeReport(ctx context.Context) (aggregator.Report, error) {
	return g.agg.ComposeReport(ctx, time.Now())
}

// MemoryStats reports the durable store's row counts.
func (g *Gateway) MemoryStats(ctx context.Context) (memory.Stats, error) {
	return g.store.Stats(ctx)
}
