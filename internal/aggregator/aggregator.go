// Package aggregator keeps an eventually consistent view of channel and
// system health built from buffer summaries and pipeline runs, and owns the
// periodic stats, pruning and daily report jobs.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/chatpulse/internal/buffer"
	"github.com/stellarlinkco/chatpulse/internal/cron"
	"github.com/stellarlinkco/chatpulse/internal/implication"
)

const (
	DefaultWarningWatermark  = 70
	DefaultCriticalWatermark = 90
	DefaultHighTrafficTotal  = 1000
	DefaultStatsInterval     = 30 * time.Second
	DefaultPruneInterval     = 5 * time.Minute
	DefaultChannelRetention  = 24 * time.Hour
	DefaultMetricRetention   = 24 * time.Hour
	DefaultReportSchedule    = "@daily"
	DefaultTopN              = 5

	jobStats  = "stats"
	jobPrune  = "prune"
	jobReport = "daily-report"
)

type Config struct {
	WarningWatermark  int
	CriticalWatermark int
	HighTrafficTotal  int64
	StatsInterval     time.Duration
	PruneInterval     time.Duration
	ChannelRetention  time.Duration
	MetricRetention   time.Duration
	ReportSchedule    string
	TopN              int
}

func (c Config) withDefaults() Config {
	if c.WarningWatermark <= 0 {
		c.WarningWatermark = DefaultWarningWatermark
	}
	if c.CriticalWatermark <= 0 {
		c.CriticalWatermark = DefaultCriticalWatermark
	}
	if c.HighTrafficTotal <= 0 {
		c.HighTrafficTotal = DefaultHighTrafficTotal
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.ChannelRetention <= 0 {
		c.ChannelRetention = DefaultChannelRetention
	}
	if c.MetricRetention <= 0 {
		c.MetricRetention = DefaultMetricRetention
	}
	if c.ReportSchedule == "" {
		c.ReportSchedule = DefaultReportSchedule
	}
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	return c
}

type Option func(*Aggregator)

// WithWaiter sets the function ForceRefresh uses to wait for in-flight
// channel processing to drain.
func WithWaiter(wait func(ctx context.Context) error) Option {
	return func(a *Aggregator) { a.wait = wait }
}

// WithPruner sets the function called for every pruned channel so buffer
// state can be dropped alongside the status.
func WithPruner(forget func(channelID int64, idleBefore time.Time) bool) Option {
	return func(a *Aggregator) { a.forget = forget }
}

// WithReportSink persists each composed daily report.
func WithReportSink(sink func(ctx context.Context, r Report) error) Option {
	return func(a *Aggregator) { a.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithScheduler shares a scheduler with other periodic work. The
// Aggregator starts and stops it.
func WithScheduler(s *cron.Scheduler) Option {
	return func(a *Aggregator) {
		if s != nil {
			a.sched = s
		}
	}
}

type Aggregator struct {
	cfg    Config
	now    func() time.Time
	wait   func(ctx context.Context) error
	forget func(channelID int64, idleBefore time.Time) bool
	sink   func(ctx context.Context, r Report) error
	sched  *cron.Scheduler

	mu       sync.RWMutex
	statuses map[int64]ChannelStatus
	perf     Performance
	samples  []MetricSample
	report   *Report

	stats atomic.Pointer[GlobalStats]

	lifeMu  sync.Mutex
	started bool
	stopCh  chan struct{}
}

func New(cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		statuses: make(map[int64]ChannelStatus),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sched == nil {
		a.sched = cron.NewScheduler()
	}
	return a
}

// Record upserts the status for a channel from a buffer summary. It is safe
// to call from the buffer's update callback: it never calls back into the
// buffer.
func (a *Aggregator) Record(summary buffer.ChannelSummary) {
	status := a.evaluate(summary)

	a.mu.Lock()
	a.statuses[summary.ChannelID] = status
	a.mu.Unlock()
}

// RecordRun folds one pipeline run into the performance counters.
func (a *Aggregator) RecordRun(sum implication.Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.perf.Batches++
	a.perf.EventsProcessed += int64(sum.BatchSize)
	a.perf.TasksGenerated += int64(sum.TasksGenerated)
	a.perf.TasksExecuted += int64(sum.TasksExecuted)
	a.perf.TasksFailed += int64(sum.TasksFailed)
	a.perf.TasksMerged += int64(sum.TasksMerged)
	a.perf.RelatedPairs += int64(sum.RelatedPairs)
	a.perf.OracleFallbacks += int64(sum.OracleFallbacks())
	if sum.Recovered {
		a.perf.Recovered++
	}
	a.perf.ProcessingTime += sum.Duration
	if sum.Duration > a.perf.SlowestBatch {
		a.perf.SlowestBatch = sum.Duration
	}
}

func (a *Aggregator) ChannelStatus(channelID int64) (ChannelStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.statuses[channelID]
	if !ok {
		return ChannelStatus{}, false
	}
	s.Issues = append([]string(nil), s.Issues...)
	return s, true
}

func (a *Aggregator) ChannelStatuses() []ChannelStatus {
	a.mu.RLock()
	out := make([]ChannelStatus, 0, len(a.statuses))
	for _, s := range a.statuses {
		s.Issues = append([]string(nil), s.Issues...)
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// GlobalStatus returns the last computed snapshot, computing one first if no
// stats tick has run yet.
func (a *Aggregator) GlobalStatus() GlobalStats {
	if g := a.stats.Load(); g != nil {
		return g.clone()
	}
	return a.RefreshStats()
}

func (a *Aggregator) Performance() Performance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.perf
}

func (a *Aggregator) MetricHistory() []MetricSample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]MetricSample(nil), a.samples...)
}

func (a *Aggregator) LatestReport() (Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.report == nil {
		return Report{}, false
	}
	return *a.report, true
}

// RefreshStats rebuilds the global snapshot wholesale and appends a metric
// sample. Readers never observe a partially built snapshot.
func (a *Aggregator) RefreshStats() GlobalStats {
	now := a.now()

	a.mu.RLock()
	statuses := make([]ChannelStatus, 0, len(a.statuses))
	for _, s := range a.statuses {
		statuses = append(statuses, s)
	}
	a.mu.RUnlock()

	g := computeGlobal(statuses, now)
	a.stats.Store(&g)

	a.mu.Lock()
	a.samples = append(a.samples, MetricSample{
		At:            now,
		Channels:      g.Channels,
		MessagesToday: g.MessagesToday,
		SystemHealth:  g.SystemHealth,
	})
	a.mu.Unlock()

	return g.clone()
}

// Prune drops channel statuses idle longer than the channel retention and
// metric samples older than the metric retention. It returns the pruned
// channel ids.
func (a *Aggregator) Prune(now time.Time) []int64 {
	channelCutoff := now.Add(-a.cfg.ChannelRetention)
	metricCutoff := now.Add(-a.cfg.MetricRetention)

	var pruned []int64
	a.mu.Lock()
	for id, s := range a.statuses {
		if s.LastActivity.Before(channelCutoff) {
			delete(a.statuses, id)
			pruned = append(pruned, id)
		}
	}
	kept := a.samples[:0]
	for _, sample := range a.samples {
		if !sample.At.Before(metricCutoff) {
			kept = append(kept, sample)
		}
	}
	a.samples = kept
	a.mu.Unlock()

	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })
	if a.forget != nil {
		for _, id := range pruned {
			a.forget(id, channelCutoff)
		}
	}
	if len(pruned) > 0 {
		log.Printf("[aggregator] pruned %d idle channels", len(pruned))
	}
	return pruned
}

// ForceRefresh waits, bounded by ctx, for in-flight processing to drain and
// then recomputes stats synchronously.
func (a *Aggregator) ForceRefresh(ctx context.Context) error {
	if a.wait != nil {
		if err := a.wait(ctx); err != nil {
			return fmt.Errorf("wait for in-flight processing: %w", err)
		}
	}
	a.RefreshStats()
	return nil
}

// Start registers the periodic jobs and starts the scheduler. The jobs stop
// when ctx is done or Stop is called.
func (a *Aggregator) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.started {
		return nil
	}

	if err := a.sched.Every(jobStats, a.cfg.StatsInterval, func(context.Context) error {
		a.RefreshStats()
		return nil
	}); err != nil {
		return err
	}
	if err := a.sched.Every(jobPrune, a.cfg.PruneInterval, func(context.Context) error {
		a.Prune(a.now())
		return nil
	}); err != nil {
		return err
	}
	if err := a.sched.AddJob(jobReport, a.cfg.ReportSchedule, func(ctx context.Context) error {
		_, err := a.ComposeReport(ctx, a.now())
		return err
	}); err != nil {
		return err
	}

	a.sched.Start()
	a.started = true
	stopCh := make(chan struct{})
	a.stopCh = stopCh
	go func() {
		select {
		case <-ctx.Done():
			a.Stop(0)
		case <-stopCh:
		}
	}()
	log.Printf("[aggregator] started: stats every %s, prune every %s, report %s",
		a.cfg.StatsInterval, a.cfg.PruneInterval, a.cfg.ReportSchedule)
	return nil
}

// Stop halts the periodic jobs, waiting up to timeout for a running tick.
func (a *Aggregator) Stop(timeout time.Duration) {
	a.lifeMu.Lock()
	if !a.started {
		a.lifeMu.Unlock()
		return
	}
	a.started = false
	close(a.stopCh)
	a.lifeMu.Unlock()

	a.sched.Stop(timeout)
	log.Printf("[aggregator] stopped")
}

func (a *Aggregator) Jobs() []cron.JobState {
	return a.sched.Jobs()
}
