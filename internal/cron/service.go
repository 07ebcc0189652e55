// Package cron runs named periodic jobs on robfig/cron and keeps per-job
// run state for status reporting.
package cron

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

const defaultStopTimeout = 5 * time.Second

// JobFunc is one scheduled body. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

type JobState struct {
	Name       string
	Spec       string
	LastRunAt  time.Time
	LastStatus string // "ok", "error" or "panic"
	LastError  string
	Runs       int64
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

type Scheduler struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	now     func() time.Time
}

func NewScheduler() *Scheduler {
	logger := rcron.PrintfLogger(log.Default())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: rcron.New(
			rcron.WithSeconds(),
			rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// AddJob registers fn under name with a cron spec (seconds field enabled;
// descriptors such as "@daily" and "@every 30s" are accepted).
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{state: JobState{Name: name, Spec: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// Every registers fn to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.AddJob(name, "@every "+interval.String(), fn)
}

func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.jobs))
}

// Stop halts scheduling, cancels the job context and waits up to timeout
// for running jobs to return. A stopped Scheduler cannot be restarted.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// RunNow executes a job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Job(name string) (JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return JobState{}, false
	}
	return j.state, true
}

func (s *Scheduler) execute(name string) (err error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}

	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			err = fmt.Errorf("panic: %v", r)
			log.Printf("[cron] job %s panic: %v\n%s", name, r, debug.Stack())
		}
		s.record(name, status, err)
	}()

	if err = j.fn(s.ctx); err != nil {
		status = "error"
		log.Printf("[cron] job %s error: %v", name, err)
	}
	return err
}

func (s *Scheduler) record(name, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return
	}
	j.state.LastRunAt = s.now()
	j.state.LastStatus = status
	j.state.LastError = ""
	if err != nil {
		j.state.LastError = err.Error()
	}
	j.state.Runs++
}
