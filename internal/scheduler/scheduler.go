package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/schedule"
)

var (
	ErrDispatchDisabled = errors.New("workflow does not accept manual triggers")
	ErrQueueFull        = errors.New("job queue full; a run is already pending")
	ErrUnknownWorkflow  = errors.New("unknown workflow")
)

type Scheduler struct {
	jitter     time.Duration
	runOnStart bool
	now        func() time.Time

	jobCh chan Job

	mu     sync.Mutex
	jobs   []Job
	reload chan struct{}

	next *xsync.Map[string, time.Time]

	// stats for observability
	enqueued *xsync.Counter
	dropped  *xsync.Counter
}

type Options struct {
	Jitter     time.Duration
	RunOnStart bool
	JobCh      chan Job

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewScheduler creates a scheduler that enqueues jobs into JobCh whenever
// one of their cron schedules fires.
// - Jitter: random delay added each cycle (0..Jitter) to reduce herd effects
// - RunOnStart: enqueue every job once before the first tick
func NewScheduler(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.JobCh == nil {
		opts.JobCh = make(chan Job, 1)
	}
	return &Scheduler{
		jitter:     opts.Jitter,
		runOnStart: opts.RunOnStart,
		now:        opts.Now,
		jobCh:      opts.JobCh,
		reload:     make(chan struct{}, 1),
		next:       xsync.NewMap[string, time.Time](),
		enqueued:   xsync.NewCounter(),
		dropped:    xsync.NewCounter(),
	}
}

func (s *Scheduler) Jobs() <-chan Job { return s.jobCh }

// Run fires jobs until ctx is done. A nil jobs keeps the set installed
// earlier with Reload.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) {
	if jobs != nil {
		s.setJobs(jobs)
	}

	if s.runOnStart {
		s.enqueueAll(ctx, s.snapshot(), runner.TriggerSchedule)
	}

	var last time.Time
	for {
		from := s.now()
		if from.Before(last) {
			from = last
		}

		due, at := s.plan(s.snapshot(), from)

		var fire <-chan time.Time
		var timer *time.Timer
		if !at.IsZero() {
			timer = time.NewTimer(at.Sub(s.now()) + s.randomJitter())
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.reload:
			stopTimer(timer)
			continue
		case <-fire:
			last = at
			s.enqueueAll(ctx, due, runner.TriggerSchedule)
		}
	}
}

// Reload swaps the job set; the running loop recomputes its next wake-up.
func (s *Scheduler) Reload(jobs []Job) {
	s.setJobs(jobs)
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Dispatch enqueues one manual run of job.
func (s *Scheduler) Dispatch(job Job) error {
	if !job.Dispatchable() {
		return ErrDispatchDisabled
	}
	job.Trigger = runner.TriggerDispatch
	if !s.enqueue(job) {
		return ErrQueueFull
	}
	logging.L.Info().WithMessage("manual run queued").WithWorkflow(job.Name()).Write()
	return nil
}

// Lookup returns the current job with the given workflow name. An empty
// name selects the only job when exactly one is loaded.
func (s *Scheduler) Lookup(name string) (Job, error) {
	jobs := s.snapshot()
	if name == "" && len(jobs) == 1 {
		return jobs[0], nil
	}
	for _, j := range jobs {
		if j.Name() == name {
			return j, nil
		}
	}
	return Job{}, ErrUnknownWorkflow
}

func (s *Scheduler) Stats() (enqueued uint64, dropped uint64) {
	return uint64(s.enqueued.Value()), uint64(s.dropped.Value())
}

// NextRun reports the next scheduled fire time of a workflow, before jitter.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	return s.next.Load(name)
}

// NextRuns reports NextRun for every scheduled workflow.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time)
	s.next.Range(func(name string, at time.Time) bool {
		out[name] = at
		return true
	})
	return out
}

func (s *Scheduler) setJobs(jobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append([]Job(nil), jobs...)
}

func (s *Scheduler) snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// plan returns the jobs due at the earliest upcoming fire time.
func (s *Scheduler) plan(jobs []Job, from time.Time) ([]Job, time.Time) {
	s.next.Clear()

	var (
		at  time.Time
		due []Job
	)
	for _, j := range jobs {
		n := schedule.Earliest(from, j.Schedules...)
		if n.IsZero() {
			continue
		}
		s.next.Store(j.Name(), n)

		switch {
		case at.IsZero() || n.Before(at):
			at = n
			due = []Job{j}
		case n.Equal(at):
			due = append(due, j)
		}
	}
	return due, at
}

func (s *Scheduler) randomJitter() time.Duration {
	if s.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(s.jitter)))
}

// enqueueAll pushes jobs into jobCh.
// IMPORTANT: This is non-blocking; if jobCh is full, we drop and count it.
// A slow run therefore never piles up triggers behind it.
func (s *Scheduler) enqueueAll(ctx context.Context, jobs []Job, trigger runner.Trigger) {
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j.Trigger = trigger
		if !s.enqueue(j) {
			logging.L.Warn().WithMessage("trigger dropped; previous run still pending").
				WithWorkflow(j.Name()).
				WithField("dropped_total", s.dropped.Value()).
				Write()
		}
	}
}

func (s *Scheduler) enqueue(j Job) bool {
	select {
	case s.jobCh <- j:
		s.enqueued.Inc()
		return true
	default:
		s.dropped.Inc()
		return false
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
