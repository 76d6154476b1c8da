package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastythames/aedwt-runner/internal/cache"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

// every fires at a fixed interval after the given time.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// never returns the zero time.
type never struct{}

func (never) Next(time.Time) time.Time { return time.Time{} }

func testJob(name string, dispatch bool, scheds ...cron.Schedule) Job {
	wf := &workflow.Workflow{Name: name}
	wf.On.Dispatch = dispatch
	return Job{Workflow: wf, Schedules: scheds}
}

func recv(t *testing.T, ch <-chan Job) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job enqueued")
		return Job{}
	}
}

func TestRunEnqueuesOnSchedule(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, []Job{testJob("aed", false, every(20*time.Millisecond))})

	for i := 0; i < 3; i++ {
		j := recv(t, ch)
		assert.Equal(t, "aed", j.Name())
		assert.Equal(t, runner.TriggerSchedule, j.Trigger)
	}
	enq, _ := s.Stats()
	assert.GreaterOrEqual(t, enq, uint64(3))
}

func TestRunDropsWhenQueueFull(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, []Job{testJob("aed", false, every(10*time.Millisecond))})

	require.Eventually(t, func() bool {
		_, dropped := s.Stats()
		return dropped >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, ch, 1)
}

func TestRunOnStart(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch, RunOnStart: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, []Job{testJob("aed", false, every(time.Hour))})

	j := recv(t, ch)
	assert.Equal(t, "aed", j.Name())
}

func TestNextRunAndReload(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch, Now: func() time.Time { return now }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, []Job{testJob("aed", false, every(time.Hour), never{})})

	require.Eventually(t, func() bool {
		n, ok := s.NextRun("aed")
		return ok && n.Equal(now.Add(time.Hour))
	}, time.Second, 5*time.Millisecond)

	s.Reload([]Job{testJob("other", false, every(2*time.Hour))})
	require.Eventually(t, func() bool {
		_, old := s.NextRun("aed")
		n, ok := s.NextRun("other")
		return !old && ok && n.Equal(now.Add(2*time.Hour))
	}, time.Second, 5*time.Millisecond)

	_, err := s.Lookup("aed")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	j, err := s.Lookup("other")
	require.NoError(t, err)
	assert.Equal(t, "other", j.Name())
	j, err = s.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "other", j.Name())
}

func TestReloadBeforeRun(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch})

	s.Reload([]Job{testJob("aed", true, every(20*time.Millisecond))})
	require.NoError(t, s.Dispatch(mustLookup(t, s, "")))
	<-ch

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	j := recv(t, ch)
	assert.Equal(t, "aed", j.Name())
	assert.Equal(t, runner.TriggerSchedule, j.Trigger)
}

func mustLookup(t *testing.T, s *Scheduler, name string) Job {
	t.Helper()
	j, err := s.Lookup(name)
	require.NoError(t, err)
	return j
}

func TestDispatchOnlyWorkflowNeverFires(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s.Run(ctx, []Job{testJob("manual", true)})
	assert.Empty(t, ch)
	_, ok := s.NextRun("manual")
	assert.False(t, ok)
}

func TestDispatch(t *testing.T) {
	ch := make(chan Job, 1)
	s := NewScheduler(Options{JobCh: ch})

	assert.ErrorIs(t, s.Dispatch(testJob("cron-only", false, every(time.Hour))), ErrDispatchDisabled)

	require.NoError(t, s.Dispatch(testJob("aed", true)))
	assert.ErrorIs(t, s.Dispatch(testJob("aed", true)), ErrQueueFull)

	j := <-ch
	assert.Equal(t, runner.TriggerDispatch, j.Trigger)

	enq, dropped := s.Stats()
	assert.Equal(t, uint64(1), enq)
	assert.Equal(t, uint64(1), dropped)
}

type fakeExecutor struct {
	mu    sync.Mutex
	seen  []runner.Trigger
	block chan struct{}
}

func (f *fakeExecutor) Run(_ context.Context, wf *workflow.Workflow, trigger runner.Trigger) runner.Result {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.seen = append(f.seen, trigger)
	f.mu.Unlock()
	return runner.Result{ID: string(trigger), Workflow: wf.Name, Trigger: trigger, Status: runner.StatusSucceeded}
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []runner.Result
	err  error
}

func (f *fakeRecorder) Record(_ context.Context, r runner.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
	return f.err
}

func (f *fakeRecorder) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func TestWorkerRunsJobsAndRecords(t *testing.T) {
	jobs := make(chan Job, 2)
	ex := &fakeExecutor{}
	c := cache.NewMemCache()
	rec := &fakeRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		StartWorker(ctx, 1, jobs, ex, c, rec)
		close(done)
	}()

	j := testJob("aed", true)
	j.Trigger = runner.TriggerSchedule
	jobs <- j
	j.Trigger = runner.TriggerDispatch
	jobs <- j

	require.Eventually(t, func() bool { return rec.len() == 2 }, 2*time.Second, 5*time.Millisecond)

	e := c.Snapshot()["aed"]
	assert.Equal(t, "dispatch", e.Last.ID)
	assert.Equal(t, uint64(2), e.Counts[runner.StatusSucceeded])

	close(jobs)
	<-done
}

func TestWorkerMarksRunning(t *testing.T) {
	jobs := make(chan Job, 1)
	ex := &fakeExecutor{block: make(chan struct{})}
	c := cache.NewMemCache()
	rec := &fakeRecorder{err: errors.New("disk full")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go StartWorker(ctx, 1, jobs, ex, c, rec)

	jobs <- testJob("aed", true)
	require.Eventually(t, func() bool { return c.Snapshot()["aed"].Running }, time.Second, 5*time.Millisecond)

	close(ex.block)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Snapshot()["aed"].Running)
}
