package scheduler

import (
	"context"
	"time"

	"github.com/tastythames/aedwt-runner/internal/cache"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

// Executor runs a workflow once. *runner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, wf *workflow.Workflow, trigger runner.Trigger) runner.Result
}

// Recorder persists finished runs. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, r runner.Result) error
}

const recordTimeout = 5 * time.Second

// StartWorker consumes jobs until ctx is done or the channel is closed.
// rec may be nil.
func StartWorker(ctx context.Context, id int, jobs <-chan Job, ex Executor, c cache.Cache, rec Recorder) {
	logging.L.Info().WithMessage("worker started").WithField("worker", id).Write()
	defer logging.L.Info().WithMessage("worker stopped").WithField("worker", id).Write()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			runJob(ctx, id, job, ex, c, rec)
		}
	}
}

func runJob(ctx context.Context, id int, job Job, ex Executor, c cache.Cache, rec Recorder) {
	name := job.Name()
	c.Start(name)
	res := ex.Run(ctx, job.Workflow, job.Trigger)
	c.Set(name, res)

	if rec == nil {
		return
	}

	// Record even when shutdown interrupted the run.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := rec.Record(rctx, res); err != nil {
		logging.L.Error(err).WithMessage("failed to record run").
			WithWorkflow(name).WithRun(res.ID).WithField("worker", id).Write()
	}
}
