package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

// Job is one workflow as seen by the scheduler.
type Job struct {
	Workflow  *workflow.Workflow
	Schedules []cron.Schedule
	Trigger   runner.Trigger
}

func NewJob(wf *workflow.Workflow) (Job, error) {
	scheds, err := wf.Schedules()
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", wf.Name, err)
	}
	return Job{Workflow: wf, Schedules: scheds}, nil
}

func (j Job) Name() string {
	if j.Workflow == nil {
		return ""
	}
	return j.Workflow.Name
}

func (j Job) Dispatchable() bool {
	return j.Workflow != nil && j.Workflow.On.Dispatch
}
