package runner

import (
	"time"

	"github.com/tastythames/aedwt-runner/internal/secrets"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerDispatch Trigger = "dispatch"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

const (
	StepCheckout     = "checkout"
	StepSetupRuntime = "setup-runtime"
	StepInstall      = "install-dependencies"
	StepRunScript    = "run-script"
)

// outputTail bounds the captured output kept per step.
const outputTail = 4096

type StepResult struct {
	Name       string        `json:"name"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	OutputTail string        `json:"output_tail,omitempty"`
}

type Result struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Trigger    Trigger      `json:"trigger"`
	Status     Status       `json:"status"`
	ExitCode   int          `json:"exit_code"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepResult `json:"steps"`

	Err error `json:"-"`
}

func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// tailBuffer keeps the last outputTail bytes written to it, plus slack
// bytes so a secret cut at the front can be dropped rather than half-shown.
type tailBuffer struct {
	buf       []byte
	slack     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if limit := outputTail + t.slack; len(t.buf) > limit {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-limit:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Masked masks the retained output before cutting it to outputTail.
func (t *tailBuffer) Masked(m *secrets.Masker) string {
	s := m.Mask(string(t.buf))
	if t.truncated {
		s = s[min(t.slack, len(s)):]
	}
	if len(s) > outputTail {
		s = s[len(s)-outputTail:]
	}
	return s
}
