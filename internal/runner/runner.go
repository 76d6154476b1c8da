// Package runner executes a workflow: it prepares the environment, then
// runs the configured script once and reports its exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Masterminds/semver"
	"github.com/google/uuid"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/secrets"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

var (
	ErrStepFailed     = errors.New("step failed")
	ErrRuntimeVersion = errors.New("runtime version does not satisfy constraint")
)

const systemPython = "python3"

// Runner executes one workflow run at a time through Commander.
type Runner struct {
	Commander Commander
	Secrets   *secrets.Resolver
	Lock      *Lock
	WorkDir   string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Plan is the ordered list of steps a run executes.
type Plan struct {
	Workflow *workflow.Workflow
	Dir      string
	Steps    []string
}

func BuildPlan(wf *workflow.Workflow, workDir string) Plan {
	dir := filepath.Join(workDir, wf.Checkout.Path)

	steps := []string{StepCheckout}
	if wf.Runtime.Language != workflow.LanguageNone {
		steps = append(steps, StepSetupRuntime, StepInstall)
	}
	steps = append(steps, StepRunScript)

	return Plan{Workflow: wf, Dir: dir, Steps: steps}
}

// execution carries state between the steps of one run.
type execution struct {
	plan   Plan
	python string
	unset  []string
	masker *secrets.Masker
	out    *tailBuffer
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes wf once. Steps run strictly in plan order and the first
// failing step ends the run.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, trigger Trigger) Result {
	res := Result{
		ID:        uuid.NewString(),
		Workflow:  wf.Name,
		Trigger:   trigger,
		StartedAt: r.now(),
		ExitCode:  -1,
	}

	release, err := r.Lock.Acquire()
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		res.FinishedAt = r.now()
		if errors.Is(err, ErrAlreadyRunning) {
			res.Status = StatusSkipped
			logging.L.Warn().WithMessage("run skipped").WithWorkflow(wf.Name).WithRun(res.ID).WithField("reason", err.Error()).Write()
			return res
		}
		res.Status = StatusFailed
		logging.L.Error(err).WithMessage("run lock").WithWorkflow(wf.Name).WithRun(res.ID).Write()
		return res
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, wf.TimeoutDuration())
	defer cancel()

	plan := BuildPlan(wf, r.WorkDir)
	ex := &execution{
		plan:   plan,
		python: systemPython,
		unset:  secrets.SourceEnvNames(wf),
	}

	logging.L.Info().WithMessage("run started").WithWorkflow(wf.Name).WithRun(res.ID).
		WithField("trigger", string(trigger)).Write()

	for _, name := range plan.Steps {
		step, err := r.runStep(ctx, ex, name)
		res.Steps = append(res.Steps, step)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
			res.Status = StatusFailed
			if name == StepRunScript {
				res.ExitCode = step.ExitCode
			}
			res.FinishedAt = r.now()
			logging.L.Error(err).WithMessage("run failed").WithWorkflow(wf.Name).WithRun(res.ID).
				WithField("step", name).WithField("exit_code", step.ExitCode).Write()
			return res
		}
	}

	res.Status = StatusSucceeded
	res.ExitCode = 0
	res.FinishedAt = r.now()
	logging.L.Info().WithMessage("run succeeded").WithWorkflow(wf.Name).WithRun(res.ID).
		WithField("duration", res.Duration().String()).Write()
	return res
}

func (r *Runner) runStep(ctx context.Context, ex *execution, name string) (StepResult, error) {
	start := r.now()
	ex.out = &tailBuffer{}
	step := StepResult{Name: name}

	var (
		code int
		err  error
	)
	switch name {
	case StepCheckout:
		code, err = r.checkout(ctx, ex)
	case StepSetupRuntime:
		code, err = r.setupRuntime(ctx, ex)
	case StepInstall:
		if len(ex.plan.Workflow.Dependencies) == 0 {
			step.Skipped = true
			break
		}
		code, err = r.installDependencies(ctx, ex)
	case StepRunScript:
		code, err = r.runScript(ctx, ex)
	default:
		err = fmt.Errorf("unknown step %q", name)
	}

	step.ExitCode = code
	step.Duration = r.now().Sub(start)
	step.OutputTail = ex.out.Masked(ex.masker)
	if err == nil && code != 0 {
		err = fmt.Errorf("%w: %s exited with code %d", ErrStepFailed, name, code)
	}
	if err != nil {
		if step.ExitCode == 0 {
			step.ExitCode = -1
		}
		step.Error = ex.masker.Mask(err.Error())
		return step, err
	}

	logging.L.Debug().WithMessage("step finished").WithWorkflow(ex.plan.Workflow.Name).
		WithField("step", name).WithField("duration", step.Duration.String()).Write()
	return step, nil
}

// exec runs c with the secret env names scrubbed and stops at the first
// non-zero exit.
func (r *Runner) exec(ctx context.Context, ex *execution, c Command) (int, error) {
	if c.Unset == nil {
		c.Unset = ex.unset
	}
	fmt.Fprintf(ex.out, "$ %s\n", c.String())
	return r.Commander.Run(ctx, c, ex.out)
}

func (r *Runner) sequence(ctx context.Context, ex *execution, cmds ...Command) (int, error) {
	for _, c := range cmds {
		code, err := r.exec(ctx, ex, c)
		if err != nil || code != 0 {
			return code, err
		}
	}
	return 0, nil
}

func (r *Runner) checkout(ctx context.Context, ex *execution) (int, error) {
	co := ex.plan.Workflow.Checkout
	dir := ex.plan.Dir

	if co.Repository == "" {
		return r.exec(ctx, ex, Command{Name: "test", Args: []string{"-d", dir}})
	}

	probe, err := r.exec(ctx, ex, Command{Name: "test", Args: []string{"-d", filepath.Join(dir, ".git")}})
	if err != nil {
		return probe, err
	}
	if probe == 0 {
		return r.sequence(ctx, ex,
			Command{Name: "git", Args: []string{"-C", dir, "fetch", "--depth", "1", "origin", co.Ref}},
			Command{Name: "git", Args: []string{"-C", dir, "reset", "--hard", "FETCH_HEAD"}},
			Command{Name: "git", Args: []string{"-C", dir, "clean", "-ffdx"}},
		)
	}
	return r.sequence(ctx, ex,
		Command{Name: "rm", Args: []string{"-rf", dir}},
		Command{Name: "mkdir", Args: []string{"-p", filepath.Dir(dir)}},
		Command{Name: "git", Args: []string{"clone", "--depth", "1", "--branch", co.Ref, co.Repository, dir}},
	)
}

var pythonVersion = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

func (r *Runner) setupRuntime(ctx context.Context, ex *execution) (int, error) {
	var version tailBuffer
	code, err := r.Commander.Run(ctx, Command{Name: systemPython, Args: []string{"--version"}, Unset: ex.unset}, &version)
	fmt.Fprintf(ex.out, "$ %s --version\n%s", systemPython, version.String())
	if err != nil || code != 0 {
		return code, err
	}

	if constraint := ex.plan.Workflow.Runtime.Version; constraint != "" {
		if err := checkVersion(version.String(), constraint); err != nil {
			return -1, err
		}
	}

	venv := filepath.Join(ex.plan.Dir, ".venv")
	code, err = r.exec(ctx, ex, Command{Name: systemPython, Args: []string{"-m", "venv", "--clear", venv}})
	if err != nil || code != 0 {
		return code, err
	}
	ex.python = filepath.Join(venv, "bin", "python")
	return 0, nil
}

func checkVersion(output, constraint string) error {
	m := pythonVersion.FindString(output)
	if m == "" {
		return fmt.Errorf("%w: cannot read version from %q", ErrRuntimeVersion, output)
	}
	v, err := semver.NewVersion(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeVersion, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("runtime version constraint %q: %w", constraint, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not match %s", ErrRuntimeVersion, v, constraint)
	}
	return nil
}

func (r *Runner) installDependencies(ctx context.Context, ex *execution) (int, error) {
	args := []string{"-m", "pip", "install", "--disable-pip-version-check"}
	args = append(args, ex.plan.Workflow.Dependencies...)
	return r.exec(ctx, ex, Command{Name: ex.python, Args: args, Dir: ex.plan.Dir})
}

// runScript resolves secrets only now, after setup has completed, so no
// earlier step can observe them.
func (r *Runner) runScript(ctx context.Context, ex *execution) (int, error) {
	wf := ex.plan.Workflow

	resolver := r.Secrets
	if resolver == nil {
		resolver = &secrets.Resolver{}
	}
	values, err := resolver.Resolve(wf)
	if err != nil {
		return -1, err
	}
	ex.masker = secrets.NewMasker(values)
	ex.out.slack = ex.masker.MaxLen()

	env, err := wf.ExpandEnv(values)
	if err != nil {
		return -1, err
	}

	c := Command{Dir: ex.plan.Dir, Env: env}
	if len(wf.Command) > 0 {
		c.Name, c.Args = wf.Command[0], wf.Command[1:]
	} else {
		c.Name, c.Args = ex.python, []string{wf.Script}
	}
	return r.exec(ctx, ex, c)
}
