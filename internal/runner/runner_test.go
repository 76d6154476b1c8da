package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tastythames/aedwt-runner/internal/secrets"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

type call struct {
	Command
	env map[string]string
}

// fakeCommander records commands and simulates the inherited environment.
type fakeCommander struct {
	mu      sync.Mutex
	calls   []call
	baseEnv []string
	results func(Command) (int, string, error)
}

func (f *fakeCommander) Run(_ context.Context, c Command, out io.Writer) (int, error) {
	env := map[string]string{}
	for _, kv := range append(scrubEnv(f.baseEnv, c.Unset), c.Env...) {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{Command: c, env: env})
	f.mu.Unlock()

	if f.results != nil {
		code, output, err := f.results(c)
		_, _ = io.WriteString(out, output)
		return code, err
	}
	if c.Name == systemPython && len(c.Args) == 1 && c.Args[0] == "--version" {
		_, _ = io.WriteString(out, "Python 3.11.4\n")
	}
	return 0, nil
}

func (f *fakeCommander) names() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

const aedWorkflow = `
name: aed
on:
  schedule:
    - cron: "*/8 * * * *"
  workflow_dispatch: {}
checkout:
  path: repo
runtime:
  version: "3.x"
dependencies: [requests, pytz, huggingface_hub]
script: aed_wait_time_scraper.py
env:
  HF_TOKEN: ${{ secrets.HF_TOKEN }}
secrets:
  HF_TOKEN: {env: HF_TOKEN}
`

func newTestRunner(t *testing.T, fc *fakeCommander, lookup map[string]string) *Runner {
	t.Helper()
	return &Runner{
		Commander: fc,
		WorkDir:   "/work",
		Secrets: &secrets.Resolver{LookupEnv: func(k string) (string, bool) {
			v, ok := lookup[k]
			return v, ok
		}},
	}
}

func parse(t *testing.T, doc string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	return wf
}

func TestRunOrderAndSecretScope(t *testing.T) {
	fc := &fakeCommander{baseEnv: []string{"PATH=/usr/bin", "HF_TOKEN=hf_process"}}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "hf_process"})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, TriggerSchedule, res.Trigger)
	assert.NotEmpty(t, res.ID)

	assert.Equal(t, []string{
		"test -d /work/repo",
		"python3 --version",
		"python3 -m venv --clear /work/repo/.venv",
		"/work/repo/.venv/bin/python -m pip install --disable-pip-version-check requests pytz huggingface_hub",
		"/work/repo/.venv/bin/python aed_wait_time_scraper.py",
	}, fc.names())

	var stepNames []string
	for _, s := range res.Steps {
		stepNames = append(stepNames, s.Name)
	}
	assert.Equal(t, []string{StepCheckout, StepSetupRuntime, StepInstall, StepRunScript}, stepNames)

	last := len(fc.calls) - 1
	for i, c := range fc.calls {
		token, present := c.env["HF_TOKEN"]
		if i == last {
			assert.True(t, present, "script must see the secret")
			assert.Equal(t, "hf_process", token)
			assert.Equal(t, "/work/repo", c.Dir)
			continue
		}
		assert.False(t, present, "step %q must not see the secret", c.String())
		assert.Equal(t, "/usr/bin", c.env["PATH"])
	}
}

func TestInstallRequestsExactlyDeclaredPackages(t *testing.T) {
	fc := &fakeCommander{}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerDispatch)
	require.Equal(t, StatusSucceeded, res.Status)

	var installs []Command
	for _, c := range fc.calls {
		if len(c.Args) > 2 && c.Args[1] == "pip" {
			installs = append(installs, c.Command)
		}
	}
	require.Len(t, installs, 1)

	var pkgs []string
	for _, a := range installs[0].Args[3:] {
		if !strings.HasPrefix(a, "-") {
			pkgs = append(pkgs, a)
		}
	}
	assert.ElementsMatch(t, []string{"requests", "pytz", "huggingface_hub"}, pkgs)
}

func TestFailedInstallStopsBeforeScript(t *testing.T) {
	fc := &fakeCommander{}
	fc.results = func(c Command) (int, string, error) {
		if c.Name == systemPython && c.Args[0] == "--version" {
			return 0, "Python 3.12.1", nil
		}
		if len(c.Args) > 1 && c.Args[1] == "pip" {
			return 1, "ERROR: No matching distribution found", nil
		}
		return 0, "", nil
	}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, errors.Is(res.Err, ErrStepFailed))
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StepInstall, res.Steps[2].Name)
	assert.Equal(t, 1, res.Steps[2].ExitCode)
	assert.Contains(t, res.Steps[2].OutputTail, "No matching distribution")

	for _, c := range fc.calls {
		assert.NotContains(t, c.Args, "aed_wait_time_scraper.py")
	}
}

func TestScriptExitCodeIsRunOutcome(t *testing.T) {
	fc := &fakeCommander{}
	fc.results = func(c Command) (int, string, error) {
		if c.Name == systemPython {
			return 0, "Python 3.11.0", nil
		}
		if len(c.Args) == 1 && c.Args[0] == "aed_wait_time_scraper.py" {
			return 3, "Failed to fetch data: 503 token=" + c.Env[0], nil
		}
		return 0, "", nil
	}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "hf_leak"})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)

	script := res.Steps[len(res.Steps)-1]
	assert.Equal(t, StepRunScript, script.Name)
	assert.NotContains(t, script.OutputTail, "hf_leak")
	assert.Contains(t, script.OutputTail, "HF_TOKEN=***")
}

func TestMissingSecretFailsBeforeScript(t *testing.T) {
	fc := &fakeCommander{}
	r := newTestRunner(t, fc, map[string]string{})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, secrets.ErrMissingSecret)

	for _, c := range fc.calls {
		assert.NotContains(t, c.Args, "aed_wait_time_scraper.py")
	}
	// setup still ran to completion before secrets were looked up
	assert.Len(t, res.Steps, 4)
}

func TestRuntimeVersionConstraint(t *testing.T) {
	fc := &fakeCommander{}
	fc.results = func(c Command) (int, string, error) {
		if c.Name == systemPython {
			return 0, "Python 2.7.18", nil
		}
		return 0, "", nil
	}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.ErrorIs(t, res.Err, ErrRuntimeVersion)
	assert.Len(t, res.Steps, 2)
}

func TestCheckoutClonesThenUpdates(t *testing.T) {
	doc := strings.Replace(aedWorkflow, "  path: repo\n", "  path: repo\n  repository: https://example.com/aed.git\n", 1)

	fresh := &fakeCommander{}
	fresh.results = func(c Command) (int, string, error) {
		if c.Name == "test" {
			return 1, "", nil
		}
		if c.Name == systemPython {
			return 0, "Python 3.11.2", nil
		}
		return 0, "", nil
	}
	res := newTestRunner(t, fresh, map[string]string{"HF_TOKEN": "t"}).Run(context.Background(), parse(t, doc), TriggerSchedule)
	require.Equal(t, StatusSucceeded, res.Status)
	assert.Contains(t, fresh.names(), "git clone --depth 1 --branch main https://example.com/aed.git /work/repo")

	existing := &fakeCommander{}
	res = newTestRunner(t, existing, map[string]string{"HF_TOKEN": "t"}).Run(context.Background(), parse(t, doc), TriggerSchedule)
	require.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, []string{
		"test -d /work/repo/.git",
		"git -C /work/repo fetch --depth 1 origin main",
		"git -C /work/repo reset --hard FETCH_HEAD",
		"git -C /work/repo clean -ffdx",
	}, existing.names()[:4])
}

func TestNativeCommandSkipsRuntime(t *testing.T) {
	fc := &fakeCommander{}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})

	wf := parse(t, `
name: native
on: [workflow_dispatch]
runtime: {language: none}
command: [aedwt-runner, scrape, --mode, CHECK]
env:
  HF_TOKEN: ${{ secrets.HF_TOKEN }}
secrets:
  HF_TOKEN: {env: HF_TOKEN}
`)
	res := r.Run(context.Background(), wf, TriggerDispatch)
	require.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, []string{"test -d /work/workspace", "aedwt-runner scrape --mode CHECK"}, fc.names())
}

func TestLockSkipsOverlappingRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	held := NewLock(path)
	release, err := held.Acquire()
	require.NoError(t, err)

	fc := &fakeCommander{}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})
	r.Lock = NewLock(path)

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.ErrorIs(t, res.Err, ErrAlreadyRunning)
	assert.Empty(t, fc.calls)

	release()
	res = r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	for i := 0; i < outputTail; i++ {
		fmt.Fprint(&tb, "x")
	}
	fmt.Fprint(&tb, "END")
	assert.Len(t, tb.String(), outputTail)
	assert.True(t, strings.HasSuffix(tb.String(), "END"))
}

func TestTailBufferMasksSecretCutAtFront(t *testing.T) {
	m := secrets.NewMasker(map[string]string{"HF_TOKEN": "hf_abcdef"})

	tb := tailBuffer{slack: m.MaxLen()}
	fmt.Fprint(&tb, "hf_abcdef"+strings.Repeat("x", outputTail+4))
	got := tb.Masked(m)
	assert.NotContains(t, got, "cdef")
	assert.Len(t, got, outputTail)

	tb = tailBuffer{slack: m.MaxLen()}
	fmt.Fprint(&tb, "zzz"+"hf_abcdef"+strings.Repeat("x", outputTail))
	got = tb.Masked(m)
	assert.NotContains(t, got, "hf_")
	assert.NotContains(t, got, "def")
}

func TestLockErrorFailsRun(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(parent, []byte("not a dir"), 0644))

	fc := &fakeCommander{}
	r := newTestRunner(t, fc, map[string]string{"HF_TOKEN": "t"})
	r.Lock = NewLock(filepath.Join(parent, "run.lock"))

	res := r.Run(context.Background(), parse(t, aedWorkflow), TriggerSchedule)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotErrorIs(t, res.Err, ErrAlreadyRunning)
	assert.Empty(t, fc.calls)
}

func TestCheckoutPathStaysInWorkDir(t *testing.T) {
	for _, path := range []string{"/", "../.."} {
		doc := strings.Replace(aedWorkflow, "  path: repo\n", "  path: "+path+"\n  repository: https://example.com/aed.git\n", 1)
		_, err := workflow.Parse([]byte(doc))
		assert.Error(t, err, path)
	}
}
