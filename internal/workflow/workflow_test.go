package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
name: aed
on:
  schedule:
    - cron: "*/8 * * * *"
  workflow_dispatch: {}
dependencies: [requests, pytz, huggingface_hub]
script: aed_wait_time_scraper.py
env:
  HF_TOKEN: ${{ secrets.HF_TOKEN }}
  MODE: NORMAL
secrets:
  HF_TOKEN:
    env: HF_TOKEN
`

func TestLoadExample(t *testing.T) {
	wf, err := Load(filepath.Join("..", "..", "deploy", "workflow.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "aed-wait-time-scraper", wf.Name)
	require.Len(t, wf.On.Schedule, 1)
	assert.Equal(t, "*/8 * * * *", wf.On.Schedule[0].Cron)
	assert.True(t, wf.On.Dispatch)
	assert.Equal(t, []string{"requests", "pytz", "huggingface_hub"}, wf.Dependencies)
	assert.Equal(t, []string{"HF_TOKEN"}, wf.SecretRefs())
	assert.Equal(t, 10*time.Minute, wf.TimeoutDuration())
}

func TestLoadNativeExample(t *testing.T) {
	wf, err := Load(filepath.Join("..", "..", "deploy", "workflow.native.yaml"))
	require.NoError(t, err)

	// null workflow_dispatch value still enables manual runs
	assert.True(t, wf.On.Dispatch)
	assert.Equal(t, LanguageNone, wf.Runtime.Language)
	assert.Equal(t, "/etc/aedwt-runner/hf_token", wf.Secrets["HF_TOKEN"].File)
}

func TestDefaults(t *testing.T) {
	wf, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, RunsOnLocal, wf.RunsOn)
	assert.Equal(t, LanguagePython, wf.Runtime.Language)
	assert.Equal(t, "main", wf.Checkout.Ref)
	assert.Equal(t, "workspace", wf.Checkout.Path)
	assert.Equal(t, DefaultTimeout, wf.TimeoutDuration())
}

func TestDispatchOnly(t *testing.T) {
	wf, err := Parse([]byte(`
name: manual
on: [workflow_dispatch]
script: run.py
`))
	require.NoError(t, err)
	assert.True(t, wf.On.Dispatch)
	assert.Empty(t, wf.On.Schedule)

	scheds, err := wf.Schedules()
	require.NoError(t, err)
	assert.Empty(t, scheds)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(string) string
		want string
	}{
		{"no name", func(s string) string { return strings.Replace(s, "name: aed", "name: ''", 1) }, "name is required"},
		{"bad cron", func(s string) string { return strings.Replace(s, "*/8 * * * *", "*/8 * *", 1) }, "parse cron"},
		{"script and command", func(s string) string { return s + "command: [echo]\n" }, "exactly one of script or command"},
		{"undeclared secret", func(s string) string { return strings.Replace(s, "secrets.HF_TOKEN", "secrets.OTHER", 1) }, "undeclared secret"},
		{"bad runs-on", func(s string) string { return s + "runs-on: docker\n" }, "unsupported runs-on"},
		{"bad language", func(s string) string { return s + "runtime: {language: ruby}\n" }, "unsupported runtime"},
		{"ssh without host", func(s string) string { return s + "runs-on: ssh\n" }, "ssh.host"},
		{"bad timeout", func(s string) string { return s + "timeout: forever\n" }, "timeout"},
		{"flag as dependency", func(s string) string {
			return strings.Replace(s, "[requests, pytz, huggingface_hub]", "[requests, --pre]", 1)
		}, "invalid dependency"},
		{"absolute checkout path", func(s string) string { return s + "checkout: {path: /}\n" }, "must be relative"},
		{"checkout path escapes", func(s string) string {
			return s + "checkout: {repository: https://example.com/aed.git, path: ../..}\n"
		}, "escapes the work directory"},
		{"clone over work dir", func(s string) string {
			return s + "checkout: {repository: https://example.com/aed.git, path: ./}\n"
		}, "would replace the work directory"},
		{"env name with shell syntax", func(s string) string {
			return strings.Replace(s, "  MODE: NORMAL\n", "  \"MODE;rm -rf ~\": NORMAL\n", 1)
		}, "invalid env name"},
		{"secret env with shell syntax", func(s string) string {
			return strings.Replace(s, "    env: HF_TOKEN\n", "    env: \"HF_TOKEN $(id)\"\n", 1)
		}, "invalid env name"},
		{"secret with two sources", func(s string) string {
			return strings.Replace(s, "    env: HF_TOKEN\n", "    env: HF_TOKEN\n    file: /tmp/t\n", 1)
		}, "exactly one of env, file or sealed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.edit(minimal)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNoTrigger(t *testing.T) {
	_, err := Parse([]byte("name: x\nscript: a.py\n"))
	assert.ErrorContains(t, err, "no trigger")
}

func TestExpandEnv(t *testing.T) {
	wf, err := Parse([]byte(minimal))
	require.NoError(t, err)

	env, err := wf.ExpandEnv(map[string]string{"HF_TOKEN": "hf_secret"})
	require.NoError(t, err)
	assert.Equal(t, []string{"HF_TOKEN=hf_secret", "MODE=NORMAL"}, env)
	assert.Equal(t, []string{"HF_TOKEN"}, wf.SecretEnvNames())

	_, err = wf.ExpandEnv(map[string]string{})
	assert.True(t, errors.Is(err, ErrUndeclaredSecret))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Workflow, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(wf *Workflow) { got <- wf }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	// an invalid edit is ignored
	require.NoError(t, os.WriteFile(path, []byte("name: [broken"), 0644))
	time.Sleep(2 * reloadDebounce)

	updated := strings.Replace(minimal, "name: aed", "name: aed-v2", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	select {
	case wf := <-got:
		assert.Equal(t, "aed-v2", wf.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow was not reloaded")
	}

	cancel()
	require.NoError(t, <-done)
}
