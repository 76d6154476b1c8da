package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after cancellation.
const waitDelay = 2 * time.Second

// Command is one process invocation inside a run.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is appended to the inherited environment after Unset is applied.
	Env   []string
	Unset []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Commander executes a Command and reports its exit code. err is only set
// when the process could not be started or was interrupted; a process that
// ran and exited non-zero returns (code, nil).
type Commander interface {
	Run(ctx context.Context, cmd Command, out io.Writer) (int, error)
}

// LocalCommander runs commands on this host.
type LocalCommander struct{}

func (LocalCommander) Run(ctx context.Context, c Command, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(scrubEnv(os.Environ(), c.Unset), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out

	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	// a descendant that escaped the group may still hold the output pipes
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	runErr := cmd.Wait()
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, runErr
	}
	return 0, nil
}

func scrubEnv(env []string, unset []string) []string {
	if len(unset) == 0 {
		return env
	}
	drop := make(map[string]struct{}, len(unset))
	for _, k := range unset {
		drop[k] = struct{}{}
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}
