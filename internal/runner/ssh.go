package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tastythames/aedwt-runner/internal/sshclient"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

// SSHCommander runs every step of a workflow on one remote host.
type SSHCommander struct {
	Client *sshclient.Client
	Target sshclient.Target
}

// NewSSHCommander resolves the ssh password from the env var or file the
// workflow names.
func NewSSHCommander(wf *workflow.Workflow, cfg sshclient.Config) (*SSHCommander, error) {
	password, err := sshPassword(wf.SSH)
	if err != nil {
		return nil, err
	}
	cli, err := sshclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &SSHCommander{
		Client: cli,
		Target: sshclient.Target{
			Host:     wf.SSH.Host,
			Port:     wf.SSH.Port,
			User:     wf.SSH.User,
			Password: password,
		},
	}, nil
}

func sshPassword(c workflow.SSHConfig) (string, error) {
	if c.PasswordEnv != "" {
		if v := os.Getenv(c.PasswordEnv); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("empty env var: %s", c.PasswordEnv)
	}
	b, err := os.ReadFile(c.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("read ssh password file: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", fmt.Errorf("ssh password file %s is empty", c.PasswordFile)
	}
	return p, nil
}

func (s *SSHCommander) Run(ctx context.Context, c Command, out io.Writer) (int, error) {
	return s.Client.RunScript(ctx, s.Target, remoteScript(c), out)
}

// remoteScript renders c as a POSIX sh script.
func remoteScript(c Command) string {
	var b strings.Builder
	if c.Dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(c.Dir))
	}
	if len(c.Unset) > 0 {
		b.WriteString("unset")
		for _, k := range c.Unset {
			b.WriteString(" " + k)
		}
		b.WriteString("\n")
	}
	for _, kv := range c.Env {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	b.WriteString("exec " + shellQuote(c.Name))
	for _, a := range c.Args {
		b.WriteString(" " + shellQuote(a))
	}
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
