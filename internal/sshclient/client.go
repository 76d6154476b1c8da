package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target is the remote host a run executes on.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
}

type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if cfg.KnownHostsFile == "" && !cfg.InsecureSkipHostKey {
		return nil, fmt.Errorf("ssh: no known_hosts file configured (set SSH_KNOWN_HOSTS or SSH_INSECURE_SKIP_HOST_KEY=true)")
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.cfg.KnownHostsFile != "" {
		return knownhosts.New(c.cfg.KnownHostsFile)
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// RunScript feeds script to `sh -s` on the target, streaming combined output
// to out. The script travels over stdin so nothing in it (including
// exported secrets) shows up in the remote process list.
func (c *Client) RunScript(ctx context.Context, t Target, script string, out io.Writer) (int, error) {
	if t.User == "" {
		return -1, fmt.Errorf("ssh user is empty")
	}
	if t.Password == "" {
		return -1, fmt.Errorf("ssh password is empty")
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	hk, err := c.hostKeyCallback()
	if err != nil {
		return -1, fmt.Errorf("ssh host keys: %w", err)
	}

	password := t.Password
	sshCfg := &ssh.ClientConfig{
		User:            t.User,
		HostKeyCallback: hk,
		Timeout:         c.cfg.Timeout,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	// Deadline covers the handshake only; the script may run for as long
	// as ctx allows.
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return -1, err
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(cconn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	sess.Stdin = strings.NewReader(script)
	sess.Stdout = out
	sess.Stderr = out

	done := make(chan error, 1)
	go func() {
		done <- sess.Run("sh -s")
	}()

	select {
	case <-ctx.Done():
		// Best-effort terminate session.
		_ = sess.Signal(ssh.SIGKILL)
		return -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}
