package sshclient

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresHostKeyPolicy(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{InsecureSkipHostKey: true})
	assert.NoError(t, err)
}

func TestRunScriptValidatesTarget(t *testing.T) {
	c, err := New(Config{InsecureSkipHostKey: true})
	require.NoError(t, err)

	_, err = c.RunScript(context.Background(), Target{Host: "127.0.0.1", Password: "x"}, "true", io.Discard)
	assert.ErrorContains(t, err, "user is empty")

	_, err = c.RunScript(context.Background(), Target{Host: "127.0.0.1", User: "root"}, "true", io.Discard)
	assert.ErrorContains(t, err, "password is empty")
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SSH_TIMEOUT_SECONDS", "3")
	t.Setenv("SSH_INSECURE_SKIP_HOST_KEY", "true")
	t.Setenv("SSH_KNOWN_HOSTS", "")

	cfg := LoadConfig()
	assert.Equal(t, "3s", cfg.Timeout.String())
	assert.True(t, cfg.InsecureSkipHostKey)
	assert.Empty(t, cfg.KnownHostsFile)
}
