package sshclient

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Timeout time.Duration

	// KnownHostsFile pins host keys. When empty, InsecureSkipHostKey must
	// be set explicitly to connect at all.
	KnownHostsFile      string
	InsecureSkipHostKey bool
}

func LoadConfig() Config {
	timeout := 10 * time.Second
	if v := os.Getenv("SSH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	insecure := false
	if v := os.Getenv("SSH_INSECURE_SKIP_HOST_KEY"); v != "" {
		insecure, _ = strconv.ParseBool(v)
	}

	return Config{
		Timeout:             timeout,
		KnownHostsFile:      os.Getenv("SSH_KNOWN_HOSTS"),
		InsecureSkipHostKey: insecure,
	}
}
