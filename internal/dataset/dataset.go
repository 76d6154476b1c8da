// Package dataset stores scraped snapshots in a dataset repository.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tastythames/aedwt-runner/internal/config"
)

var ErrNotFound = errors.New("dataset: file not found")

// Store is a flat namespace of slash-separated file paths.
type Store interface {
	Put(ctx context.Context, path string, data []byte, message string) error
	// List returns every file path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// New builds the backend selected by cfg. lookupEnv resolves the
// credential env names in cfg.
func New(ctx context.Context, cfg config.DatasetConfig, lookupEnv func(string) (string, bool)) (Store, error) {
	get := func(name string) string {
		if name == "" {
			return ""
		}
		v, _ := lookupEnv(name)
		return v
	}

	switch cfg.Backend {
	case "hf":
		return NewHFStore(HFConfig{
			Endpoint: cfg.Endpoint,
			Repo:     cfg.Repo,
			Revision: cfg.Revision,
			Token:    get(cfg.TokenEnv),
		})
	case "s3":
		return NewObjectStore(ctx, ObjectStoreConfig{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			AccessKey: get(cfg.S3AccessKeyEnv),
			SecretKey: get(cfg.S3SecretKeyEnv),
		})
	case "fs":
		return NewFSStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("dataset: unknown backend %q", cfg.Backend)
	}
}

// cleanPath normalises p to a relative slash path and rejects escapes.
func cleanPath(p string) (string, error) {
	c := path.Clean("/" + strings.TrimSpace(p))
	c = strings.TrimPrefix(c, "/")
	if c == "" || c == "." {
		return "", fmt.Errorf("dataset: invalid path %q", p)
	}
	return c, nil
}

// cleanPrefix is cleanPath for list prefixes; the root is allowed.
func cleanPrefix(p string) string {
	c := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(p)), "/")
	if c == "." {
		return ""
	}
	return c
}

// under reports whether file lies below dir (or dir is the root).
func under(file, dir string) bool {
	return dir == "" || file == dir || strings.HasPrefix(file, dir+"/")
}
