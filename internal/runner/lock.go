package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("a run is still in progress; only one instance allowed")

// Lock keeps two runner processes (the daemon and a manual `run`) from
// executing the same workflow at once.
type Lock struct {
	path string
}

func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire returns a release func, or ErrAlreadyRunning when another holder
// exists.
func (l *Lock) Acquire() (func(), error) {
	if l == nil || l.path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return func() { _ = fl.Unlock() }, nil
}
