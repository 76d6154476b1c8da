package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tastythames/aedwt-runner/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the workflow at path whenever it changes and hands every
// valid version to onChange. Invalid edits are logged and ignored so the
// last good workflow keeps running. Blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Workflow)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("workflow watcher: %w", err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			wf, err := Load(abs)
			if err != nil {
				logging.L.Error(err).WithMessage("workflow reload rejected").WithField("path", abs).Write()
				continue
			}
			logging.L.Info().WithMessage("workflow reloaded").WithWorkflow(wf.Name).Write()
			onChange(wf)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.L.Error(err).WithMessage("workflow watcher error").Write()
		}
	}
}
