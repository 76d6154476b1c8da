package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tastythames/aedwt-runner/internal/config"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/runner"
	"github.com/tastythames/aedwt-runner/internal/secrets"
	"github.com/tastythames/aedwt-runner/internal/sshclient"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

// app holds what every command shares.
type app struct {
	configPath   string
	workflowPath string
	debug        bool

	cfg *config.AppConfig
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	if a.workflowPath != "" {
		cfg.WorkflowFile = a.workflowPath
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.debug {
		level = "debug"
	}
	logging.L.SetLevel(level)

	return logging.L.SetFileOutput(logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

func (a *app) loadWorkflow() (*workflow.Workflow, error) {
	wf, err := workflow.Load(a.cfg.WorkflowFile)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", a.cfg.WorkflowFile, err)
	}
	return wf, nil
}

func (a *app) newExecutor() (*executor, error) {
	box, err := secrets.LoadOrCreateKey(a.cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("load secret key: %w", err)
	}
	return &executor{
		workDir: a.cfg.WorkDir,
		lock:    runner.NewLock(a.cfg.LockPath()),
		secrets: &secrets.Resolver{Box: box, LookupEnv: os.LookupEnv},
		ssh:     sshclient.LoadConfig(),
	}, nil
}

// executor picks the commander each workflow asks for, so a reloaded
// workflow may switch between local and ssh.
type executor struct {
	workDir string
	lock    *runner.Lock
	secrets *secrets.Resolver
	ssh     sshclient.Config
}

func (e *executor) Run(ctx context.Context, wf *workflow.Workflow, trigger runner.Trigger) runner.Result {
	var cmdr runner.Commander = runner.LocalCommander{}
	if wf.RunsOn == workflow.RunsOnSSH {
		sc, err := runner.NewSSHCommander(wf, e.ssh)
		if err != nil {
			now := time.Now()
			logging.L.Error(err).WithMessage("ssh commander").WithWorkflow(wf.Name).Write()
			return runner.Result{
				ID:         uuid.NewString(),
				Workflow:   wf.Name,
				Trigger:    trigger,
				Status:     runner.StatusFailed,
				ExitCode:   -1,
				Error:      err.Error(),
				Err:        err,
				StartedAt:  now,
				FinishedAt: now,
			}
		}
		cmdr = sc
	}

	r := &runner.Runner{
		Commander: cmdr,
		Secrets:   e.secrets,
		Lock:      e.lock,
		WorkDir:   e.workDir,
	}
	return r.Run(ctx, wf, trigger)
}
