package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/api"
	"github.com/tastythames/aedwt-runner/internal/cache"
	"github.com/tastythames/aedwt-runner/internal/history"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/metrics"
	"github.com/tastythames/aedwt-runner/internal/scheduler"
	"github.com/tastythames/aedwt-runner/internal/workflow"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers and HTTP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
		memlimit.WithRefreshInterval(1*time.Minute),
	)

	wf, err := a.loadWorkflow()
	if err != nil {
		return err
	}
	job, err := scheduler.NewJob(wf)
	if err != nil {
		return err
	}
	ex, err := a.newExecutor()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	hist, err := history.Open(ctx, a.cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer hist.Close()

	logging.L.Info().WithMessage("config loaded").
		WithField("listen", a.cfg.Listen).
		WithField("workflow_file", a.cfg.WorkflowFile).
		WithField("state_dir", a.cfg.StateDir).
		Write()

	// cache + scheduler
	c := cache.NewMemCache()
	seedCache(ctx, c, hist, wf.Name)

	jobCh := make(chan scheduler.Job, a.cfg.QueueSize)
	sched := scheduler.NewScheduler(scheduler.Options{
		Jitter:     a.cfg.JitterDuration(),
		RunOnStart: a.cfg.RunOnStart,
		JobCh:      jobCh,
	})

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			scheduler.StartWorker(ctx, id, jobCh, ex, c, hist)
		}(i)
	}

	// installed before the HTTP server so an early dispatch finds the job
	sched.Reload([]scheduler.Job{job})
	go sched.Run(ctx, nil)

	go func() {
		err := workflow.Watch(ctx, a.cfg.WorkflowFile, func(wf *workflow.Workflow) {
			j, err := scheduler.NewJob(wf)
			if err != nil {
				logging.L.Error(err).WithMessage("workflow reload rejected").WithWorkflow(wf.Name).Write()
				return
			}
			seedCache(ctx, c, hist, wf.Name)
			sched.Reload([]scheduler.Job{j})
		})
		if err != nil {
			logging.L.Error(err).WithMessage("workflow watcher stopped").Write()
		}
	}()

	// HTTP
	reg := metrics.NewRegistry(metrics.NewCollector(c, sched))
	srv := &http.Server{
		Addr: a.cfg.Listen,
		Handler: api.New(api.Options{
			Metrics:           metrics.Handler(reg),
			Runs:              hist,
			Dispatcher:        sched,
			DispatchPerMinute: a.cfg.Dispatch.PerMinute,
			DispatchBurst:     a.cfg.Dispatch.Burst,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.L.Info().WithMessage("listening").WithField("addr", a.cfg.Listen).Write()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.L.Warn().WithMessage("sd_notify failed").WithField("error", err.Error()).Write()
	} else if ok {
		logging.L.Debug().WithMessage("notified systemd").Write()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var serveErr error
	select {
	case s := <-sig:
		logging.L.Info().WithMessage("shutdown...").WithField("signal", s.String()).Write()
	case serveErr = <-errCh:
		logging.L.Error(serveErr).WithMessage("http server failed").Write()
	case <-parent.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// in-flight runs see the cancelled context and stop
	wg.Wait()
	return serveErr
}

// seedCache restores the last recorded outcome of a workflow so its
// metrics survive a restart.
func seedCache(ctx context.Context, c *cache.MemCache, hist *history.Store, name string) {
	last, err := hist.Last(ctx, name)
	switch {
	case errors.Is(err, history.ErrNotFound):
	case err != nil:
		logging.L.Warn().WithMessage("failed to read last run").WithWorkflow(name).
			WithField("error", err.Error()).Write()
	default:
		c.Seed(name, last)
	}
}
