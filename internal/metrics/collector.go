package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tastythames/aedwt-runner/internal/cache"
	"github.com/tastythames/aedwt-runner/internal/runner"
)

// SchedulerStats is the part of the scheduler the collector reads.
type SchedulerStats interface {
	Stats() (enqueued uint64, dropped uint64)
	NextRuns() map[string]time.Time
}

// Collector renders the cache snapshot at scrape time.
type Collector struct {
	Cache cache.Cache
	Sched SchedulerStats

	// Now defaults to time.Now.
	Now func() time.Time

	up            *prometheus.Desc
	lastSuccess   *prometheus.Desc
	lastTimestamp *prometheus.Desc
	lastDuration  *prometheus.Desc
	lastExitCode  *prometheus.Desc
	resultAge     *prometheus.Desc
	running       *prometheus.Desc
	runsTotal     *prometheus.Desc
	nextRun       *prometheus.Desc
	enqueuedTotal *prometheus.Desc
	droppedTotal  *prometheus.Desc
}

func NewCollector(c cache.Cache, s SchedulerStats) *Collector {
	wf := []string{"workflow"}
	return &Collector{
		Cache: c,
		Sched: s,

		up:            prometheus.NewDesc(MetricRunnerUp, "1 if the runner process is running.", nil, nil),
		lastSuccess:   prometheus.NewDesc(MetricLastRunSuccess, "1 if the last run succeeded, 0 if it failed.", wf, nil),
		lastTimestamp: prometheus.NewDesc(MetricLastRunTimestamp, "Unix timestamp of the end of the last run.", wf, nil),
		lastDuration:  prometheus.NewDesc(MetricLastRunDuration, "Duration of the last run.", wf, nil),
		lastExitCode:  prometheus.NewDesc(MetricLastExitCode, "Exit code of the last run's script, -1 when it never ran.", wf, nil),
		resultAge:     prometheus.NewDesc(MetricResultAge, "Age of the last run result.", wf, nil),
		running:       prometheus.NewDesc(MetricRunning, "1 while a run is in progress.", wf, nil),
		runsTotal:     prometheus.NewDesc(MetricRunsTotal, "Finished runs by status.", []string{"workflow", "status"}, nil),
		nextRun:       prometheus.NewDesc(MetricNextRunTimestamp, "Unix timestamp of the next scheduled run, before jitter.", wf, nil),
		enqueuedTotal: prometheus.NewDesc(MetricEnqueuedTotal, "Triggers accepted into the job queue.", nil, nil),
		droppedTotal:  prometheus.NewDesc(MetricDroppedTotal, "Triggers dropped because the job queue was full.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.lastSuccess, c.lastTimestamp, c.lastDuration, c.lastExitCode,
		c.resultAge, c.running, c.runsTotal, c.nextRun, c.enqueuedTotal, c.droppedTotal,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	for name, e := range c.Cache.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolFloat(e.Running), name)
		for status, n := range e.Counts {
			ch <- prometheus.MustNewConstMetric(c.runsTotal, prometheus.CounterValue, float64(n), name, string(status))
		}

		// no finished run yet, or only skipped ones
		if e.Last.Status == "" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, boolFloat(e.Last.Status == runner.StatusSucceeded), name)
		ch <- prometheus.MustNewConstMetric(c.lastTimestamp, prometheus.GaugeValue, float64(e.At.Unix()), name)
		ch <- prometheus.MustNewConstMetric(c.lastDuration, prometheus.GaugeValue, e.Last.Duration().Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.lastExitCode, prometheus.GaugeValue, float64(e.Last.ExitCode), name)
		ch <- prometheus.MustNewConstMetric(c.resultAge, prometheus.GaugeValue, now.Sub(e.At).Seconds(), name)
	}

	if c.Sched == nil {
		return
	}
	for name, at := range c.Sched.NextRuns() {
		ch <- prometheus.MustNewConstMetric(c.nextRun, prometheus.GaugeValue, float64(at.Unix()), name)
	}
	enq, dropped := c.Sched.Stats()
	ch <- prometheus.MustNewConstMetric(c.enqueuedTotal, prometheus.CounterValue, float64(enq))
	ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue, float64(dropped))
}

// NewRegistry registers c along with the Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
