package metrics

const (
	// runner health
	MetricRunnerUp = "aedwt_runner_up"

	// last run per workflow
	MetricLastRunSuccess   = "aedwt_workflow_last_run_success"
	MetricLastRunTimestamp = "aedwt_workflow_last_run_timestamp_seconds"
	MetricLastRunDuration  = "aedwt_workflow_last_run_duration_seconds"
	MetricLastExitCode     = "aedwt_workflow_last_exit_code"
	MetricResultAge        = "aedwt_workflow_result_age_seconds"
	MetricRunning          = "aedwt_workflow_running"
	MetricRunsTotal        = "aedwt_workflow_runs_total"

	// schedule
	MetricNextRunTimestamp = "aedwt_workflow_next_run_timestamp_seconds"

	// scheduler queue
	MetricEnqueuedTotal = "aedwt_scheduler_enqueued_total"
	MetricDroppedTotal  = "aedwt_scheduler_dropped_total"
)
