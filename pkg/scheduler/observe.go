package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/observability"
)

func (s *Scheduler) recordDecision(ctx context.Context, d Decision, duration time.Duration, commitErr error) {
	kind := string(d.TaskKind())
	if d.Kind == DecisionSubmit {
		kind = string(cluster.TaskNodeJob)
	}
	labels := map[string]string{
		"decision":  string(d.Kind),
		"task_kind": kind,
		"reason":    d.Reason,
	}

	s.reporter.RecordMetric(observability.Metric{
		Name:        "offer_decisions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of offers evaluated grouped by decision, task kind and decline reason.",
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "offer_evaluation_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"decision": string(d.Kind)},
		Description: "Time spent deciding what to do with an offer.",
		Unit:        "seconds",
	})

	fields := map[string]interface{}{
		"offer_id": d.OfferID,
		"node":     string(d.NodeID),
		"decision": string(d.Kind),
	}
	level := observability.LevelDebug
	event := "offer_declined"
	switch {
	case commitErr != nil:
		level = observability.LevelError
		event = "offer_commit_failed"
		fields["error"] = commitErr.Error()
	case d.Kind == DecisionLaunch:
		level = observability.LevelInfo
		event = "task_launched"
		fields["task_id"] = d.Task.TaskID
		fields["task_kind"] = string(d.Task.Kind)
		fields["seed"] = d.Task.Seed
		if d.Task.JobType != "" {
			fields["job_type"] = string(d.Task.JobType)
		}
	case d.Kind == DecisionSubmit:
		event = "status_requested"
		fields["task_id"] = d.Request.TaskID
		fields["job_type"] = string(d.Request.JobType)
	default:
		fields["reason"] = d.Reason
	}

	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  event,
		Fields: fields,
	})
}

func (s *Scheduler) recordNodeCounts(ctx context.Context, id cluster.NodeID, counts cluster.NodeCounts) {
	s.reporter.RecordMetric(observability.Metric{
		Name:        "registered_nodes",
		Type:        observability.MetricGauge,
		Value:       float64(counts.Nodes),
		Labels:      map[string]string{"role": "all"},
		Description: "Number of nodes known to the scheduler.",
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "registered_nodes",
		Type:        observability.MetricGauge,
		Value:       float64(counts.Seeds),
		Labels:      map[string]string{"role": "seed"},
		Description: "Number of nodes known to the scheduler.",
	})
	s.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "node_registered",
		Fields: map[string]interface{}{
			"node":  string(id),
			"nodes": counts.Nodes,
			"seeds": counts.Seeds,
		},
	})
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, cluster.ErrUnknownNode):
		return "unknown_node"
	case errors.Is(err, cluster.ErrStaleTask):
		return "stale"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

func (s *Scheduler) recordDispatch(ctx context.Context, input, kind string, id cluster.NodeID, executorID string, fields map[string]interface{}, err error) {
	result := dispatchResult(err)
	s.reporter.RecordMetric(observability.Metric{
		Name:        "dispatch_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"input": input, "kind": kind, "result": result},
		Description: "Number of task statuses and executor messages processed grouped by outcome.",
	})

	if fields == nil {
		fields = make(map[string]interface{}, 4)
	}
	fields["input"] = input
	fields["kind"] = kind
	fields["result"] = result
	if id != "" {
		fields["node"] = string(id)
	}
	if executorID != "" {
		fields["executor_id"] = executorID
	}

	level := observability.LevelDebug
	event := input + "_applied"
	if err != nil {
		level = observability.LevelWarn
		event = input + "_dropped"
		fields["error"] = err.Error()
		if result == "error" {
			level = observability.LevelError
		}
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  event,
		Fields: fields,
	})
}

func (s *Scheduler) recordJobEvent(ctx context.Context, t clusterjob.JobType, event string, level observability.Level, fields map[string]interface{}) {
	s.reporter.RecordMetric(observability.Metric{
		Name:        "cluster_jobs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"job_type": string(t), "event": event},
		Description: "Cluster job lifecycle events grouped by job type.",
	})
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields["job_type"] = string(t)
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "cluster_job_" + event,
		Fields: fields,
	})
}

func (s *Scheduler) recordJobStart(ctx context.Context, t clusterjob.JobType, job clusterjob.Job, err error) {
	var conflict *cluster.ConflictError
	switch {
	case err == nil:
		s.recordJobEvent(ctx, job.Type, "started", observability.LevelInfo, map[string]interface{}{
			"job_id": job.ID,
			"nodes":  len(job.RemainingNodes),
		})
	case errors.As(err, &conflict):
		s.recordJobEvent(ctx, t, "conflict", observability.LevelWarn, map[string]interface{}{
			"active_job_id":   conflict.ActiveJobID,
			"active_job_type": conflict.ActiveJobType,
		})
	}
}

func (s *Scheduler) recordJobNode(ctx context.Context, job clusterjob.Job, status clusterjob.NodeJobStatus) {
	event := "node_completed"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"job_id":    job.ID,
		"node":      string(status.NodeID),
		"processed": len(status.ProcessedWorkItems),
		"remaining": len(job.RemainingNodes),
	}
	if status.Failed {
		event = "node_failed"
		level = observability.LevelWarn
		fields["failure"] = status.FailureMessage
	}
	s.recordJobEvent(ctx, job.Type, event, level, fields)
}

func (s *Scheduler) recordJobFinished(ctx context.Context, t clusterjob.JobType, id string) {
	fields := map[string]interface{}{"job_id": id}
	if last, ok := s.LastClusterJob(t); ok && last.ID == id {
		fields["completed_nodes"] = len(last.CompletedNodes)
		fields["failed_nodes"] = len(last.FailedNodes())
		fields["aborted"] = last.Aborted
	}
	s.recordJobEvent(ctx, t, "finished", observability.LevelInfo, fields)
}
