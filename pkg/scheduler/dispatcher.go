package scheduler

import (
	"fmt"
	"time"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
)

// resolveNode finds the node a status or message refers to.
func (s *Scheduler) resolveNode(id cluster.NodeID, executorID string) (cluster.Node, error) {
	if id != "" {
		if n, ok := s.registry.Get(id); ok {
			return n, nil
		}
		return cluster.Node{}, &cluster.UnknownNodeError{Node: id, ExecutorID: executorID}
	}
	if executorID != "" {
		if n, ok := s.registry.ByExecutor(executorID); ok {
			return n, nil
		}
		return cluster.Node{}, &cluster.UnknownNodeError{ExecutorID: executorID}
	}
	return cluster.Node{}, fmt.Errorf("%w: node_id or executor_id is required", ErrInvalidInput)
}

// applyStatus routes a task status to the registry and, for job tasks, the job manager.
// It returns the resolved task kind for reporting.
func (s *Scheduler) applyStatus(st TaskStatus, now time.Time) (cluster.TaskKind, error) {
	node, err := s.resolveNode(st.NodeID, st.ExecutorID)
	if err != nil {
		return st.Kind, err
	}

	kind := st.Kind
	if kind == "" {
		if st.TaskID == "" {
			return kind, fmt.Errorf("%w: task_id or kind is required", ErrInvalidInput)
		}
		resolved, ok := s.registry.InFlightKind(node.ID, st.TaskID)
		if !ok {
			return kind, &cluster.StaleTaskError{Node: node.ID, TaskID: st.TaskID, Reason: "no task with this id on the node"}
		}
		kind = resolved
	}
	if !kind.Valid() {
		return kind, fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, kind)
	}

	switch st.State {
	case cluster.TaskRunning:
		if err := s.registry.RecordTaskRunning(node.ID, kind, st.TaskID, st.Metadata); err != nil {
			return kind, err
		}
		if kind == cluster.TaskNodeJob && st.JobStatus != nil && s.jobs.IsCurrentNode(node.ID) {
			return kind, s.jobs.RecordProgress(node.ID, *st.JobStatus)
		}
		return kind, nil

	case cluster.TaskFinished, cluster.TaskErrored:
		if err := s.registry.RecordTaskTerminal(node.ID, kind, st.TaskID, st.State, st.Message); err != nil {
			return kind, err
		}
		switch kind {
		case cluster.TaskMetadata:
			// executor loss ends its server and job tasks
			released, err := s.registry.ReleaseTasks(node.ID, cluster.TaskErrored,
				fmt.Sprintf("executor task %s", st.State), cluster.TaskServer, cluster.TaskNodeJob)
			if err != nil {
				return kind, err
			}
			for _, k := range released {
				switch k {
				case cluster.TaskServer:
					s.markServerLost(node.ID, now, "executor lost")
				case cluster.TaskNodeJob:
					if s.jobs.IsCurrentNode(node.ID) {
						if err := s.jobs.Fail(node.ID, "executor lost"); err != nil {
							return kind, err
						}
					}
				}
			}
		case cluster.TaskServer:
			s.markServerLost(node.ID, now, fmt.Sprintf("server task %s", st.State))
		case cluster.TaskNodeJob:
			if !s.jobs.IsCurrentNode(node.ID) {
				return kind, nil
			}
			if st.State == cluster.TaskFinished {
				var progress clusterjob.Progress
				if st.JobStatus != nil {
					progress = *st.JobStatus
				}
				return kind, s.jobs.Complete(node.ID, progress)
			}
			return kind, s.jobs.Fail(node.ID, st.Message)
		}
		return kind, nil
	}

	return kind, fmt.Errorf("%w: unsupported task state %q", ErrInvalidInput, st.State)
}

func (s *Scheduler) markServerLost(id cluster.NodeID, now time.Time, message string) {
	s.health.Record(id, cluster.HealthSnapshot{
		Healthy:       false,
		OperationMode: cluster.ModeUnknown,
		Timestamp:     now,
		Message:       message,
	})
}

// applyMessage routes an executor message to the owning component.
func (s *Scheduler) applyMessage(msg Message, now time.Time) error {
	node, err := s.resolveNode(msg.NodeID, msg.ExecutorID)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case MessageMetadata:
		if msg.Metadata == nil {
			return fmt.Errorf("%w: metadata message without payload", ErrInvalidInput)
		}
		return s.registry.RecordMetadata(node.ID, *msg.Metadata)

	case MessageHealthCheck:
		if msg.Health == nil {
			return fmt.Errorf("%w: health_check message without payload", ErrInvalidInput)
		}
		snap := *msg.Health
		snap.OperationMode = cluster.ParseOperationMode(string(snap.OperationMode))
		if snap.Timestamp.IsZero() {
			snap.Timestamp = now
		}
		s.health.Record(node.ID, snap)
		return nil

	case MessageJobProgress:
		if msg.JobProgress == nil {
			return fmt.Errorf("%w: job_progress message without payload", ErrInvalidInput)
		}
		return s.jobs.RecordProgress(node.ID, *msg.JobProgress)
	}

	return fmt.Errorf("%w: unknown message kind %q", ErrInvalidInput, msg.Kind)
}
