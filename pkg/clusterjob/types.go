package clusterjob

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
)

var (
	// ErrUnknownJobType is returned for job types other than REPAIR and CLEANUP.
	ErrUnknownJobType = errors.New("clusterjob: unknown job type")
	// ErrNoActiveJob is returned when an operation needs an active job and none exists.
	ErrNoActiveJob = errors.New("clusterjob: no active cluster job")
)

// JobType names a cluster-wide administrative operation.
type JobType string

const (
	TypeRepair  JobType = "REPAIR"
	TypeCleanup JobType = "CLEANUP"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{TypeRepair, TypeCleanup}

// ParseJobType normalises raw and rejects unsupported values.
func ParseJobType(raw string) (JobType, error) {
	t := JobType(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range JobTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, raw)
}

// WorkItemStatus is the outcome of one processed unit of work, typically a keyspace.
type WorkItemStatus struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Progress carries the mutable part of a node's job status as reported by the node.
// A nil Running leaves the running flag untouched.
type Progress struct {
	Running            *bool            `json:"running,omitempty"`
	RemainingWorkItems []string         `json:"remaining_work_items,omitempty"`
	ProcessedWorkItems []WorkItemStatus `json:"processed_work_items,omitempty"`
	Failed             bool             `json:"failed,omitempty"`
	FailureMessage     string           `json:"failure_message,omitempty"`
}

// NodeJobStatus is a node's share of a cluster job.
type NodeJobStatus struct {
	NodeID             cluster.NodeID   `json:"node_id"`
	ExecutorID         string           `json:"executor_id"`
	TaskID             string           `json:"task_id"`
	JobType            JobType          `json:"job_type"`
	Running            bool             `json:"running"`
	RemainingWorkItems []string         `json:"remaining_work_items,omitempty"`
	ProcessedWorkItems []WorkItemStatus `json:"processed_work_items,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         *time.Time       `json:"finished_at,omitempty"`
	Failed             bool             `json:"failed,omitempty"`
	FailureMessage     string           `json:"failure_message,omitempty"`
}

// Clone returns a deep copy.
func (s NodeJobStatus) Clone() NodeJobStatus {
	clone := s
	if s.RemainingWorkItems != nil {
		clone.RemainingWorkItems = append([]string(nil), s.RemainingWorkItems...)
	}
	if s.ProcessedWorkItems != nil {
		clone.ProcessedWorkItems = append([]WorkItemStatus(nil), s.ProcessedWorkItems...)
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		clone.FinishedAt = &finished
	}
	return clone
}

func (s *NodeJobStatus) apply(p Progress) {
	if p.Running != nil {
		s.Running = *p.Running
	}
	if p.RemainingWorkItems != nil {
		s.RemainingWorkItems = append([]string(nil), p.RemainingWorkItems...)
	}
	if p.ProcessedWorkItems != nil {
		s.ProcessedWorkItems = append([]WorkItemStatus(nil), p.ProcessedWorkItems...)
	}
	if p.Failed {
		s.Failed = true
	}
	if msg := strings.TrimSpace(p.FailureMessage); msg != "" {
		s.FailureMessage = msg
	}
}

// Job is one cluster-wide run of a job type across the nodes that were
// running a server when it started.
type Job struct {
	ID             string           `json:"id"`
	Type           JobType          `json:"type"`
	RemainingNodes []cluster.NodeID `json:"remaining_nodes"`
	CurrentNode    *NodeJobStatus   `json:"current_node,omitempty"`
	CompletedNodes []NodeJobStatus  `json:"completed_nodes"`
	Aborted        bool             `json:"aborted,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// Finished reports whether the job has been archived.
func (j Job) Finished() bool {
	return j.FinishedAt != nil
}

// FailedNodes returns the ids of completed nodes whose share failed.
func (j Job) FailedNodes() []cluster.NodeID {
	var out []cluster.NodeID
	for _, s := range j.CompletedNodes {
		if s.Failed {
			out = append(out, s.NodeID)
		}
	}
	return out
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	clone := j
	clone.RemainingNodes = append([]cluster.NodeID{}, j.RemainingNodes...)
	clone.CompletedNodes = make([]NodeJobStatus, 0, len(j.CompletedNodes))
	for _, s := range j.CompletedNodes {
		clone.CompletedNodes = append(clone.CompletedNodes, s.Clone())
	}
	if j.CurrentNode != nil {
		cur := j.CurrentNode.Clone()
		clone.CurrentNode = &cur
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		clone.FinishedAt = &finished
	}
	return clone
}
