package scheduler

import (
	"errors"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/config"
)

// ErrInvalidInput is matched by errors caused by malformed statuses or messages.
var ErrInvalidInput = errors.New("scheduler: invalid input")

// Offer is a bundle of resources on one host offered by the cluster manager.
type Offer struct {
	ID        string           `json:"id"`
	NodeID    cluster.NodeID   `json:"node_id"`
	Hostname  string           `json:"hostname,omitempty"`
	Resources config.Resources `json:"resources"`
}

// DecisionKind tags the single outcome of evaluating an offer.
type DecisionKind string

const (
	DecisionDecline DecisionKind = "decline"
	DecisionLaunch  DecisionKind = "launch"
	DecisionSubmit  DecisionKind = "submit"
)

// Decline reasons.
const (
	ReasonNodeCapReached        = "node_cap_reached"
	ReasonInsufficientResources = "insufficient_resources"
	ReasonAwaitingTaskStatus    = "awaiting_task_status"
	ReasonAwaitingSeedTarget    = "awaiting_seed_target"
	ReasonAwaitingHealthySeed   = "awaiting_healthy_seed"
	ReasonNothingToDo           = "nothing_to_do"
)

// Decision is the scheduler's answer to one offer. Exactly one of Task and
// Request is set for launch and submit decisions; declines carry a Reason.
type Decision struct {
	Kind    DecisionKind   `json:"kind"`
	OfferID string         `json:"offer_id"`
	NodeID  cluster.NodeID `json:"node_id"`
	Task    *TaskSpec      `json:"task,omitempty"`
	Request *Request       `json:"request,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// TaskKind reports the kind of task a launch decision starts.
func (d Decision) TaskKind() cluster.TaskKind {
	if d.Task == nil {
		return ""
	}
	return d.Task.Kind
}

// TaskSpec describes a task to launch on the offering host.
type TaskSpec struct {
	TaskID      string             `json:"task_id"`
	ExecutorID  string             `json:"executor_id"`
	Kind        cluster.TaskKind   `json:"kind"`
	Resources   config.Resources   `json:"resources"`
	ClusterName string             `json:"cluster_name"`
	Seed        bool               `json:"seed"`
	Seeds       []string           `json:"seeds,omitempty"`
	JobType     clusterjob.JobType `json:"job_type,omitempty"`
}

// RequestKind names a framework message sent to a running executor.
type RequestKind string

// RequestNodeJobStatus asks the executor for the progress of its job task.
const RequestNodeJobStatus RequestKind = "node_job_status"

// Request is a framework message submitted to an executor in place of a launch.
// The transport declines the offer that triggered it.
type Request struct {
	Kind       RequestKind        `json:"kind"`
	ExecutorID string             `json:"executor_id"`
	TaskID     string             `json:"task_id"`
	JobType    clusterjob.JobType `json:"job_type"`
}

// TaskStatus is a task state update delivered by the cluster manager.
// The node is resolved from NodeID, or from ExecutorID when NodeID is empty.
// An empty Kind is resolved from the in-flight task carrying TaskID.
type TaskStatus struct {
	NodeID     cluster.NodeID       `json:"node_id,omitempty"`
	ExecutorID string               `json:"executor_id,omitempty"`
	TaskID     string               `json:"task_id"`
	Kind       cluster.TaskKind     `json:"kind,omitempty"`
	State      cluster.TaskState    `json:"state"`
	Message    string               `json:"message,omitempty"`
	Metadata   *cluster.Metadata    `json:"metadata,omitempty"`
	JobStatus  *clusterjob.Progress `json:"job_status,omitempty"`
}

// MessageKind names an out-of-band message sent by an executor.
type MessageKind string

const (
	MessageMetadata    MessageKind = "metadata"
	MessageHealthCheck MessageKind = "health_check"
	MessageJobProgress MessageKind = "job_progress"
)

// Message is an out-of-band report from a node's executor.
type Message struct {
	NodeID      cluster.NodeID          `json:"node_id,omitempty"`
	ExecutorID  string                  `json:"executor_id,omitempty"`
	Kind        MessageKind             `json:"kind"`
	Metadata    *cluster.Metadata       `json:"metadata,omitempty"`
	Health      *cluster.HealthSnapshot `json:"health,omitempty"`
	JobProgress *clusterjob.Progress    `json:"job_progress,omitempty"`
}

// NodeView is a node together with its latest health report.
type NodeView struct {
	cluster.Node
	Health *cluster.HealthSnapshot `json:"health,omitempty"`
}
