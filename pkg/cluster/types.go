package cluster

import (
	"strings"
	"time"
)

// NodeID identifies a node by the host (agent) that offers its resources.
type NodeID string

// TaskKind names the task slots a node can run.
type TaskKind string

const (
	// TaskMetadata acquires the node's identity and address before anything else runs.
	TaskMetadata TaskKind = "metadata"
	// TaskServer runs the database server process.
	TaskServer TaskKind = "server"
	// TaskNodeJob runs one node's share of a cluster job.
	TaskNodeJob TaskKind = "node_job"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskMetadata, TaskServer, TaskNodeJob:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task slot.
type TaskState int

const (
	TaskAbsent TaskState = iota
	TaskStaged
	TaskRunning
	TaskFinished
	TaskErrored
)

var taskStateNames = map[TaskState]string{
	TaskAbsent:   "absent",
	TaskStaged:   "staged",
	TaskRunning:  "running",
	TaskFinished: "finished",
	TaskErrored:  "errored",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name so persisted snapshots stay readable.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name; unknown names decode to TaskAbsent.
func (s *TaskState) UnmarshalText(text []byte) error {
	*s = ParseTaskState(string(text))
	return nil
}

// ParseTaskState maps a state name onto a TaskState. Unrecognised names map to TaskAbsent.
func ParseTaskState(name string) TaskState {
	name = strings.ToLower(strings.TrimSpace(name))
	for state, candidate := range taskStateNames {
		if candidate == name {
			return state
		}
	}
	return TaskAbsent
}

// InFlight reports whether the slot is occupied by a staged or running task.
func (s TaskState) InFlight() bool {
	return s == TaskStaged || s == TaskRunning
}

// Terminal reports whether the state ends a task.
func (s TaskState) Terminal() bool {
	return s == TaskFinished || s == TaskErrored
}

// TaskRecord captures the latest known state of one task slot on a node.
type TaskRecord struct {
	TaskID    string    `json:"task_id,omitempty"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is what the metadata task reports about the node once it is running.
type Metadata struct {
	ExecutorID string `json:"executor_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// Node is the registry's record of a cluster member.
type Node struct {
	ID         NodeID                  `json:"id"`
	Hostname   string                  `json:"hostname,omitempty"`
	ExecutorID string                  `json:"executor_id"`
	IP         string                  `json:"ip,omitempty"`
	Seed       bool                    `json:"seed"`
	Order      int                     `json:"order"`
	CreatedAt  time.Time               `json:"created_at"`
	Tasks      map[TaskKind]TaskRecord `json:"tasks,omitempty"`
}

// Task returns the record for kind; the zero record means absent.
func (n Node) Task(kind TaskKind) TaskRecord {
	if n.Tasks == nil {
		return TaskRecord{}
	}
	return n.Tasks[kind]
}

// TaskState is shorthand for n.Task(kind).State.
func (n Node) TaskState(kind TaskKind) TaskState {
	return n.Task(kind).State
}

// Busy reports whether any task slot on the node is in flight.
func (n Node) Busy() bool {
	for _, rec := range n.Tasks {
		if rec.State.InFlight() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the scheduler lock.
func (n Node) Clone() Node {
	clone := n
	if n.Tasks != nil {
		clone.Tasks = make(map[TaskKind]TaskRecord, len(n.Tasks))
		for k, v := range n.Tasks {
			clone.Tasks[k] = v
		}
	}
	return clone
}

// NodeCounts is derived from the registry on demand.
type NodeCounts struct {
	Nodes int `json:"nodes"`
	Seeds int `json:"seeds"`
}

// OperationMode is the lifecycle phase a server reports about itself.
type OperationMode string

const (
	ModeStarting       OperationMode = "STARTING"
	ModeJoining        OperationMode = "JOINING"
	ModeNormal         OperationMode = "NORMAL"
	ModeLeaving        OperationMode = "LEAVING"
	ModeDecommissioned OperationMode = "DECOMMISSIONED"
	ModeMoving         OperationMode = "MOVING"
	ModeDraining       OperationMode = "DRAINING"
	ModeDrained        OperationMode = "DRAINED"
	ModeUnknown        OperationMode = "UNKNOWN"
)

// ParseOperationMode normalises a reported mode. Empty or unrecognised input maps to ModeUnknown.
func ParseOperationMode(raw string) OperationMode {
	mode := OperationMode(strings.ToUpper(strings.TrimSpace(raw)))
	switch mode {
	case ModeStarting, ModeJoining, ModeNormal, ModeLeaving, ModeDecommissioned,
		ModeMoving, ModeDraining, ModeDrained:
		return mode
	}
	return ModeUnknown
}

// HealthSnapshot is the latest health report received for a node.
type HealthSnapshot struct {
	Healthy                bool          `json:"healthy"`
	OperationMode          OperationMode `json:"operation_mode"`
	Timestamp              time.Time     `json:"timestamp"`
	Message                string        `json:"message,omitempty"`
	ClusterName            string        `json:"cluster_name,omitempty"`
	Version                string        `json:"version,omitempty"`
	Joined                 bool          `json:"joined,omitempty"`
	NativeTransportRunning bool          `json:"native_transport_running,omitempty"`
}
