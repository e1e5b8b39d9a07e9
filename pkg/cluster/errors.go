package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is matched by ConflictError.
	ErrConflict = errors.New("cluster: conflicting operation in progress")
	// ErrUnknownNode is matched by UnknownNodeError.
	ErrUnknownNode = errors.New("cluster: unknown node")
	// ErrStaleTask is matched by StaleTaskError.
	ErrStaleTask = errors.New("cluster: stale task status")
	// ErrTaskInFlight is returned when staging a task whose slot is already occupied.
	ErrTaskInFlight = errors.New("cluster: task already in flight")
)

// ConflictError reports an attempt to start a cluster job while another is active.
type ConflictError struct {
	ActiveJobID   string
	ActiveJobType string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cluster job %s (%s) is still active", e.ActiveJobID, e.ActiveJobType)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UnknownNodeError reports a status or message for a node that was never registered.
type UnknownNodeError struct {
	Node       NodeID
	ExecutorID string
}

func (e *UnknownNodeError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("no node registered for executor %q", e.ExecutorID)
	}
	return fmt.Sprintf("node %q is not registered", e.Node)
}

func (e *UnknownNodeError) Is(target error) bool {
	return target == ErrUnknownNode
}

// StaleTaskError reports a status update for a task slot that is not in flight,
// typically from delayed or duplicated delivery.
type StaleTaskError struct {
	Node   NodeID
	Kind   TaskKind
	TaskID string
	State  TaskState
	Reason string
}

func (e *StaleTaskError) Error() string {
	msg := fmt.Sprintf("stale %s status for task %q on node %q (slot is %s)", e.Kind, e.TaskID, e.Node, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StaleTaskError) Is(target error) bool {
	return target == ErrStaleTask
}
