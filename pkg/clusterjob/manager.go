package clusterjob

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
)

const defaultFailureMessage = "node job failed without a reason"

// Manager runs at most one cluster job at a time, one node at a time.
//
// Manager is not safe for concurrent use; the scheduler serializes access.
type Manager struct {
	registry *cluster.Registry
	active   *Job
	last     map[JobType]Job
	now      func() time.Time
	newID    func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager builds a job manager that draws job queues from registry.
func NewManager(registry *cluster.Registry, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("cluster job manager requires a registry")
	}
	m := &Manager{
		registry: registry,
		last:     make(map[JobType]Job),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start begins a job over every node currently running its server, in
// registration order. A job with no such nodes is archived right away.
func (m *Manager) Start(jobType JobType) (Job, error) {
	t, err := ParseJobType(string(jobType))
	if err != nil {
		return Job{}, err
	}
	if m.active != nil {
		return Job{}, &cluster.ConflictError{ActiveJobID: m.active.ID, ActiveJobType: string(m.active.Type)}
	}

	job := &Job{
		ID:             m.newID(),
		Type:           t,
		RemainingNodes: []cluster.NodeID{},
		CompletedNodes: []NodeJobStatus{},
		StartedAt:      m.now(),
	}
	for _, n := range m.registry.Nodes() {
		if n.TaskState(cluster.TaskServer) == cluster.TaskRunning {
			job.RemainingNodes = append(job.RemainingNodes, n.ID)
		}
	}
	m.active = job
	snapshot := job.Clone()
	m.archiveIfDone()
	if m.active == nil {
		if archived, ok := m.last[t]; ok {
			snapshot = archived.Clone()
		}
	}
	return snapshot, nil
}

// CanLaunchOn reports whether id would be handed the next node share. It never mutates state.
func (m *Manager) CanLaunchOn(id cluster.NodeID) bool {
	if m.active == nil || m.active.Aborted || m.active.CurrentNode != nil {
		return false
	}
	return indexOf(m.active.RemainingNodes, id) >= 0
}

// NextEligibleNode moves id from the queue into the current slot when no other
// node is being processed.
func (m *Manager) NextEligibleNode(id cluster.NodeID, executorID, taskID string) (NodeJobStatus, bool) {
	if !m.CanLaunchOn(id) {
		return NodeJobStatus{}, false
	}
	idx := indexOf(m.active.RemainingNodes, id)
	m.active.RemainingNodes = append(m.active.RemainingNodes[:idx], m.active.RemainingNodes[idx+1:]...)
	status := &NodeJobStatus{
		NodeID:     id,
		ExecutorID: executorID,
		TaskID:     taskID,
		JobType:    m.active.Type,
		Running:    true,
		StartedAt:  m.now(),
	}
	m.active.CurrentNode = status
	return status.Clone(), true
}

// RecordProgress overwrites the current node's reported status fields.
func (m *Manager) RecordProgress(id cluster.NodeID, p Progress) error {
	cur, err := m.current(id)
	if err != nil {
		return err
	}
	cur.apply(p)
	return nil
}

// Complete freezes the current node's share with its final reported status.
// A final status flagged failed records the node as failed.
func (m *Manager) Complete(id cluster.NodeID, p Progress) error {
	cur, err := m.current(id)
	if err != nil {
		return err
	}
	cur.apply(p)
	if cur.Failed && cur.FailureMessage == "" {
		cur.FailureMessage = defaultFailureMessage
	}
	m.finishCurrent()
	return nil
}

// Fail freezes the current node's share as failed. The job moves on to the next node.
func (m *Manager) Fail(id cluster.NodeID, reason string) error {
	cur, err := m.current(id)
	if err != nil {
		return err
	}
	cur.Failed = true
	cur.FailureMessage = strings.TrimSpace(reason)
	if cur.FailureMessage == "" {
		cur.FailureMessage = defaultFailureMessage
	}
	m.finishCurrent()
	return nil
}

// Abort stops the active job. Queued nodes are dropped; a node already in
// flight is allowed to report and the job archives once it does.
func (m *Manager) Abort() (Job, error) {
	if m.active == nil {
		return Job{}, ErrNoActiveJob
	}
	m.active.Aborted = true
	m.active.RemainingNodes = []cluster.NodeID{}
	snapshot := m.active.Clone()
	t := m.active.Type
	m.archiveIfDone()
	if m.active == nil {
		snapshot = m.last[t].Clone()
	}
	return snapshot, nil
}

// Current returns a copy of the active job.
func (m *Manager) Current() (Job, bool) {
	if m.active == nil {
		return Job{}, false
	}
	return m.active.Clone(), true
}

// LastOfType returns the most recently archived job of type t.
func (m *Manager) LastOfType(t JobType) (Job, bool) {
	job, ok := m.last[t]
	if !ok {
		return Job{}, false
	}
	return job.Clone(), true
}

// IsCurrentNode reports whether id is the node being processed by the active job.
func (m *Manager) IsCurrentNode(id cluster.NodeID) bool {
	return m.active != nil && m.active.CurrentNode != nil && m.active.CurrentNode.NodeID == id
}

// Export returns copies of the active job and the history for persistence.
func (m *Manager) Export() (*Job, map[JobType]Job) {
	var active *Job
	if m.active != nil {
		clone := m.active.Clone()
		active = &clone
	}
	last := make(map[JobType]Job, len(m.last))
	for t, job := range m.last {
		last[t] = job.Clone()
	}
	return active, last
}

// Restore replaces the manager state with previously exported values.
func (m *Manager) Restore(active *Job, last map[JobType]Job) error {
	if active != nil {
		if _, err := ParseJobType(string(active.Type)); err != nil {
			return fmt.Errorf("restore active job: %w", err)
		}
		if active.Finished() {
			return fmt.Errorf("restore active job %s: job already finished", active.ID)
		}
	}
	restored := make(map[JobType]Job, len(last))
	for t, job := range last {
		if _, err := ParseJobType(string(t)); err != nil {
			return fmt.Errorf("restore job history: %w", err)
		}
		restored[t] = job.Clone()
	}
	m.last = restored
	m.active = nil
	if active != nil {
		clone := active.Clone()
		m.active = &clone
	}
	return nil
}

func (m *Manager) current(id cluster.NodeID) (*NodeJobStatus, error) {
	if m.active == nil {
		return nil, &cluster.StaleTaskError{Node: id, Kind: cluster.TaskNodeJob, Reason: ErrNoActiveJob.Error()}
	}
	cur := m.active.CurrentNode
	if cur == nil || cur.NodeID != id {
		return nil, &cluster.StaleTaskError{Node: id, Kind: cluster.TaskNodeJob, Reason: "node is not the current job node"}
	}
	return cur, nil
}

func (m *Manager) finishCurrent() {
	cur := m.active.CurrentNode
	finished := m.now()
	cur.Running = false
	cur.FinishedAt = &finished
	m.active.CompletedNodes = append(m.active.CompletedNodes, cur.Clone())
	m.active.CurrentNode = nil
	m.archiveIfDone()
}

func (m *Manager) archiveIfDone() {
	if m.active == nil || m.active.CurrentNode != nil {
		return
	}
	if len(m.active.RemainingNodes) > 0 && !m.active.Aborted {
		return
	}
	finished := m.now()
	m.active.FinishedAt = &finished
	m.last[m.active.Type] = m.active.Clone()
	m.active = nil
}

func indexOf(ids []cluster.NodeID, id cluster.NodeID) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}
