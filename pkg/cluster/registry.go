package cluster

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const defaultFrameworkName = "seedkeeper"

// Registry is the authoritative record of every known node.
//
// Registry is not safe for concurrent use; the scheduler serializes access
// to it together with the health monitor and the job manager.
type Registry struct {
	seedTarget int
	framework  string
	nodes      map[NodeID]*Node
	order      []NodeID
	byExecutor map[string]NodeID
	now        func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFrameworkName sets the prefix used when deriving executor ids.
func WithFrameworkName(name string) RegistryOption {
	return func(r *Registry) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			r.framework = trimmed
		}
	}
}

// WithRegistryClock injects a time source, enabling deterministic tests.
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry builds a registry in which the first seedTarget distinct hosts become seeds.
func NewRegistry(seedTarget int, opts ...RegistryOption) *Registry {
	if seedTarget < 0 {
		seedTarget = 0
	}
	r := &Registry{
		seedTarget: seedTarget,
		framework:  defaultFrameworkName,
		nodes:      make(map[NodeID]*Node),
		byExecutor: make(map[string]NodeID),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SeedTarget returns the configured number of seed nodes.
func (r *Registry) SeedTarget() int {
	return r.seedTarget
}

// SeedTargetReached reports whether enough hosts have been seen to fill every seed slot.
func (r *Registry) SeedTargetReached() bool {
	return r.NodeCounts().Seeds >= r.seedTarget
}

// GetOrCreate returns the node for id, registering it when it has not been seen before.
// Seed status is decided here, once, from registration order.
func (r *Registry) GetOrCreate(id NodeID, hostname string) (Node, bool) {
	if n, ok := r.nodes[id]; ok {
		if n.Hostname == "" && hostname != "" {
			n.Hostname = hostname
		}
		return n.Clone(), false
	}

	counts := r.NodeCounts()
	order := len(r.order) + 1
	n := &Node{
		ID:         id,
		Hostname:   hostname,
		ExecutorID: fmt.Sprintf("%s.node.%d.executor", r.framework, order),
		Seed:       counts.Seeds < r.seedTarget,
		Order:      order,
		CreatedAt:  r.now(),
		Tasks:      make(map[TaskKind]TaskRecord),
	}
	r.nodes[id] = n
	r.order = append(r.order, id)
	r.byExecutor[n.ExecutorID] = id
	return n.Clone(), true
}

// Get returns a copy of the node registered under id.
func (r *Registry) Get(id NodeID) (Node, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// ByExecutor resolves a node from its executor id.
func (r *Registry) ByExecutor(executorID string) (Node, bool) {
	id, ok := r.byExecutor[executorID]
	if !ok {
		return Node{}, false
	}
	return r.Get(id)
}

// Nodes returns copies of all nodes in registration order.
func (r *Registry) Nodes() []Node {
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].Clone())
	}
	return out
}

// Seeds returns copies of the seed nodes in registration order.
func (r *Registry) Seeds() []Node {
	out := make([]Node, 0, r.seedTarget)
	for _, id := range r.order {
		if n := r.nodes[id]; n.Seed {
			out = append(out, n.Clone())
		}
	}
	return out
}

// NodeCounts returns the number of known nodes and seeds.
func (r *Registry) NodeCounts() NodeCounts {
	counts := NodeCounts{Nodes: len(r.nodes)}
	for _, n := range r.nodes {
		if n.Seed {
			counts.Seeds++
		}
	}
	return counts
}

// RecordTaskStaged marks a task of the given kind as launched on the node.
// A slot that is already staged or running is never staged twice.
func (r *Registry) RecordTaskStaged(id NodeID, kind TaskKind, taskID string) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown task kind %q", kind)
	}
	if cur := n.Tasks[kind]; cur.State.InFlight() {
		return fmt.Errorf("stage %s task %q on node %q: %w (task %q is %s)", kind, taskID, id, ErrTaskInFlight, cur.TaskID, cur.State)
	}
	n.Tasks[kind] = TaskRecord{TaskID: taskID, State: TaskStaged, UpdatedAt: r.now()}
	return nil
}

// RecordTaskRunning moves an in-flight task to running. Metadata, when present,
// updates the node's address.
func (r *Registry) RecordTaskRunning(id NodeID, kind TaskKind, taskID string, meta *Metadata) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	cur, err := r.inFlight(n, kind, taskID)
	if err != nil {
		return err
	}
	cur.State = TaskRunning
	cur.UpdatedAt = r.now()
	n.Tasks[kind] = cur
	if meta != nil {
		r.applyMetadata(n, *meta)
	}
	return nil
}

// RecordTaskTerminal ends an in-flight task. The slot becomes free for a new
// task of the same kind.
func (r *Registry) RecordTaskTerminal(id NodeID, kind TaskKind, taskID string, outcome TaskState, message string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("task outcome %s is not terminal", outcome)
	}
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	cur, err := r.inFlight(n, kind, taskID)
	if err != nil {
		return err
	}
	cur.State = outcome
	cur.Message = message
	cur.UpdatedAt = r.now()
	n.Tasks[kind] = cur
	return nil
}

// RecordMetadata updates the node's identity details reported by its metadata task.
func (r *Registry) RecordMetadata(id NodeID, meta Metadata) error {
	n, err := r.lookup(id)
	if err != nil {
		return err
	}
	r.applyMetadata(n, meta)
	return nil
}

// InFlightKind returns the kind whose staged or running task carries taskID.
func (r *Registry) InFlightKind(id NodeID, taskID string) (TaskKind, bool) {
	n, ok := r.nodes[id]
	if !ok || taskID == "" {
		return "", false
	}
	for kind, rec := range n.Tasks {
		if rec.TaskID == taskID && rec.State.InFlight() {
			return kind, true
		}
	}
	return "", false
}

// ReleaseTasks ends every staged or running task of the given kinds on the
// node, as happens when its executor goes away. It returns the kinds released.
func (r *Registry) ReleaseTasks(id NodeID, outcome TaskState, message string, kinds ...TaskKind) ([]TaskKind, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("task outcome %s is not terminal", outcome)
	}
	n, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	var released []TaskKind
	for _, kind := range kinds {
		rec, ok := n.Tasks[kind]
		if !ok || !rec.State.InFlight() {
			continue
		}
		rec.State = outcome
		rec.Message = message
		rec.UpdatedAt = r.now()
		n.Tasks[kind] = rec
		released = append(released, kind)
	}
	return released, nil
}

// Export returns copies of all nodes for persistence.
func (r *Registry) Export() []Node {
	return r.Nodes()
}

// Restore replaces the registry contents with previously exported nodes.
func (r *Registry) Restore(nodes []Node) error {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	restored := make(map[NodeID]*Node, len(sorted))
	order := make([]NodeID, 0, len(sorted))
	byExecutor := make(map[string]NodeID, len(sorted))
	for _, n := range sorted {
		if n.ID == "" {
			return errors.New("restore registry: node without id")
		}
		if _, dup := restored[n.ID]; dup {
			return fmt.Errorf("restore registry: duplicate node %q", n.ID)
		}
		clone := n.Clone()
		if clone.Tasks == nil {
			clone.Tasks = make(map[TaskKind]TaskRecord)
		}
		restored[n.ID] = &clone
		order = append(order, n.ID)
		if clone.ExecutorID != "" {
			byExecutor[clone.ExecutorID] = n.ID
		}
	}
	r.nodes = restored
	r.order = order
	r.byExecutor = byExecutor
	return nil
}

func (r *Registry) lookup(id NodeID) (*Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, &UnknownNodeError{Node: id}
	}
	return n, nil
}

func (r *Registry) inFlight(n *Node, kind TaskKind, taskID string) (TaskRecord, error) {
	cur := n.Tasks[kind]
	if !cur.State.InFlight() {
		return cur, &StaleTaskError{Node: n.ID, Kind: kind, TaskID: taskID, State: cur.State}
	}
	if taskID != "" && cur.TaskID != "" && cur.TaskID != taskID {
		return cur, &StaleTaskError{Node: n.ID, Kind: kind, TaskID: taskID, State: cur.State,
			Reason: fmt.Sprintf("in-flight task is %q", cur.TaskID)}
	}
	return cur, nil
}

func (r *Registry) applyMetadata(n *Node, meta Metadata) {
	if ip := strings.TrimSpace(meta.IP); ip != "" {
		n.IP = ip
	}
	if host := strings.TrimSpace(meta.Hostname); host != "" {
		n.Hostname = host
	}
}
