// Package scheduler turns resource offers and executor reports into task
// launches for a seed-based database cluster.
//
// Every entry point takes the scheduler lock, so offers, statuses and
// messages are applied one at a time against a single consistent state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/config"
	"github.com/seedkeeper/seedkeeper/pkg/observability"
	"github.com/seedkeeper/seedkeeper/pkg/state"
)

// Scheduler owns the node registry, health monitor and cluster job manager.
type Scheduler struct {
	mu sync.Mutex

	cfg          *config.Config
	registry     *cluster.Registry
	health       *cluster.HealthMonitor
	jobs         *clusterjob.Manager
	pollers      map[cluster.NodeID]*rate.Limiter
	pollInterval time.Duration
	reporter     Reporter
	now          func() time.Time
	newJobID     func() string
	generation   uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReporter attaches an observability reporter.
func WithReporter(rep Reporter) Option {
	return func(s *Scheduler) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithJobIDGenerator overrides how cluster job ids are generated.
func WithJobIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		s.newJobID = fn
	}
}

// New builds a scheduler with empty state.
func New(cfg *config.Config, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if cfg.SeedCount <= 0 {
		return nil, errors.New("seed count must be greater than zero")
	}

	s := &Scheduler{
		cfg:          cfg,
		health:       cluster.NewHealthMonitor(),
		pollers:      make(map[cluster.NodeID]*rate.Limiter),
		pollInterval: cfg.StatusPollInterval(),
		reporter:     NoopReporter{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = NoopReporter{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.registry = cluster.NewRegistry(cfg.SeedCount,
		cluster.WithFrameworkName(cfg.FrameworkName),
		cluster.WithRegistryClock(s.now),
	)
	jobOpts := []clusterjob.Option{clusterjob.WithClock(s.now)}
	if s.newJobID != nil {
		jobOpts = append(jobOpts, clusterjob.WithIDGenerator(s.newJobID))
	}
	jobs, err := clusterjob.NewManager(s.registry, jobOpts...)
	if err != nil {
		return nil, fmt.Errorf("create cluster job manager: %w", err)
	}
	s.jobs = jobs
	return s, nil
}

// Evaluate returns the single decision for offer. Launch decisions have
// already been recorded as staged when Evaluate returns.
func (s *Scheduler) Evaluate(ctx context.Context, offer Offer) Decision {
	start := time.Now()

	s.mu.Lock()
	now := s.now()
	p := s.decide(offer, now)
	d, err := s.commit(offer, p, now)
	if err != nil {
		d = Decision{Kind: DecisionDecline, OfferID: offer.ID, NodeID: offer.NodeID, Reason: "internal_error"}
	}
	if d.Kind != DecisionDecline {
		s.generation++
	}
	counts := s.registry.NodeCounts()
	s.mu.Unlock()

	s.recordDecision(ctx, d, time.Since(start), err)
	if p.register && err == nil {
		s.recordNodeCounts(ctx, offer.NodeID, counts)
	}
	return d
}

// DispatchStatus applies a task status update. Unknown nodes and stale
// statuses are reported and returned but leave state untouched.
func (s *Scheduler) DispatchStatus(ctx context.Context, st TaskStatus) error {
	s.mu.Lock()
	jobBefore, hadJob := s.jobs.Current()
	kind, err := s.applyStatus(st, s.now())
	jobAfter, hasJob := s.jobs.Current()
	if err == nil {
		s.generation++
	}
	s.mu.Unlock()

	fields := map[string]interface{}{
		"task_id": st.TaskID,
		"state":   st.State.String(),
	}
	if st.Message != "" {
		fields["message"] = st.Message
	}
	s.recordDispatch(ctx, "status", string(kind), st.NodeID, st.ExecutorID, fields, err)
	if hadJob && !hasJob {
		s.recordJobFinished(ctx, jobBefore.Type, jobBefore.ID)
	} else if hadJob && hasJob && len(jobAfter.CompletedNodes) > len(jobBefore.CompletedNodes) {
		last := jobAfter.CompletedNodes[len(jobAfter.CompletedNodes)-1]
		s.recordJobNode(ctx, jobAfter, last)
	}
	return err
}

// DispatchMessage applies an executor message.
func (s *Scheduler) DispatchMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	err := s.applyMessage(msg, s.now())
	if err == nil {
		s.generation++
	}
	s.mu.Unlock()

	s.recordDispatch(ctx, "message", string(msg.Kind), msg.NodeID, msg.ExecutorID, nil, err)
	return err
}

// NodeCounts returns the number of known nodes and seeds.
func (s *Scheduler) NodeCounts() cluster.NodeCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.NodeCounts()
}

// Nodes returns every node in registration order with its latest health report.
func (s *Scheduler) Nodes() []NodeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.registry.Nodes()
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		view := NodeView{Node: n}
		if snap, ok := s.health.Latest(n.ID); ok {
			view.Health = &snap
		}
		out = append(out, view)
	}
	return out
}

// Node returns one node with its latest health report.
func (s *Scheduler) Node(id cluster.NodeID) (NodeView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.registry.Get(id)
	if !ok {
		return NodeView{}, false
	}
	view := NodeView{Node: n}
	if snap, ok := s.health.Latest(id); ok {
		view.Health = &snap
	}
	return view, true
}

// CurrentClusterJob returns the active job, if any.
func (s *Scheduler) CurrentClusterJob() (clusterjob.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Current()
}

// LastClusterJob returns the most recently finished job of type t.
func (s *Scheduler) LastClusterJob(t clusterjob.JobType) (clusterjob.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.LastOfType(t)
}

// StartClusterJob starts a job of type t over every node running its server.
func (s *Scheduler) StartClusterJob(ctx context.Context, t clusterjob.JobType) (clusterjob.Job, error) {
	s.mu.Lock()
	job, err := s.jobs.Start(t)
	if err == nil {
		s.generation++
	}
	s.mu.Unlock()

	s.recordJobStart(ctx, t, job, err)
	if err == nil && job.Finished() {
		s.recordJobFinished(ctx, job.Type, job.ID)
	}
	return job, err
}

// AbortClusterJob stops the active job once its in-flight node, if any, reports.
func (s *Scheduler) AbortClusterJob(ctx context.Context) (clusterjob.Job, error) {
	s.mu.Lock()
	job, err := s.jobs.Abort()
	if err == nil {
		s.generation++
	}
	s.mu.Unlock()

	if err != nil {
		return job, err
	}
	s.recordJobEvent(ctx, job.Type, "aborted", observability.LevelWarn, map[string]interface{}{
		"job_id":   job.ID,
		"archived": job.Finished(),
	})
	if job.Finished() {
		s.recordJobFinished(ctx, job.Type, job.ID)
	}
	return job, nil
}

// Generation increases whenever state changes.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot copies the full state for persistence.
func (s *Scheduler) Snapshot() state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, last := s.jobs.Export()
	return state.Snapshot{
		Version:    state.SnapshotVersion,
		SavedAt:    s.now().UTC(),
		Generation: s.generation,
		SeedTarget: s.registry.SeedTarget(),
		Nodes:      s.registry.Export(),
		Health:     s.health.Export(),
		CurrentJob: active,
		LastJobs:   last,
	}
}

// Restore replaces all state with snap. Seed assignments are kept as
// recorded even if the configured seed count changed since.
func (s *Scheduler) Restore(ctx context.Context, snap state.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.registry.Restore(snap.Nodes); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.jobs.Restore(snap.CurrentJob, snap.LastJobs); err != nil {
		s.mu.Unlock()
		return err
	}
	s.health.Restore(snap.Health)
	s.pollers = make(map[cluster.NodeID]*rate.Limiter)
	s.generation = snap.Generation
	counts := s.registry.NodeCounts()
	s.mu.Unlock()

	fields := map[string]interface{}{
		"nodes":      counts.Nodes,
		"seeds":      counts.Seeds,
		"generation": snap.Generation,
		"saved_at":   snap.SavedAt.Format(time.RFC3339Nano),
	}
	level := observability.LevelInfo
	if snap.SeedTarget != 0 && snap.SeedTarget != s.cfg.SeedCount {
		level = observability.LevelWarn
		fields["stored_seed_target"] = snap.SeedTarget
		fields["configured_seed_target"] = s.cfg.SeedCount
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "state_restored",
		Fields: fields,
	})
	return nil
}
