package scheduler

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/config"
)

// plan is what decide selects for an offer before any state changes.
type plan struct {
	action   DecisionKind
	kind     cluster.TaskKind
	register bool
	reason   string
}

func decline(reason string) plan {
	return plan{action: DecisionDecline, reason: reason}
}

func launch(kind cluster.TaskKind) plan {
	return plan{action: DecisionLaunch, kind: kind}
}

// decide walks the priority chain for offer. It reads state only.
func (s *Scheduler) decide(offer Offer, now time.Time) plan {
	node, known := s.registry.Get(offer.NodeID)
	if !known {
		if s.cfg.NodeCount > 0 && s.registry.NodeCounts().Nodes >= s.cfg.NodeCount {
			return decline(ReasonNodeCapReached)
		}
		p := s.fit(launch(cluster.TaskMetadata), offer)
		p.register = p.action == DecisionLaunch
		return p
	}

	staged := hasStagedTask(node)
	reason := ReasonNothingToDo
	if staged {
		reason = ReasonAwaitingTaskStatus
	}

	if !staged && !node.TaskState(cluster.TaskMetadata).InFlight() {
		return s.fit(launch(cluster.TaskMetadata), offer)
	}

	if !node.TaskState(cluster.TaskServer).InFlight() {
		switch {
		case staged:
		case cluster.MayStartServer(node, s.registry, s.health):
			return s.fit(launch(cluster.TaskServer), offer)
		case !s.registry.SeedTargetReached():
			reason = ReasonAwaitingSeedTarget
		case !node.Seed && !cluster.AnySeedNormal(s.registry, s.health):
			reason = ReasonAwaitingHealthySeed
		}
	}

	if !staged && s.jobs.CanLaunchOn(node.ID) &&
		node.TaskState(cluster.TaskServer) == cluster.TaskRunning &&
		!node.TaskState(cluster.TaskNodeJob).InFlight() {
		return s.fit(launch(cluster.TaskNodeJob), offer)
	}

	if s.jobs.IsCurrentNode(node.ID) &&
		node.TaskState(cluster.TaskNodeJob) == cluster.TaskRunning &&
		s.pollAllowed(node.ID, now) {
		return plan{action: DecisionSubmit, kind: cluster.TaskNodeJob}
	}

	return decline(reason)
}

// fit turns a launch into a decline when the offer cannot hold the task.
func (s *Scheduler) fit(p plan, offer Offer) plan {
	if p.action != DecisionLaunch {
		return p
	}
	if !s.requirements(p.kind).Fits(offer.Resources) {
		return decline(ReasonInsufficientResources)
	}
	return p
}

// commit applies p and builds the decision handed to the transport.
func (s *Scheduler) commit(offer Offer, p plan, now time.Time) (Decision, error) {
	d := Decision{Kind: p.action, OfferID: offer.ID, NodeID: offer.NodeID, Reason: p.reason}

	switch p.action {
	case DecisionDecline:
		return d, nil

	case DecisionSubmit:
		cur, ok := s.jobs.Current()
		if !ok || cur.CurrentNode == nil {
			return Decision{}, fmt.Errorf("status poll for node %q without a current job node", offer.NodeID)
		}
		s.consumePoll(offer.NodeID, now)
		d.Request = &Request{
			Kind:       RequestNodeJobStatus,
			ExecutorID: cur.CurrentNode.ExecutorID,
			TaskID:     cur.CurrentNode.TaskID,
			JobType:    cur.Type,
		}
		return d, nil
	}

	node, created := s.registry.GetOrCreate(offer.NodeID, offer.Hostname)
	if p.register && !created {
		return Decision{}, fmt.Errorf("node %q registered between decide and commit", offer.NodeID)
	}

	spec := &TaskSpec{
		ExecutorID:  node.ExecutorID,
		Kind:        p.kind,
		Resources:   s.requirements(p.kind),
		ClusterName: s.cfg.ClusterName,
		Seed:        node.Seed,
	}
	switch p.kind {
	case cluster.TaskMetadata:
		spec.TaskID = node.ExecutorID
	case cluster.TaskServer:
		spec.TaskID = node.ExecutorID + ".server"
		spec.Seeds = s.seedAddresses()
	case cluster.TaskNodeJob:
		cur, ok := s.jobs.Current()
		if !ok {
			return Decision{}, fmt.Errorf("node job launch for %q without an active job", node.ID)
		}
		spec.JobType = cur.Type
		spec.TaskID = node.ExecutorID + "." + string(cur.Type)
		if _, ok := s.jobs.NextEligibleNode(node.ID, node.ExecutorID, spec.TaskID); !ok {
			return Decision{}, fmt.Errorf("node %q is no longer eligible for job %s", node.ID, cur.ID)
		}
	default:
		return Decision{}, fmt.Errorf("unknown task kind %q", p.kind)
	}

	if err := s.registry.RecordTaskStaged(node.ID, p.kind, spec.TaskID); err != nil {
		return Decision{}, err
	}
	d.Task = spec
	return d, nil
}

func (s *Scheduler) requirements(kind cluster.TaskKind) config.Resources {
	switch kind {
	case cluster.TaskMetadata:
		return s.cfg.Resources.Metadata
	case cluster.TaskServer:
		return s.cfg.Resources.Server
	case cluster.TaskNodeJob:
		return s.cfg.Resources.NodeJob
	}
	return config.Resources{}
}

// seedAddresses lists seed IPs, falling back to hostnames for seeds whose
// metadata has not arrived yet.
func (s *Scheduler) seedAddresses() []string {
	seeds := s.registry.Seeds()
	out := make([]string, 0, len(seeds))
	for _, n := range seeds {
		switch {
		case n.IP != "":
			out = append(out, n.IP)
		case n.Hostname != "":
			out = append(out, n.Hostname)
		}
	}
	return out
}

func (s *Scheduler) pollAllowed(id cluster.NodeID, now time.Time) bool {
	if s.pollInterval <= 0 {
		return true
	}
	lim, ok := s.pollers[id]
	if !ok {
		return true
	}
	return lim.TokensAt(now) >= 1
}

func (s *Scheduler) consumePoll(id cluster.NodeID, now time.Time) {
	if s.pollInterval <= 0 {
		return
	}
	lim, ok := s.pollers[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.pollInterval), 1)
		s.pollers[id] = lim
	}
	lim.AllowN(now, 1)
}

func hasStagedTask(n cluster.Node) bool {
	for _, rec := range n.Tasks {
		if rec.State == cluster.TaskStaged {
			return true
		}
	}
	return false
}
