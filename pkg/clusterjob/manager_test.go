package clusterjob

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestManager(t *testing.T, running ...cluster.NodeID) (*Manager, *cluster.Registry) {
	t.Helper()
	reg := cluster.NewRegistry(1)
	for _, id := range running {
		n, _ := reg.GetOrCreate(id, string(id))
		taskID := n.ExecutorID + ".server"
		require.NoError(t, reg.RecordTaskStaged(id, cluster.TaskServer, taskID))
		require.NoError(t, reg.RecordTaskRunning(id, cluster.TaskServer, taskID, nil))
	}
	clock := &stepClock{t: time.Unix(1700000000, 0).UTC()}
	seq := 0
	mgr, err := NewManager(reg,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("job-%d", seq)
		}),
	)
	require.NoError(t, err)
	return mgr, reg
}

func runNode(t *testing.T, m *Manager, id cluster.NodeID) NodeJobStatus {
	t.Helper()
	status, ok := m.NextEligibleNode(id, string(id)+".executor", string(id)+".executor.REPAIR")
	require.True(t, ok, "node %s should be eligible", id)
	return status
}

func TestNewManagerRequiresRegistry(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)
}

func TestStartQueuesRunningServersInOrder(t *testing.T) {
	m, reg := newTestManager(t, "a", "b", "c")
	reg.GetOrCreate("idle", "")

	job, err := m.Start(TypeRepair)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, []cluster.NodeID{"a", "b", "c"}, job.RemainingNodes)
	assert.Nil(t, job.CurrentNode)
	assert.False(t, job.Finished())
}

func TestStartRejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t, "a")
	_, err := m.Start("COMPACT")
	require.ErrorIs(t, err, ErrUnknownJobType)

	job, err := m.Start("cleanup")
	require.NoError(t, err)
	assert.Equal(t, TypeCleanup, job.Type)
}

func TestStartConflictsWithActiveJob(t *testing.T) {
	m, _ := newTestManager(t, "a")
	first, err := m.Start(TypeRepair)
	require.NoError(t, err)

	_, err = m.Start(TypeCleanup)
	var conflict *cluster.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ActiveJobID)
	assert.True(t, errors.Is(err, cluster.ErrConflict))

	current, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID)
}

func TestStartWithoutRunningServersArchivesImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	job, err := m.Start(TypeCleanup)
	require.NoError(t, err)
	assert.True(t, job.Finished())

	_, ok := m.Current()
	assert.False(t, ok)
	last, ok := m.LastOfType(TypeCleanup)
	require.True(t, ok)
	assert.Equal(t, job.ID, last.ID)
}

func TestOneNodeAtATime(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	_, err := m.Start(TypeRepair)
	require.NoError(t, err)

	status := runNode(t, m, "a")
	assert.True(t, status.Running)
	assert.Equal(t, TypeRepair, status.JobType)
	assert.True(t, m.IsCurrentNode("a"))

	assert.False(t, m.CanLaunchOn("b"))
	_, ok := m.NextEligibleNode("b", "b.executor", "b.executor.REPAIR")
	assert.False(t, ok)
	// a node never dequeues twice
	assert.False(t, m.CanLaunchOn("a"))

	require.NoError(t, m.Complete("a", Progress{}))
	assert.True(t, m.CanLaunchOn("b"))
}

func TestCanLaunchOnIsSideEffectFree(t *testing.T) {
	m, _ := newTestManager(t, "a")
	_, err := m.Start(TypeRepair)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, m.CanLaunchOn("a"))
	}
	job, _ := m.Current()
	assert.Equal(t, []cluster.NodeID{"a"}, job.RemainingNodes)
	assert.Nil(t, job.CurrentNode)
}

func TestRepairWithFailingNodeContinues(t *testing.T) {
	m, _ := newTestManager(t, "a", "b", "c")
	_, err := m.Start(TypeRepair)
	require.NoError(t, err)

	runNode(t, m, "a")
	require.NoError(t, m.RecordProgress("a", Progress{RemainingWorkItems: []string{"ks2"}, ProcessedWorkItems: []WorkItemStatus{{Name: "ks1", Status: "ok", Duration: time.Second}}}))
	cur, _ := m.Current()
	require.NotNil(t, cur.CurrentNode)
	assert.Equal(t, []string{"ks2"}, cur.CurrentNode.RemainingWorkItems)
	require.NoError(t, m.Complete("a", Progress{RemainingWorkItems: []string{}, ProcessedWorkItems: []WorkItemStatus{{Name: "ks1", Status: "ok"}, {Name: "ks2", Status: "ok"}}}))

	runNode(t, m, "b")
	require.NoError(t, m.Fail("b", ""))

	runNode(t, m, "c")
	require.NoError(t, m.Complete("c", Progress{}))

	_, ok := m.Current()
	assert.False(t, ok)
	last, ok := m.LastOfType(TypeRepair)
	require.True(t, ok)
	require.Len(t, last.CompletedNodes, 3)
	assert.Equal(t, []cluster.NodeID{"b"}, last.FailedNodes())
	assert.NotEmpty(t, last.CompletedNodes[1].FailureMessage)
	assert.False(t, last.CompletedNodes[0].Running)
	assert.NotNil(t, last.CompletedNodes[0].FinishedAt)
	assert.Len(t, last.CompletedNodes[0].ProcessedWorkItems, 2)
	assert.True(t, last.Finished())
	assert.Empty(t, last.RemainingNodes)
}

func TestCompleteKeepsReportedFailure(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	_, err := m.Start(TypeRepair)
	require.NoError(t, err)

	runNode(t, m, "a")
	running := false
	require.NoError(t, m.RecordProgress("a", Progress{Running: &running}))
	cur, _ := m.Current()
	require.NotNil(t, cur.CurrentNode)
	assert.False(t, cur.CurrentNode.Running)
	assert.True(t, m.IsCurrentNode("a"))

	require.NoError(t, m.Complete("a", Progress{Failed: true, FailureMessage: "keyspace ks1 repair failed"}))

	runNode(t, m, "b")
	require.NoError(t, m.Complete("b", Progress{Failed: true}))

	last, ok := m.LastOfType(TypeRepair)
	require.True(t, ok)
	assert.Equal(t, []cluster.NodeID{"a", "b"}, last.FailedNodes())
	assert.Equal(t, "keyspace ks1 repair failed", last.CompletedNodes[0].FailureMessage)
	assert.Equal(t, defaultFailureMessage, last.CompletedNodes[1].FailureMessage)
}

func TestProgressForNonCurrentNodeIsStale(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")

	err := m.RecordProgress("a", Progress{})
	require.ErrorIs(t, err, cluster.ErrStaleTask)

	_, err = m.Start(TypeRepair)
	require.NoError(t, err)
	runNode(t, m, "a")

	require.ErrorIs(t, m.RecordProgress("b", Progress{}), cluster.ErrStaleTask)
	require.ErrorIs(t, m.Complete("b", Progress{}), cluster.ErrStaleTask)
	require.NoError(t, m.Complete("a", Progress{}))
	// late report from the finished node
	require.ErrorIs(t, m.RecordProgress("a", Progress{}), cluster.ErrStaleTask)
}

func TestNodesJoiningAfterStartAreIgnored(t *testing.T) {
	m, reg := newTestManager(t, "a")
	_, err := m.Start(TypeCleanup)
	require.NoError(t, err)

	n, _ := reg.GetOrCreate("late", "")
	require.NoError(t, reg.RecordTaskStaged("late", cluster.TaskServer, n.ExecutorID+".server"))
	require.NoError(t, reg.RecordTaskRunning("late", cluster.TaskServer, n.ExecutorID+".server", nil))

	assert.False(t, m.CanLaunchOn("late"))
	runNode(t, m, "a")
	require.NoError(t, m.Complete("a", Progress{}))

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestJobsRoundTripIntoHistory(t *testing.T) {
	m, _ := newTestManager(t, "a")

	for i := 0; i < 2; i++ {
		for _, jt := range JobTypes {
			job, err := m.Start(jt)
			require.NoError(t, err)
			runNode(t, m, "a")
			require.NoError(t, m.Complete("a", Progress{}))

			last, ok := m.LastOfType(jt)
			require.True(t, ok)
			assert.Equal(t, job.ID, last.ID)
		}
	}
	repair, _ := m.LastOfType(TypeRepair)
	cleanup, _ := m.LastOfType(TypeCleanup)
	assert.Equal(t, "job-3", repair.ID)
	assert.Equal(t, "job-4", cleanup.ID)
}

func TestAbortWithoutInFlightNodeArchives(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	_, err := m.Abort()
	require.ErrorIs(t, err, ErrNoActiveJob)

	_, err = m.Start(TypeRepair)
	require.NoError(t, err)
	job, err := m.Abort()
	require.NoError(t, err)
	assert.True(t, job.Aborted)
	assert.True(t, job.Finished())
	assert.Empty(t, job.RemainingNodes)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestAbortWaitsForInFlightNode(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	_, err := m.Start(TypeRepair)
	require.NoError(t, err)
	runNode(t, m, "a")

	job, err := m.Abort()
	require.NoError(t, err)
	assert.True(t, job.Aborted)
	assert.False(t, job.Finished())
	assert.False(t, m.CanLaunchOn("b"))

	require.NoError(t, m.Fail("a", "killed"))
	_, ok := m.Current()
	assert.False(t, ok)
	last, _ := m.LastOfType(TypeRepair)
	assert.True(t, last.Aborted)
	require.Len(t, last.CompletedNodes, 1)
	assert.Equal(t, "killed", last.CompletedNodes[0].FailureMessage)
}

func TestExportRestore(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	_, err := m.Start(TypeCleanup)
	require.NoError(t, err)
	runNode(t, m, "a")
	require.NoError(t, m.Complete("a", Progress{}))
	runNode(t, m, "b")

	active, last := m.Export()
	require.NotNil(t, active)

	other, _ := newTestManager(t)
	require.NoError(t, other.Restore(active, last))
	assert.True(t, other.IsCurrentNode("b"))
	require.NoError(t, other.Complete("b", Progress{}))
	archived, ok := other.LastOfType(TypeCleanup)
	require.True(t, ok)
	assert.Len(t, archived.CompletedNodes, 2)

	require.Error(t, other.Restore(&Job{ID: "x", Type: "BOGUS"}, nil))
}
