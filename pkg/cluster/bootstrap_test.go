package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMetadata(t *testing.T, reg *Registry, id NodeID) Node {
	t.Helper()
	n, _ := reg.GetOrCreate(id, "")
	require.NoError(t, reg.RecordTaskStaged(id, TaskMetadata, n.ExecutorID))
	require.NoError(t, reg.RecordTaskRunning(id, TaskMetadata, n.ExecutorID, nil))
	n, _ = reg.Get(id)
	return n
}

func TestMayStartServerWaitsForSeedTarget(t *testing.T) {
	reg := NewRegistry(2)
	health := NewHealthMonitor()

	a := runMetadata(t, reg, "a")
	assert.False(t, MayStartServer(a, reg, health), "seed target not reached yet")

	reg.GetOrCreate("b", "")
	a, _ = reg.Get("a")
	assert.True(t, MayStartServer(a, reg, health))

	b, _ := reg.Get("b")
	assert.False(t, MayStartServer(b, reg, health), "metadata of b not running")
}

func TestMayStartServerNonSeedNeedsNormalSeed(t *testing.T) {
	reg := NewRegistry(1)
	health := NewHealthMonitor()

	runMetadata(t, reg, "a")
	c := runMetadata(t, reg, "c")
	require.False(t, c.Seed)

	assert.False(t, MayStartServer(c, reg, health))

	health.Record("a", HealthSnapshot{Healthy: false, OperationMode: ModeNormal})
	assert.False(t, MayStartServer(c, reg, health))

	health.Record("a", HealthSnapshot{Healthy: true, OperationMode: ModeJoining})
	assert.False(t, MayStartServer(c, reg, health))

	// a healthy non-seed never opens the gate
	health.Record("c", HealthSnapshot{Healthy: true, OperationMode: ModeNormal})
	assert.False(t, MayStartServer(c, reg, health))

	health.Record("a", HealthSnapshot{Healthy: true, OperationMode: ModeNormal, Timestamp: time.Now()})
	assert.True(t, MayStartServer(c, reg, health))

	// latest snapshot wins
	health.Record("a", HealthSnapshot{Healthy: false, OperationMode: ModeNormal})
	assert.False(t, MayStartServer(c, reg, health))
}

func TestMayStartServerNilCollaborators(t *testing.T) {
	assert.False(t, MayStartServer(Node{Seed: true}, nil, NewHealthMonitor()))
	assert.False(t, MayStartServer(Node{Seed: true}, NewRegistry(1), nil))
}

func TestHealthMonitorLatestOnly(t *testing.T) {
	m := NewHealthMonitor()
	_, ok := m.Latest("a")
	assert.False(t, ok)

	m.Record("a", HealthSnapshot{Healthy: true, OperationMode: ModeJoining})
	m.Record("a", HealthSnapshot{Healthy: true})

	snap, ok := m.Latest("a")
	require.True(t, ok)
	assert.Equal(t, ModeUnknown, snap.OperationMode)
	assert.False(t, m.IsHealthyAndInMode("a", ModeJoining))

	exported := m.Export()
	other := NewHealthMonitor()
	other.Restore(exported)
	restored, ok := other.Latest("a")
	require.True(t, ok)
	assert.Equal(t, snap, restored)
}

func TestParseOperationMode(t *testing.T) {
	assert.Equal(t, ModeNormal, ParseOperationMode(" normal "))
	assert.Equal(t, ModeLeaving, ParseOperationMode("LEAVING"))
	assert.Equal(t, ModeUnknown, ParseOperationMode(""))
	assert.Equal(t, ModeUnknown, ParseOperationMode("sideways"))
}
