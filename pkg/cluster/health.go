package cluster

// HealthMonitor keeps the latest health snapshot per node. Older reports are
// overwritten, never merged.
type HealthMonitor struct {
	latest map[NodeID]HealthSnapshot
}

// NewHealthMonitor builds an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{latest: make(map[NodeID]HealthSnapshot)}
}

// Record stores snap as the node's latest snapshot.
func (m *HealthMonitor) Record(id NodeID, snap HealthSnapshot) {
	if snap.OperationMode == "" {
		snap.OperationMode = ModeUnknown
	}
	m.latest[id] = snap
}

// Latest returns the most recent snapshot for id.
func (m *HealthMonitor) Latest(id NodeID) (HealthSnapshot, bool) {
	snap, ok := m.latest[id]
	return snap, ok
}

// IsHealthyAndInMode reports whether the latest snapshot is healthy and in mode.
func (m *HealthMonitor) IsHealthyAndInMode(id NodeID, mode OperationMode) bool {
	snap, ok := m.latest[id]
	return ok && snap.Healthy && snap.OperationMode == mode
}

// Export copies every snapshot for persistence.
func (m *HealthMonitor) Export() map[NodeID]HealthSnapshot {
	out := make(map[NodeID]HealthSnapshot, len(m.latest))
	for id, snap := range m.latest {
		out[id] = snap
	}
	return out
}

// Restore replaces all snapshots.
func (m *HealthMonitor) Restore(snaps map[NodeID]HealthSnapshot) {
	m.latest = make(map[NodeID]HealthSnapshot, len(snaps))
	for id, snap := range snaps {
		m.latest[id] = snap
	}
}
