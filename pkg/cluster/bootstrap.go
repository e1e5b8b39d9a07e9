package cluster

// MayStartServer decides whether node may launch its server task now.
//
// Nothing starts until every seed slot is filled. Seeds then start as soon as
// their metadata task runs; non-seeds additionally wait until at least one
// seed reports healthy in NORMAL mode.
func MayStartServer(node Node, registry *Registry, health *HealthMonitor) bool {
	if registry == nil || health == nil {
		return false
	}
	if !registry.SeedTargetReached() {
		return false
	}
	if node.TaskState(TaskMetadata) != TaskRunning {
		return false
	}
	if node.Seed {
		return true
	}
	return AnySeedNormal(registry, health)
}

// AnySeedNormal reports whether some seed's latest snapshot is healthy and NORMAL.
func AnySeedNormal(registry *Registry, health *HealthMonitor) bool {
	for _, seed := range registry.Seeds() {
		if health.IsHealthyAndInMode(seed.ID, ModeNormal) {
			return true
		}
	}
	return false
}
