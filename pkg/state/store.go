// Package state persists scheduler snapshots so a restarted or newly elected
// scheduler resumes bootstrap progress and cluster jobs where they stopped.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
)

// SnapshotVersion is the payload format written by this build.
const SnapshotVersion = 1

// ErrConcurrentUpdate is returned when the stored snapshot changed since it was last read.
var ErrConcurrentUpdate = errors.New("state: snapshot modified concurrently")

// Snapshot is the full scheduler state at one point in time.
type Snapshot struct {
	Version    int                                       `json:"version"`
	SavedAt    time.Time                                 `json:"saved_at"`
	Generation uint64                                    `json:"generation"`
	SeedTarget int                                       `json:"seed_target"`
	Nodes      []cluster.Node                            `json:"nodes"`
	Health     map[cluster.NodeID]cluster.HealthSnapshot `json:"health,omitempty"`
	CurrentJob *clusterjob.Job                           `json:"current_job,omitempty"`
	LastJobs   map[clusterjob.JobType]clusterjob.Job     `json:"last_jobs,omitempty"`
}

// Validate rejects snapshots this build cannot restore.
func (s Snapshot) Validate() error {
	if s.Version <= 0 || s.Version > SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d (want 1..%d)", s.Version, SnapshotVersion)
	}
	return nil
}

// Store loads and saves snapshots.
type Store interface {
	// Load returns the stored snapshot; ok is false when nothing was saved yet.
	Load(ctx context.Context) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}
