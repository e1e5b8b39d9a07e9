// Package lock provides the leadership lease that keeps a single seedkeeper
// instance acting on a cluster.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotAcquired indicates that the lock is currently held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager coordinates access to a distributed lock.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
	// Done is closed when the lease is lost or released.
	Done() <-chan struct{}
}

// NoopManager returns an immediately acquired lease without performing any remote coordination.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &noopLease{done: make(chan struct{})}, nil
}

type noopLease struct {
	once sync.Once
	done chan struct{}
}

func (l *noopLease) Release(context.Context) error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *noopLease) Done() <-chan struct{} {
	return l.done
}

var _ Manager = (*NoopManager)(nil)
var _ Lease = (*noopLease)(nil)
