package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/seedkeeper/seedkeeper/pkg/etcdutil"
)

// EtcdStoreOptions configures the etcd-backed snapshot store.
type EtcdStoreOptions struct {
	// Client reuses an existing connection; Close then leaves it open.
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	Namespace   string
	Key         string
	Clock       func() time.Time
}

// EtcdStore keeps the snapshot as a JSON document under a single key.
// Writes are conditional on the revision last read or written, so a
// deposed scheduler cannot overwrite its successor's state.
type EtcdStore struct {
	client     *clientv3.Client
	ownsClient bool
	key        string
	now        func() time.Time

	mu       sync.Mutex
	revision int64
}

// NewEtcdStore constructs a snapshot store backed by etcd.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if opts.Client == nil && len(opts.Endpoints) == 0 {
		return nil, errors.New("state etcd store requires a client or at least one endpoint")
	}
	trimmedKey := strings.TrimSpace(opts.Key)
	if trimmedKey == "" {
		return nil, errors.New("state etcd store requires a key")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	client := opts.Client
	owns := false
	if client == nil {
		var err error
		client, err = etcdutil.NewClient(opts.Endpoints, opts.DialTimeout, opts.TLS)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	return &EtcdStore{
		client:     client,
		ownsClient: owns,
		key:        etcdutil.ApplyNamespace(opts.Namespace, trimmedKey),
		now:        clock,
	}, nil
}

// Key returns the absolute etcd key holding the snapshot.
func (s *EtcdStore) Key() string {
	return s.key
}

// Close releases the client when the store dialed it itself.
func (s *EtcdStore) Close() error {
	if s == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// Load implements Store.
func (s *EtcdStore) Load(ctx context.Context) (Snapshot, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Snapshot{}, false, err
		}
		return Snapshot{}, false, fmt.Errorf("read state key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(resp.Kvs) == 0 {
		s.revision = 0
		return Snapshot{}, false, nil
	}
	kv := resp.Kvs[0]
	var snap Snapshot
	if err := json.Unmarshal(kv.Value, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse state payload: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, false, err
	}
	s.revision = kv.ModRevision
	return snap, true, nil
}

// Save implements Store. It fails with ErrConcurrentUpdate when another
// writer touched the key since this store last read or wrote it.
func (s *EtcdStore) Save(ctx context.Context, snap Snapshot) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.client.Txn(clientv3.WithRequireLeader(ctx)).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", s.revision)).
		Then(clientv3.OpPut(s.key, string(payload))).
		Commit()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store state payload: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("save %s at revision %d: %w", s.key, s.revision, ErrConcurrentUpdate)
	}
	s.revision = resp.Header.Revision
	return nil
}

var _ Store = (*EtcdStore)(nil)
