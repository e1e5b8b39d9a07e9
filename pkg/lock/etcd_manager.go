package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/seedkeeper/seedkeeper/pkg/etcdutil"
)

// EtcdManagerOptions configures the etcd-backed leadership lock.
type EtcdManagerOptions struct {
	// Client reuses an existing connection; the manager then leaves closing it to the caller.
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration
	LockKey     string
	Namespace   string
	TTL         time.Duration
	TLS         *tls.Config
	Instance    string
	ProcessID   int
	Clock       func() time.Time
}

// EtcdManager elects a leader through an etcd mutex held by a session lease.
type EtcdManager struct {
	client     *clientv3.Client
	ownsClient bool
	key        string
	ttlSeconds int
	identity   holderIdentity
	now        func() time.Time
}

type holderIdentity struct {
	instance string
	pid      int
}

// Holder is the annotation stored on the mutex key by the current leader.
type Holder struct {
	Instance   string `json:"instance"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager builds a lock manager backed by etcd.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if opts.Client == nil && len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lock manager requires a client or at least one endpoint")
	}
	trimmedKey := strings.TrimSpace(opts.LockKey)
	if trimmedKey == "" {
		return nil, errors.New("etcd lock manager requires a non-empty lock key")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd lock manager requires a positive TTL")
	}

	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return nil, errors.New("etcd lock manager requires an instance name for metadata")
		}
		instance = host
	}

	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	ttlSeconds := int(math.Ceil(opts.TTL.Seconds()))
	if ttlSeconds <= 0 {
		return nil, errors.New("etcd lock manager TTL must be at least 1 second")
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

	return &EtcdManager{
		client:     client,
		ownsClient: owns,
		key:        etcdutil.ApplyNamespace(opts.Namespace, trimmedKey),
		ttlSeconds: ttlSeconds,
		identity: holderIdentity{
			instance: instance,
			pid:      pid,
		},
		now: clock,
	}, nil
}

// Close releases the client when the manager dialed it itself.
func (m *EtcdManager) Close() error {
	if m == nil || !m.ownsClient {
		return nil
	}
	return m.client.Close()
}

// Acquire attempts to become leader without waiting.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	linearizableCtx := clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds), concurrency.WithContext(ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(linearizableCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("try lock: %w", err)
	}

	if err := m.annotate(linearizableCtx, session, mutex); err != nil {
		cleanupBase := clientv3.WithRequireLeader(context.Background())
		cleanupCtx, cancel := context.WithTimeout(cleanupBase, 5*time.Second)
		_ = mutex.Unlock(cleanupCtx)
		cancel()
		_ = session.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("annotate lock: %w", err)
	}

	return &etcdLease{session: session, mutex: mutex}, nil
}

// Leader returns the annotation of the current holder, if any.
func (m *EtcdManager) Leader(ctx context.Context) (Holder, bool, error) {
	resp, err := m.client.Get(clientv3.WithRequireLeader(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, false, fmt.Errorf("read leader: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Holder{}, false, nil
	}
	var holder Holder
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		return Holder{}, false, fmt.Errorf("decode leader annotation: %w", err)
	}
	return holder, true, nil
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLease) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)

	unlockErr := l.mutex.Unlock(ctx)
	closeErr := l.session.Close()

	if unlockErr != nil && !errors.Is(unlockErr, concurrency.ErrLockReleased) {
		if errors.Is(unlockErr, context.Canceled) || errors.Is(unlockErr, context.DeadlineExceeded) {
			return unlockErr
		}
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		if errors.Is(closeErr, context.Canceled) || errors.Is(closeErr, context.DeadlineExceeded) {
			return closeErr
		}
		return fmt.Errorf("close session: %w", closeErr)
	}

	return nil
}

func (l *etcdLease) Done() <-chan struct{} {
	return l.session.Done()
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, mutex *concurrency.Mutex) error {
	payload, err := json.Marshal(Holder{
		Instance:   m.identity.instance,
		PID:        m.identity.pid,
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	_, err = session.Client().Put(ctx, mutex.Key(), string(payload), clientv3.WithLease(session.Lease()))
	return err
}
