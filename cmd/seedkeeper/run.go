package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/seedkeeper/seedkeeper/pkg/api"
	"github.com/seedkeeper/seedkeeper/pkg/config"
	"github.com/seedkeeper/seedkeeper/pkg/etcdutil"
	"github.com/seedkeeper/seedkeeper/pkg/lock"
	"github.com/seedkeeper/seedkeeper/pkg/observability"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
	"github.com/seedkeeper/seedkeeper/pkg/state"
)

const shutdownTimeout = 10 * time.Second

var errLeadershipLost = errors.New("leadership lease lost")

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
			}
			base, err := observability.NewZap(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return withCode(exitConfigError, err)
			}
			defer func() { _ = base.Sync() }()
			return runDaemon(cmd.Context(), cfg, base, nil)
		},
	}
	return cmd
}

// daemonHooks lets tests observe the bound API address.
type daemonHooks struct {
	onListen func(addr net.Addr)
}

// runDaemon wires the scheduler, its state store, leadership and the API,
// then blocks until ctx ends or leadership is lost.
func runDaemon(ctx context.Context, cfg *config.Config, base *zap.Logger, hooks *daemonHooks) error {
	if hooks == nil {
		hooks = &daemonHooks{}
	}
	logger := observability.NewZapLogger(base)

	var (
		collector *observability.PrometheusCollector
		metrics   observability.MetricsCollector
	)
	if cfg.Metrics.Enabled {
		collector = observability.NewPrometheusCollector()
		metrics = collector
	}
	reporter := scheduler.NewStructuredReporter(cfg.InstanceName, logger, metrics)
	daemonEvents := reporter.WithComponent("daemon")

	sched, err := scheduler.New(cfg, scheduler.WithReporter(reporter))
	if err != nil {
		return withCode(exitConfigError, err)
	}

	var client *clientv3.Client
	if cfg.State.Backend == config.StateBackendEtcd || cfg.LeaderElection.Enabled {
		client, err = etcdutil.NewClientFromConfig(cfg)
		if err != nil {
			return withCode(exitUnavailable, fmt.Errorf("connect to etcd: %w", err))
		}
		defer client.Close()
	}

	store, err := newStore(cfg, client)
	if err != nil {
		return withCode(exitConfigError, err)
	}
	defer store.Close()

	manager, err := newLockManager(cfg, client)
	if err != nil {
		return withCode(exitConfigError, err)
	}

	lease, err := lock.AcquireWithBackoff(ctx, manager, lock.BackoffOptions{
		Min: time.Second,
		Max: 15 * time.Second,
		OnContended: func(attempt int, delay time.Duration) {
			daemonEvents.RecordEvent(ctx, observability.Event{
				Level: observability.LevelInfo,
				Event: "leadership_contended",
				Fields: map[string]interface{}{
					"attempt":  attempt,
					"retry_in": delay.String(),
				},
			})
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return withCode(exitUnavailable, err)
	}
	daemonEvents.RecordEvent(ctx, observability.Event{Level: observability.LevelInfo, Event: "leadership_acquired"})
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			daemonEvents.RecordEvent(releaseCtx, observability.Event{
				Level:  observability.LevelWarn,
				Event:  "leadership_release_failed",
				Fields: map[string]interface{}{"error": err.Error()},
			})
		}
	}()

	// state is loaded only once leadership is held
	publisherOpts := []scheduler.PublisherOption{
		scheduler.WithPublisherReporter(reporter.WithComponent("state")),
		scheduler.WithPublisherErrorHandler(func(err error) {
			daemonEvents.RecordEvent(ctx, observability.Event{
				Level:  observability.LevelWarn,
				Event:  "state_save_retry",
				Fields: map[string]interface{}{"error": err.Error()},
			})
		}),
	}
	publisher, err := scheduler.NewPublisher(sched, store, cfg.PersistInterval(), publisherOpts...)
	if err != nil {
		return withCode(exitConfigError, err)
	}
	snap, ok, err := store.Load(ctx)
	if err != nil {
		return withCode(exitUnavailable, fmt.Errorf("load scheduler state: %w", err))
	}
	if ok {
		if err := sched.Restore(ctx, snap); err != nil {
			return withCode(exitRuntime, fmt.Errorf("restore scheduler state: %w", err))
		}
		publisher.MarkSaved(snap.Generation)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-lease.Done():
			cancel(errLeadershipLost)
		case <-runCtx.Done():
		}
	}()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		cancel(err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(runCtx); err != nil && !isShutdown(err) {
			fail(fmt.Errorf("state publisher: %w", err))
		}
	}()

	if cfg.API.Enabled {
		opts := []api.Option{
			api.WithReadiness(func(context.Context) error {
				select {
				case <-lease.Done():
					return errLeadershipLost
				default:
					return nil
				}
			}),
		}
		if collector != nil {
			opts = append(opts, api.WithMetricsHandler(collector.Handler()))
		}
		server, err := api.New(sched, opts...)
		if err != nil {
			cancel(err)
			wg.Wait()
			return withCode(exitRuntime, err)
		}
		ln, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			cancel(err)
			wg.Wait()
			return withCode(exitUnavailable, fmt.Errorf("listen on %s: %w", cfg.API.Listen, err))
		}
		if hooks.onListen != nil {
			hooks.onListen(ln.Addr())
		}
		daemonEvents.RecordEvent(ctx, observability.Event{
			Level:  observability.LevelInfo,
			Event:  "api_listening",
			Fields: map[string]interface{}{"addr": ln.Addr().String()},
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(runCtx, ln, shutdownTimeout); err != nil {
				fail(fmt.Errorf("api server: %w", err))
			}
		}()
	}

	<-runCtx.Done()
	wg.Wait()

	cause := context.Cause(runCtx)
	daemonEvents.RecordEvent(context.Background(), observability.Event{
		Level:  observability.LevelInfo,
		Event:  "scheduler_stopped",
		Fields: map[string]interface{}{"cause": fmt.Sprint(cause)},
	})
	switch {
	case len(errs) > 0:
		return withCode(exitRuntime, errors.Join(errs...))
	case errors.Is(cause, errLeadershipLost):
		return withCode(exitUnavailable, cause)
	}
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errLeadershipLost)
}

func newStore(cfg *config.Config, client *clientv3.Client) (state.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendEtcd:
		return state.NewEtcdStore(state.EtcdStoreOptions{
			Client:    client,
			Namespace: cfg.State.EtcdNamespace,
			Key:       cfg.State.Key,
		})
	case config.StateBackendMemory, "":
		return state.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported state backend %q", cfg.State.Backend)
}

func newLockManager(cfg *config.Config, client *clientv3.Client) (lock.Manager, error) {
	if !cfg.LeaderElection.Enabled {
		return lock.NewNoopManager(), nil
	}
	return lock.NewEtcdManager(lock.EtcdManagerOptions{
		Client:   client,
		LockKey:  cfg.LeaderElection.LockKey,
		TTL:      cfg.LeaderTTL(),
		Instance: cfg.InstanceName,
	})
}
