package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seedkeeper/seedkeeper/pkg/observability"
	"github.com/seedkeeper/seedkeeper/pkg/state"
)

type snapshotSource interface {
	Generation() uint64
	Snapshot() state.Snapshot
}

// Publisher periodically saves the scheduler snapshot when it changed.
//
// A save rejected with state.ErrConcurrentUpdate means another scheduler owns
// the state now; Run then returns so the caller can step down.
type Publisher struct {
	source        snapshotSource
	store         state.Store
	interval      time.Duration
	sleep         func(time.Duration)
	errorHandler  func(error)
	reporter      Reporter
	flushTimeout  time.Duration
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration

	saved     bool
	savedGen  uint64
	lastSaved time.Time
}

// PublisherOption customises the publisher.
type PublisherOption func(*Publisher)

// WithPublisherSleepFunc overrides the sleep implementation between saves.
func WithPublisherSleepFunc(fn func(time.Duration)) PublisherOption {
	return func(p *Publisher) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithPublisherErrorHandler registers a callback for failed saves.
func WithPublisherErrorHandler(fn func(error)) PublisherOption {
	return func(p *Publisher) {
		p.errorHandler = fn
	}
}

// WithPublisherErrorBackoff overrides the retry window applied after failed saves.
func WithPublisherErrorBackoff(min, max time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.errorMinDelay = min
		p.errorMaxDelay = max
	}
}

// WithPublisherReporter attaches an observability reporter.
func WithPublisherReporter(rep Reporter) PublisherOption {
	return func(p *Publisher) {
		if rep != nil {
			p.reporter = rep
		}
	}
}

// NewPublisher builds a publisher saving source into store every interval.
func NewPublisher(source snapshotSource, store state.Store, interval time.Duration, opts ...PublisherOption) (*Publisher, error) {
	if source == nil {
		return nil, errors.New("publisher requires a snapshot source")
	}
	if store == nil {
		return nil, errors.New("publisher requires a state store")
	}
	if interval <= 0 {
		return nil, errors.New("persist interval must be greater than zero")
	}

	p := &Publisher{
		source:        source,
		store:         store,
		interval:      interval,
		reporter:      NoopReporter{},
		flushTimeout:  5 * time.Second,
		errorMinDelay: time.Second,
		errorMaxDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.errorMinDelay <= 0 {
		p.errorMinDelay = time.Second
	}
	if p.errorMaxDelay < p.errorMinDelay {
		p.errorMaxDelay = p.errorMinDelay
	}
	return p, nil
}

// MarkSaved records gen as already persisted, typically after a restore.
func (p *Publisher) MarkSaved(gen uint64) {
	p.saved = true
	p.savedGen = gen
}

// PublishOnce saves the snapshot if the generation moved since the last save.
// It reports whether a save happened.
func (p *Publisher) PublishOnce(ctx context.Context) (bool, error) {
	gen := p.source.Generation()
	if p.saved && gen == p.savedGen {
		return false, nil
	}

	snap := p.source.Snapshot()
	start := time.Now()
	err := p.store.Save(ctx, snap)
	p.recordSave(ctx, snap.Generation, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("save scheduler state: %w", err)
	}
	p.saved = true
	p.savedGen = snap.Generation
	p.lastSaved = snap.SavedAt
	return true, nil
}

// Run saves changed state until the context is cancelled, then flushes once more.
func (p *Publisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return p.flush(ctx.Err())
		default:
		}

		if _, err := p.PublishOnce(ctx); err != nil {
			if errors.Is(err, state.ErrConcurrentUpdate) {
				return err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return p.flush(err)
			}
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
			if sleepErr := p.sleepWithContext(ctx, p.nextErrorDelay()); sleepErr != nil {
				return p.flush(sleepErr)
			}
			continue
		}
		p.errorBackoff = 0

		if err := p.sleepWithContext(ctx, p.interval); err != nil {
			return p.flush(err)
		}
	}
}

func (p *Publisher) flush(cause error) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	if _, err := p.PublishOnce(flushCtx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Publisher) nextErrorDelay() time.Duration {
	if p.errorBackoff <= 0 {
		p.errorBackoff = p.errorMinDelay
	} else {
		p.errorBackoff *= 2
	}
	if p.errorBackoff > p.errorMaxDelay {
		p.errorBackoff = p.errorMaxDelay
	}
	return p.errorBackoff
}

func (p *Publisher) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.sleep == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	done := make(chan struct{})
	go func() {
		p.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Publisher) recordSave(ctx context.Context, gen uint64, duration time.Duration, err error) {
	result := "success"
	level := observability.LevelDebug
	fields := map[string]interface{}{
		"generation":  gen,
		"duration_ms": duration.Milliseconds(),
	}
	switch {
	case errors.Is(err, state.ErrConcurrentUpdate):
		result = "conflict"
		level = observability.LevelError
	case err != nil:
		result = "error"
		level = observability.LevelWarn
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	fields["result"] = result

	p.reporter.RecordMetric(observability.Metric{
		Name:        "state_persist_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Scheduler state saves grouped by result.",
	})
	p.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "state",
		Event:     "state_saved",
		Fields:    fields,
	})
}
