// Package indexer discovers LicensePurchased events and turns each one into a
// signed, content-addressed receipt.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rightly/chain"
	"rightly/observability"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultSafetyMargin = 1000
)

// ErrInvalidRange is returned by Replay when from is above to.
var ErrInvalidRange = errors.New("indexer: invalid block range")

// State is the listener lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// EventSource is the read side of the chain client.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, from, to uint64) ([]chain.Event, error)
	Subscribe(ctx context.Context, sink func(chain.Event)) (chain.Subscription, error)
}

// Sink accepts discovered events. Forward must be durable once it returns nil.
type Sink interface {
	Forward(ctx context.Context, evt chain.Event) error
}

// Status is a snapshot of the listener.
type Status struct {
	State              State  `json:"state"`
	LastConfirmedBlock uint64 `json:"lastConfirmedBlock"`
	Subscribed         bool   `json:"subscribed"`
}

// Listener feeds the sink from a live subscription and a polling loop. Both
// paths may deliver the same event; duplicates are absorbed downstream by the
// receipt uniqueness constraint.
type Listener struct {
	source       EventSource
	sink         Sink
	pollInterval time.Duration
	safetyMargin uint64
	logger       *slog.Logger
	metrics      *observability.ListenerMetrics

	mu            sync.Mutex
	state         State
	lastConfirmed uint64
	sub           chain.Subscription
	cancel        context.CancelFunc
	done          chan struct{}
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithPollInterval overrides the polling period.
func WithPollInterval(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithSafetyMargin sets how many blocks before the head the first poll covers.
func WithSafetyMargin(blocks uint64) ListenerOption {
	return func(l *Listener) {
		l.safetyMargin = blocks
	}
}

// WithListenerLogger overrides the listener logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener constructs a stopped listener.
func NewListener(source EventSource, sink Sink, opts ...ListenerOption) *Listener {
	l := &Listener{
		source:       source,
		sink:         sink,
		pollInterval: defaultPollInterval,
		safetyMargin: defaultSafetyMargin,
		logger:       slog.Default(),
		metrics:      observability.Listener(),
		state:        StateStopped,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start positions the polling cursor behind the chain head, subscribes, and
// launches the poll loop. Starting a listener that is not stopped is a no-op.
// The loop outlives ctx; use Stop to end it. Chain calls run outside the lock
// so Status stays responsive while the node is slow.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("event listener already running", "state", state)
		return nil
	}
	l.state = StateStarting
	l.mu.Unlock()

	current, err := l.source.BlockNumber(ctx)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("indexer: start listener: %w", err)
	}
	from := uint64(0)
	if current > l.safetyMargin {
		from = current - l.safetyMargin
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, _ := l.subscribe(loopCtx)

	l.mu.Lock()
	if l.state != StateStarting {
		l.mu.Unlock()
		cancel()
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil
	}
	l.lastConfirmed = from
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(loopCtx, l.done)
	l.state = StateRunning
	l.mu.Unlock()

	l.metrics.SetRunning(true)
	l.metrics.SetLastConfirmedBlock(from)
	l.logger.Info("event listener started", "from_block", from, "head", current, "poll_interval", l.pollInterval)
	return nil
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// Stop cancels the poll loop and drops the subscription, then waits for the
// loop to exit. Stopping a listener that is not running is a no-op.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	l.state = StateStopping
	l.cancel()
	if l.sub != nil {
		l.sub.Unsubscribe()
		l.sub = nil
	}
	done := l.done
	l.mu.Unlock()

	<-done

	l.mu.Lock()
	l.state = StateStopped
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()
	l.metrics.SetRunning(false)
	l.logger.Info("event listener stopped")
}

// Status reports the lifecycle state and polling cursor.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, LastConfirmedBlock: l.lastConfirmed, Subscribed: l.sub != nil}
}

// Replay forwards every event in [from, to] and returns how many were
// forwarded. It works whether or not the listener is running and does not
// move the polling cursor.
func (l *Listener) Replay(ctx context.Context, from, to uint64) (int, error) {
	if from > to {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidRange, from, to)
	}
	l.logger.Info("replaying events", "from_block", from, "to_block", to)
	events, err := l.source.QueryEvents(ctx, from, to)
	if err != nil {
		return 0, err
	}
	forwarded, err := l.forwardAll(ctx, events)
	l.metrics.RecordForwarded("replay", forwarded)
	if err != nil {
		return forwarded, err
	}
	l.logger.Info("replayed events", "count", forwarded)
	return forwarded, nil
}

func (l *Listener) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.poll(ctx); err != nil && ctx.Err() == nil {
				l.metrics.RecordPollError()
				l.logger.Error("poll events", "error", err)
			}
			l.ensureSubscription(ctx)
		}
	}
}

// poll forwards events in (lastConfirmed, head] and advances the cursor only
// when every event in the range was forwarded.
func (l *Listener) poll(ctx context.Context) error {
	current, err := l.source.BlockNumber(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	last := l.lastConfirmed
	l.mu.Unlock()
	if current <= last {
		return nil
	}

	events, err := l.source.QueryEvents(ctx, last+1, current)
	if err != nil {
		return err
	}
	forwarded, err := l.forwardAll(ctx, events)
	l.metrics.RecordForwarded("poll", forwarded)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.lastConfirmed == last {
		l.lastConfirmed = current
	}
	l.mu.Unlock()
	l.metrics.SetLastConfirmedBlock(current)
	l.logger.Debug("polled events", "count", forwarded, "to_block", current)
	return nil
}

func (l *Listener) forwardAll(ctx context.Context, events []chain.Event) (int, error) {
	for i, evt := range events {
		if err := l.sink.Forward(ctx, evt); err != nil {
			return i, fmt.Errorf("indexer: forward license %s: %w", evt.LicenseID, err)
		}
	}
	return len(events), nil
}

func (l *Listener) ensureSubscription(ctx context.Context) {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	if l.sub != nil {
		select {
		case err := <-l.sub.Err():
			l.logger.Warn("event subscription dropped", "error", err)
			l.sub.Unsubscribe()
			l.sub = nil
		default:
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	sub, err := l.subscribe(ctx)
	if err != nil {
		return
	}
	l.mu.Lock()
	if l.state != StateRunning || l.sub != nil {
		l.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	l.sub = sub
	l.mu.Unlock()
	l.metrics.RecordResubscribe()
}

func (l *Listener) subscribe(ctx context.Context) (chain.Subscription, error) {
	sub, err := l.source.Subscribe(ctx, func(evt chain.Event) {
		if err := l.sink.Forward(ctx, evt); err != nil {
			l.logger.Error("forward subscribed event", "license_id", evt.LicenseID, "error", err)
			return
		}
		l.metrics.RecordForwarded("subscription", 1)
	})
	if err != nil {
		l.logger.Warn("subscribe to events; polling only until next tick", "error", err)
		return nil, err
	}
	return sub, nil
}
