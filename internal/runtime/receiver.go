package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/labels"
	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/pool"
)

type registration struct {
	label     labels.MessageLabel
	consumer  Consumer
	validator Validator
	ptype     *PayloadType
}

// Receiver is the per-subscription aggregate of listeners: one listener per
// broker URL in the subscription's connection string, deduplicated on
// (URL, queue address).
type Receiver struct {
	label   labels.MessageLabel
	opts    ReceiverOptions
	pool    *pool.Pool
	log     logging.ServiceLogger
	metrics *BusMetrics

	// onListenerBuilt, when set, runs once per appended listener, before it
	// starts consuming. Nothing in this package sets it.
	onListenerBuilt func(*Listener) error

	mu       sync.Mutex // guards build/start/stop transitions
	built    bool
	started  bool
	buildCtx context.Context

	listeners atomic.Pointer[[]*Listener]
	events    chan StopEvent
	watchOnce sync.Once
	done      chan struct{}

	regsMu sync.Mutex
	regs   []registration
}

// NewReceiver creates a receiver for the subscription label with the given
// effective options.
func NewReceiver(label labels.MessageLabel, opts ReceiverOptions, connections *pool.Pool, log logging.ServiceLogger, metrics *BusMetrics) *Receiver {
	r := &Receiver{
		label: label,
		opts:  opts.normalized(),
		pool:  connections,
		log: log.With(logging.LogFields{
			"endpoint": opts.Endpoint,
			"label":    label.String(),
		}),
		metrics: metrics,
		events:  make(chan StopEvent, 16),
		done:    make(chan struct{}),
	}
	r.listeners.Store(&[]*Listener{})
	return r
}

// Label returns the configuration label of the subscription.
func (r *Receiver) Label() labels.MessageLabel { return r.label }

// Options returns the receiver's effective options.
func (r *Receiver) Options() ReceiverOptions { return r.opts }

// IsStarted reports whether the receiver is consuming.
func (r *Receiver) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Receiver) snapshot() []*Listener {
	return *r.listeners.Load()
}

func (r *Receiver) storeListeners(listeners []*Listener) {
	r.listeners.Store(&listeners)
}

// Listeners returns the current listener set in build order.
func (r *Receiver) Listeners() []*Listener {
	snapshot := r.snapshot()
	clone := make([]*Listener, len(snapshot))
	copy(clone, snapshot)
	return clone
}

// CanReceive reports whether the receiver serves label. It triggers the lazy
// build so a fresh receiver can answer.
func (r *Receiver) CanReceive(label labels.MessageLabel) bool {
	r.mu.Lock()
	if err := r.ensureBuilt(r.currentBuildCtx()); err != nil {
		r.mu.Unlock()
		r.log.Error("Lazy build failed", err, nil)
		return false
	}
	r.mu.Unlock()

	if label == r.label {
		return true
	}
	for _, l := range r.snapshot() {
		if l.Supports(label) {
			return true
		}
	}
	return false
}

// GetListener returns the first listener matching the predicate, in build
// order.
func (r *Receiver) GetListener(predicate func(*Listener) bool) *Listener {
	for _, l := range r.snapshot() {
		if predicate(l) {
			return l
		}
	}
	return nil
}

// CheckIfCompatible verifies that a tentative listener agrees with every
// existing listener sharing its (URL, queue address).
func (r *Receiver) CheckIfCompatible(tentative *Listener) error {
	for _, l := range r.snapshot() {
		if l.BrokerURL() == tentative.BrokerURL() && l.QueueAddress() == tentative.QueueAddress() {
			if err := l.CompatibleWith(tentative); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterConsumer routes label to consumer on every current listener and
// remembers the registration so rebuilt listeners get it re-applied. The
// receiver's configured validator travels with the registration.
func (r *Receiver) RegisterConsumer(label labels.MessageLabel, consumer Consumer, ptype *PayloadType) {
	r.RegisterConsumerValidated(label, consumer, nil, ptype)
}

// RegisterConsumerValidated is RegisterConsumer with a route-level validator
// overriding the receiver's configured one.
func (r *Receiver) RegisterConsumerValidated(label labels.MessageLabel, consumer Consumer, validator Validator, ptype *PayloadType) {
	if validator == nil {
		validator = r.opts.Validator
	}
	reg := registration{label: label, consumer: consumer, validator: validator, ptype: ptype}

	r.regsMu.Lock()
	r.regs = append(r.regs, reg)
	r.regsMu.Unlock()

	for _, l := range r.snapshot() {
		l.RegisterConsumer(reg.label, reg.consumer, reg.validator, reg.ptype)
	}
}

func (r *Receiver) applyRegistrations(l *Listener) {
	r.regsMu.Lock()
	defer r.regsMu.Unlock()
	for _, reg := range r.regs {
		l.RegisterConsumer(reg.label, reg.consumer, reg.validator, reg.ptype)
	}
}

func (r *Receiver) currentBuildCtx() context.Context {
	if r.buildCtx != nil {
		return r.buildCtx
	}
	return context.Background()
}

// ensureBuilt builds the listener set once. Callers hold r.mu.
func (r *Receiver) ensureBuilt(ctx context.Context) error {
	if r.built {
		return nil
	}
	if err := r.buildListeners(ctx); err != nil {
		return err
	}
	r.built = true
	return nil
}

func (r *Receiver) buildListeners(ctx context.Context) error {
	for _, url := range r.opts.URLs() {
		conn, err := r.pool.Get(ctx, url, r.opts.ReuseConnection)
		if err != nil {
			return fmt.Errorf("listener for %s: %w", config.Redact(url), err)
		}

		tentative := newListener(r.log, url, conn, r.opts, r.events, r.metrics)
		if existing := r.GetListener(func(l *Listener) bool {
			return l.BrokerURL() == url && l.QueueAddress() == tentative.QueueAddress()
		}); existing != nil {
			if err := existing.CompatibleWith(tentative); err != nil {
				_ = conn.Free()
				return err
			}
			_ = conn.Free()
			continue
		}

		if r.onListenerBuilt != nil {
			if err := r.onListenerBuilt(tentative); err != nil {
				_ = conn.Free()
				return err
			}
		}

		r.applyRegistrations(tentative)
		r.storeListeners(append(r.snapshot(), tentative))
	}
	return nil
}

// Start builds the listener set if needed and starts consuming. Starting a
// started receiver is a no-op.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.buildCtx = ctx
	if err := r.ensureBuilt(ctx); err != nil {
		return err
	}

	r.watchOnce.Do(func() { go r.watchStops() })

	for _, l := range r.snapshot() {
		if err := l.StartConsuming(ctx); err != nil {
			return err
		}
		r.metrics.ListenerStarted(r.opts.Endpoint)
	}
	r.started = true
	return nil
}

// Stop stops and disposes every listener. Stop is best-effort: failures are
// logged and collected, and the listener set is always drained.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stopErrs []error
	for _, l := range r.snapshot() {
		if err := l.StopConsuming(ctx); err != nil {
			stopErrs = append(stopErrs, err)
			r.log.Error("Listener stop failed", err, nil)
		}
		l.Dispose()
		r.metrics.ListenerStopped(r.opts.Endpoint)
	}
	r.storeListeners(nil)
	r.built = false
	r.started = false

	return errors.Join(stopErrs...)
}

// Dispose releases the receiver permanently: Stop plus the stop-event
// watcher.
func (r *Receiver) Dispose(ctx context.Context) error {
	err := r.Stop(ctx)
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return err
}

// watchStops consumes listener stop events. A regular stop is a no-op; an
// unexpected one drops the listener and re-enlists the subscription by
// rebuilding.
func (r *Receiver) watchStops() {
	for {
		select {
		case <-r.done:
			return
		case event := <-r.events:
			if event.Reason != StopUnexpected {
				continue
			}
			r.reenlist(event)
		}
	}
}

func (r *Receiver) reenlist(event StopEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	r.log.Error("Listener stopped unexpectedly, re-enlisting", event.Err, nil)
	r.metrics.ListenerRestarted(r.opts.Endpoint)

	// Drop the offending listener, preserving the order of the rest.
	remaining := make([]*Listener, 0, len(r.snapshot()))
	for _, l := range r.snapshot() {
		if l == event.Listener {
			l.Dispose()
			r.metrics.ListenerStopped(r.opts.Endpoint)
			continue
		}
		remaining = append(remaining, l)
	}
	r.storeListeners(remaining)
	r.built = false

	known := make(map[*Listener]bool, len(remaining))
	for _, l := range remaining {
		known[l] = true
	}

	ctx := r.currentBuildCtx()
	if err := r.ensureBuilt(ctx); err != nil {
		r.log.Error("Re-enlistment rebuild failed", err, nil)
		return
	}
	for _, l := range r.snapshot() {
		if err := l.StartConsuming(ctx); err != nil {
			if !errors.Is(err, errspkg.ErrListenerStopped) {
				r.log.Error("Re-enlisted listener failed to start", err, nil)
			}
			continue
		}
		if !known[l] {
			r.metrics.ListenerStarted(r.opts.Endpoint)
		}
	}
}
