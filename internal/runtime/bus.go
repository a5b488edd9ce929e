package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/expires"
	"github.com/lanebus/lanebus/internal/runtime/labels"
	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/pool"
)

// RequestConfig is the per-route request surface GetRequestConfig exposes.
type RequestConfig struct {
	Timeout *time.Duration
	Persist bool
	TTL     *time.Duration
}

// Bus binds configured endpoints to their receivers and producers and owns
// their lifecycle.
type Bus struct {
	log     logging.ServiceLogger
	pool    *pool.Pool
	metrics *BusMetrics

	endpoints []config.Endpoint

	receivers map[labels.MessageLabel]*Receiver
	producers map[labels.MessageLabel]*Producer
	resolver  DynamicRouteResolver
	lifecycle []LifecycleHandler

	mu      sync.Mutex
	started bool
}

// Endpoints enumerates the declared endpoint names in declaration order.
func (b *Bus) Endpoints() []string {
	names := make([]string, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		names = append(names, ep.Name)
	}
	return names
}

func (b *Bus) endpoint(name string) (*config.Endpoint, error) {
	for i := range b.endpoints {
		if b.endpoints[i].Name == name {
			return &b.endpoints[i], nil
		}
	}
	return nil, &errspkg.NotFoundError{Endpoint: name}
}

// GetEvent returns the label of the route declared under key on the named
// endpoint, searching outgoing routes first, then incoming.
func (b *Bus) GetEvent(endpointName, key string) (labels.MessageLabel, error) {
	ep, err := b.endpoint(endpointName)
	if err != nil {
		return labels.Empty, err
	}
	for _, route := range ep.Outgoing {
		if route.Key == key {
			return labels.New(route.Label), nil
		}
	}
	for _, route := range ep.Incoming {
		if route.Key == key {
			return labels.New(route.Label), nil
		}
	}
	return labels.Empty, &errspkg.NotFoundError{Endpoint: endpointName, Key: key}
}

// GetRequestConfig returns the request settings of the outgoing route
// declared under key on the named endpoint.
func (b *Bus) GetRequestConfig(endpointName, key string) (RequestConfig, error) {
	ep, err := b.endpoint(endpointName)
	if err != nil {
		return RequestConfig{}, err
	}
	for _, route := range ep.Outgoing {
		if route.Key == key {
			return RequestConfig{
				Timeout: route.Timeout,
				Persist: route.Persist,
				TTL:     route.TTL,
			}, nil
		}
	}
	return RequestConfig{}, &errspkg.NotFoundError{Endpoint: endpointName, Key: key}
}

// Receiver returns the receiver serving label, when one is configured.
func (b *Bus) Receiver(label labels.MessageLabel) (*Receiver, bool) {
	r, ok := b.receivers[label]
	return r, ok
}

// Receivers returns every configured receiver.
func (b *Bus) Receivers() []*Receiver {
	receivers := make([]*Receiver, 0, len(b.receivers))
	for _, r := range b.receivers {
		receivers = append(receivers, r)
	}
	return receivers
}

// CanReceive reports whether any configured receiver serves label.
func (b *Bus) CanReceive(label labels.MessageLabel) bool {
	for _, r := range b.receivers {
		if r.CanReceive(label) {
			return true
		}
	}
	return false
}

// LookupProducer returns the producer for label: the exact route when one is
// declared, otherwise a route resolved at call time through the dynamic
// any-label resolver.
func (b *Bus) LookupProducer(label labels.MessageLabel) (*Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.producers[label]; ok {
		return p, nil
	}
	if b.resolver == nil {
		return nil, fmt.Errorf("producer for %q: %w", label.String(), errspkg.ErrNotFound)
	}

	opts, err := b.resolver.Resolve(label)
	if err != nil {
		return nil, err
	}
	p := NewProducer(opts, b.pool, b.log, b.metrics)
	b.producers[label] = p
	return p, nil
}

// Publish emits payload under label on the matching outgoing route.
func (b *Bus) Publish(ctx context.Context, label labels.MessageLabel, payload Payload, headers map[string]any, exp *expires.Expires) error {
	p, err := b.LookupProducer(label)
	if err != nil {
		return err
	}
	return p.Publish(ctx, payload, headers, exp)
}

// Start starts every receiver and notifies lifecycle handlers. Starting a
// started bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	if err := b.metrics.Register(); err != nil {
		return err
	}

	for _, r := range b.receivers {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	b.started = true
	b.log.Info("Bus started", logging.LogFields{"receivers": len(b.receivers)})

	for _, h := range b.lifecycle {
		h.OnBusStarted(ctx)
	}
	return nil
}

// Stop notifies lifecycle handlers, then stops receivers and producers and
// closes the pool. Stop is best-effort; every component is visited.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil
	}
	for _, h := range b.lifecycle {
		h.OnBusStopped(ctx)
	}

	var stopErrs []error
	for _, r := range b.receivers {
		if err := r.Dispose(ctx); err != nil {
			stopErrs = append(stopErrs, err)
		}
	}
	for _, p := range b.producers {
		if err := p.Stop(); err != nil {
			stopErrs = append(stopErrs, err)
		}
	}
	if err := b.pool.Close(); err != nil {
		stopErrs = append(stopErrs, err)
	}
	b.started = false
	b.log.Info("Bus stopped", nil)
	return errors.Join(stopErrs...)
}

// SubscriptionSpec is one incoming route, fully resolved, ready to become a
// receiver registration.
type SubscriptionSpec struct {
	Label       labels.MessageLabel
	Options     ReceiverOptions
	Consumer    Consumer
	Validator   Validator
	PayloadType *PayloadType
}

// BusBuilder assembles a Bus from the configurator's imperative calls.
type BusBuilder struct {
	log     logging.ServiceLogger
	pool    *pool.Pool
	metrics *BusMetrics

	endpoints     []config.Endpoint
	subscriptions []SubscriptionSpec
	producers     []ProducerOptions
	resolver      DynamicRouteResolver
	validators    ValidatorGroup
	lifecycle     []LifecycleHandler
}

// NewBusBuilder creates a builder logging through log.
func NewBusBuilder(log logging.ServiceLogger) *BusBuilder {
	return &BusBuilder{log: log}
}

// WithPool supplies a shared connection pool. A private pool is created at
// Build time otherwise.
func (b *BusBuilder) WithPool(p *pool.Pool) *BusBuilder {
	b.pool = p
	return b
}

// WithMetrics supplies the metrics collector.
func (b *BusBuilder) WithMetrics(m *BusMetrics) *BusBuilder {
	b.metrics = m
	return b
}

// SetEndpoint records a materialized endpoint declaration for the facade
// lookups.
func (b *BusBuilder) SetEndpoint(ep config.Endpoint) {
	b.endpoints = append(b.endpoints, ep)
}

// AddLifecycleHandler registers a resolved lifecycle handler.
func (b *BusBuilder) AddLifecycleHandler(h LifecycleHandler) {
	b.lifecycle = append(b.lifecycle, h)
}

// RegisterValidator adds an endpoint-level validator applied to every
// subscription that does not bind its own.
func (b *BusBuilder) RegisterValidator(v Validator) {
	b.validators = append(b.validators, v)
}

// UseDynamicRouting installs the publish-time route resolver backing the
// catch-all Any route.
func (b *BusBuilder) UseDynamicRouting(r DynamicRouteResolver) {
	b.resolver = r
}

// AddProducer declares an outgoing route.
func (b *BusBuilder) AddProducer(opts ProducerOptions) {
	b.producers = append(b.producers, opts)
}

// AddSubscription declares an incoming route with its resolved consumer.
func (b *BusBuilder) AddSubscription(spec SubscriptionSpec) {
	b.subscriptions = append(b.subscriptions, spec)
}

// Build wires the collected declarations into a Bus.
func (b *BusBuilder) Build() (*Bus, error) {
	log := b.log
	if log == nil {
		log = logging.Nop()
	}
	connections := b.pool
	if connections == nil {
		connections = pool.New(log)
	}

	bus := &Bus{
		log:       log,
		pool:      connections,
		metrics:   b.metrics,
		endpoints: b.endpoints,
		receivers: make(map[labels.MessageLabel]*Receiver),
		producers: make(map[labels.MessageLabel]*Producer),
		resolver:  b.resolver,
		lifecycle: b.lifecycle,
	}

	for _, spec := range b.subscriptions {
		opts := spec.Options
		if opts.Validator == nil && len(b.validators) > 0 {
			opts.Validator = b.validators
		}

		receiver, ok := bus.receivers[spec.Label]
		if !ok {
			receiver = NewReceiver(spec.Label, opts, connections, log, b.metrics)
			bus.receivers[spec.Label] = receiver
		}
		if spec.Consumer != nil {
			receiver.RegisterConsumerValidated(spec.Label, spec.Consumer, spec.Validator, spec.PayloadType)
		}
	}

	for _, opts := range b.producers {
		if _, exists := bus.producers[opts.Label]; exists {
			return nil, &errspkg.ConfigurationError{
				Endpoint: opts.Endpoint,
				Route:    opts.Key,
				Reason:   fmt.Sprintf("label %q already has an outgoing route", opts.Label.String()),
			}
		}
		bus.producers[opts.Label] = NewProducer(opts, connections, log, b.metrics)
	}

	return bus, nil
}
