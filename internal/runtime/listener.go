package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errs "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/ids"
	"github.com/lanebus/lanebus/internal/runtime/jsoncodec"
	"github.com/lanebus/lanebus/internal/runtime/labels"
	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/pool"
)

// HeaderLabel is the wire header carrying the message label. It is stripped
// from the header map consumers see.
const HeaderLabel = "x-message-label"

var tracer = otel.Tracer("github.com/lanebus/lanebus")

// FailedDeliveryStrategy decides what happens to a message the bus could not
// deliver: a validator rejected it, the consumer failed, or no consumer is
// registered for its label.
type FailedDeliveryStrategy string

const (
	StrategyRequeue    FailedDeliveryStrategy = "requeue"
	StrategyDeadLetter FailedDeliveryStrategy = "dead-letter"
	StrategyDrop       FailedDeliveryStrategy = "drop"
)

func (s FailedDeliveryStrategy) apply(d *amqp.Delivery) error {
	switch s {
	case StrategyDeadLetter:
		return d.Nack(false, false)
	case StrategyDrop:
		return d.Ack(false)
	default:
		return d.Nack(false, true)
	}
}

// StopReason says why a listener stopped consuming.
type StopReason int

const (
	StopRegular StopReason = iota
	StopUnexpected
)

func (r StopReason) String() string {
	if r == StopUnexpected {
		return "unexpected"
	}
	return "regular"
}

// StopEvent is emitted exactly once per listener run.
type StopEvent struct {
	Listener *Listener
	Reason   StopReason
	Err      error
}

type listenerState int32

const (
	stateCreated listenerState = iota
	stateRunning
	stateStopping
	stateStopped
)

// ReceiverOptions carries the effective, precedence-resolved settings of one
// subscription. The receiver and each of its listeners share a copy.
type ReceiverOptions struct {
	Endpoint            string
	ConnectionString    string
	ReuseConnection     bool
	QueueAddress        string
	RequiresAccept      bool
	ParallelismLevel    int
	PrefetchCount       int
	PrefetchSize        int
	QueueLimit          *int
	QueueMaxLengthBytes *int64
	OnFailure           FailedDeliveryStrategy
	ExcludedHeaders     []string
	Validator           Validator
}

func (o ReceiverOptions) normalized() ReceiverOptions {
	if o.ParallelismLevel < 1 {
		o.ParallelismLevel = config.DefaultParallelism
	}
	if o.OnFailure == "" {
		o.OnFailure = StrategyRequeue
	}
	return o
}

// URLs returns the broker URLs of the subscription's connection string.
func (o ReceiverOptions) URLs() []string {
	return config.SplitConnectionString(o.ConnectionString)
}

// Delivery is one incoming message as the consumer sees it: label, decoded
// payload, and the header map with internal and excluded headers stripped.
type Delivery struct {
	Label   labels.MessageLabel
	Payload Payload
	Headers map[string]any

	raw            *amqp.Delivery
	requiresAccept bool
	accepted       bool
	rejected       bool
}

// Accept acknowledges the message. It is required when the subscription was
// declared with requiresAccept; otherwise the listener acknowledges on
// successful handling.
func (d *Delivery) Accept() error {
	if !d.requiresAccept || d.accepted || d.rejected {
		return nil
	}
	d.accepted = true
	return d.raw.Ack(false)
}

// Reject refuses the message, optionally requeueing it.
func (d *Delivery) Reject(requeue bool) error {
	if d.accepted || d.rejected {
		return nil
	}
	d.rejected = true
	return d.raw.Nack(false, requeue)
}

type consumerEntry struct {
	consumer  Consumer
	validator Validator
	ptype     *PayloadType
}

// Listener owns one consuming channel against a (broker URL, queue address)
// pair and dispatches messages by label to its registered consumers.
type Listener struct {
	log       logging.ServiceLogger
	brokerURL string
	queue     string
	opts      ReceiverOptions
	conn      *pool.Connection
	metrics   *BusMetrics
	events    chan<- StopEvent

	mu        sync.RWMutex
	consumers map[labels.MessageLabel]consumerEntry

	state   atomic.Int32
	stopped sync.Once
	cancel  context.CancelFunc
	workers sync.WaitGroup
	ch      pool.Channel
	tag     string
}

func newListener(log logging.ServiceLogger, brokerURL string, conn *pool.Connection, opts ReceiverOptions, events chan<- StopEvent, metrics *BusMetrics) *Listener {
	opts = opts.normalized()
	return &Listener{
		log: log.With(logging.LogFields{
			"broker_url": config.Redact(brokerURL),
			"queue":      opts.QueueAddress,
		}),
		brokerURL: brokerURL,
		queue:     opts.QueueAddress,
		opts:      opts,
		conn:      conn,
		metrics:   metrics,
		events:    events,
		consumers: make(map[labels.MessageLabel]consumerEntry),
	}
}

// BrokerURL returns the URL of the connection the listener consumes from.
func (l *Listener) BrokerURL() string { return l.brokerURL }

// QueueAddress returns the queue the listener consumes.
func (l *Listener) QueueAddress() string { return l.queue }

// Options returns the listener's effective receiver options.
func (l *Listener) Options() ReceiverOptions { return l.opts }

// Supports reports whether a consumer is registered for label.
func (l *Listener) Supports(label labels.MessageLabel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.consumers[label]
	return ok
}

// RegisterConsumer routes label to consumer, through validator when one is
// given. ptype selects typed decoding; nil means the untyped dynamic
// payload.
func (l *Listener) RegisterConsumer(label labels.MessageLabel, consumer Consumer, validator Validator, ptype *PayloadType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumers[label] = consumerEntry{consumer: consumer, validator: validator, ptype: ptype}
}

// CompatibleWith checks that two listeners can share a (URL, queue) pair.
func (l *Listener) CompatibleWith(other *Listener) error {
	var mismatches []string
	if l.opts.RequiresAccept != other.opts.RequiresAccept {
		mismatches = append(mismatches, "requiresAccept")
	}
	if l.opts.ParallelismLevel != other.opts.ParallelismLevel {
		mismatches = append(mismatches, "parallelismLevel")
	}
	if l.opts.OnFailure != other.opts.OnFailure {
		mismatches = append(mismatches, "failedDeliveryStrategy")
	}
	if l.opts.PrefetchCount != other.opts.PrefetchCount || l.opts.PrefetchSize != other.opts.PrefetchSize {
		mismatches = append(mismatches, "qos")
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &errs.ConfigurationError{
		Endpoint: l.opts.Endpoint,
		Reason:   fmt.Sprintf("listeners on %s/%s disagree on %v", config.Redact(l.brokerURL), l.queue, mismatches),
	}
}

// StartConsuming opens the consuming channel and starts the dispatch
// workers. It is a no-op on a listener that is already running.
func (l *Listener) StartConsuming(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		if listenerState(l.state.Load()) == stateRunning {
			return nil
		}
		return errs.ErrListenerStopped
	}

	ch, err := l.conn.Channel()
	if err != nil {
		l.state.Store(int32(stateStopped))
		return err
	}
	if err := ch.Qos(l.opts.PrefetchCount, l.opts.PrefetchSize, false); err != nil {
		l.state.Store(int32(stateStopped))
		return &errs.TransportError{Op: "set qos", URL: l.brokerURL, Err: err}
	}

	l.tag = ids.ConsumerTag(l.queue)
	deliveries, err := ch.Consume(l.queue, l.tag, false, false, false, false, nil)
	if err != nil {
		l.state.Store(int32(stateStopped))
		return &errs.TransportError{Op: "consume", URL: l.brokerURL, Err: err}
	}

	cctx, cancel := context.WithCancel(ctx)
	l.ch = ch
	l.cancel = cancel
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for i := 0; i < l.opts.ParallelismLevel; i++ {
		l.workers.Add(1)
		go l.consumeLoop(cctx, deliveries)
	}
	go l.watch(cctx, closed)

	l.log.Info("Listener consuming", logging.LogFields{
		"consumer_tag": l.tag,
		"parallelism":  l.opts.ParallelismLevel,
	})
	return nil
}

func (l *Listener) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer l.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.dispatch(ctx, d)
		}
	}
}

func (l *Listener) watch(ctx context.Context, closed <-chan *amqp.Error) {
	select {
	case amqpErr := <-closed:
		if listenerState(l.state.Load()) != stateRunning {
			return
		}
		l.state.Store(int32(stateStopped))
		var err error
		if amqpErr != nil {
			err = &errs.TransportError{Op: "channel closed", URL: l.brokerURL, Err: amqpErr}
		}
		l.emit(StopUnexpected, err)
	case <-ctx.Done():
		// Bus-wide cancellation is an orderly shutdown.
		if l.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
			l.emit(StopRegular, nil)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, d amqp.Delivery) {
	label := l.deliveryLabel(d)

	ctx, span := tracer.Start(ctx, "lanebus.dispatch")
	span.SetAttributes(
		attribute.String("messaging.label", label.String()),
		attribute.String("messaging.queue", l.queue),
	)
	defer span.End()

	l.mu.RLock()
	entry, ok := l.consumers[label]
	l.mu.RUnlock()

	if !ok {
		l.fail(span, label, "unhandled", nil)
		if l.opts.RequiresAccept {
			_ = StrategyDeadLetter.apply(&d)
		} else {
			_ = l.opts.OnFailure.apply(&d)
		}
		return
	}

	delivery, err := l.buildDelivery(label, &d, entry.ptype)
	if err != nil {
		l.fail(span, label, "decode", err)
		_ = l.opts.OnFailure.apply(&d)
		return
	}

	if validator := l.validatorFor(entry); validator != nil {
		if err := validator.Validate(delivery); err != nil {
			verr := &errs.ValidationError{Label: label.String(), Err: err}
			l.fail(span, label, "validation", verr)
			_ = l.opts.OnFailure.apply(&d)
			return
		}
	}

	err = l.invoke(ctx, entry.consumer, delivery)
	if err != nil {
		l.fail(span, label, "consumer", err)
		if !delivery.accepted && !delivery.rejected {
			_ = l.opts.OnFailure.apply(&d)
		}
		return
	}

	if !l.opts.RequiresAccept {
		if !delivery.rejected {
			_ = d.Ack(false)
		}
	} else if !delivery.accepted && !delivery.rejected {
		// The consumer was required to accept and did not.
		_ = l.opts.OnFailure.apply(&d)
		return
	}
	l.metrics.MessageConsumed(l.opts.Endpoint, label.String())
}

func (l *Listener) invoke(ctx context.Context, consumer Consumer, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()
	return consumer.Handle(ctx, d)
}

func (l *Listener) validatorFor(entry consumerEntry) Validator {
	if entry.validator != nil {
		return entry.validator
	}
	return l.opts.Validator
}

func (l *Listener) deliveryLabel(d amqp.Delivery) labels.MessageLabel {
	if raw, ok := d.Headers[HeaderLabel].(string); ok {
		return labels.New(raw)
	}
	return labels.New(d.RoutingKey)
}

func (l *Listener) buildDelivery(label labels.MessageLabel, d *amqp.Delivery, ptype *PayloadType) (*Delivery, error) {
	var payload Payload
	if ptype != nil {
		payload = TypedPayload{Schema: ptype.ID, Body: d.Body}
	} else {
		fields, err := jsoncodec.UnmarshalFields(d.Body)
		if err != nil {
			return nil, err
		}
		payload = UntypedPayload{Fields: fields}
	}

	headers := make(map[string]any, len(d.Headers))
	for key, value := range d.Headers {
		if key == HeaderLabel || l.headerExcluded(key) {
			continue
		}
		headers[key] = value
	}

	return &Delivery{
		Label:          label,
		Payload:        payload,
		Headers:        headers,
		raw:            d,
		requiresAccept: l.opts.RequiresAccept,
	}, nil
}

func (l *Listener) headerExcluded(key string) bool {
	for _, excluded := range l.opts.ExcludedHeaders {
		if key == excluded {
			return true
		}
	}
	return false
}

func (l *Listener) fail(span trace.Span, label labels.MessageLabel, reason string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	l.metrics.MessageFailed(l.opts.Endpoint, label.String(), reason)
	l.log.Error("Message not delivered", err, logging.LogFields{
		"label":  label.String(),
		"reason": reason,
	})
}

// StopConsuming cancels the broker subscription, drains the dispatch
// workers, and emits a regular stop event. ctx bounds the drain.
func (l *Listener) StopConsuming(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return nil
	}

	var cancelErr error
	if l.ch != nil {
		cancelErr = l.ch.Cancel(l.tag, false)
	}
	if l.cancel != nil {
		l.cancel()
	}

	drained := make(chan struct{})
	go func() {
		l.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		l.log.Error("Listener drain deadline exceeded", ctx.Err(), nil)
	}

	l.state.Store(int32(stateStopped))
	l.emit(StopRegular, nil)
	if cancelErr != nil {
		return &errs.TransportError{Op: "cancel consume", URL: l.brokerURL, Err: cancelErr}
	}
	return nil
}

// Dispose forces the listener to Stopped from any state, closing the channel
// and releasing the connection back to the pool. In-flight messages are
// redelivered by the broker once the channel closes.
func (l *Listener) Dispose() {
	l.state.Store(int32(stateStopped))
	if l.cancel != nil {
		l.cancel()
	}
	if l.ch != nil {
		_ = l.ch.Close()
	}
	_ = l.conn.Free()
}

func (l *Listener) emit(reason StopReason, err error) {
	l.stopped.Do(func() {
		event := StopEvent{Listener: l, Reason: reason, Err: err}
		select {
		case l.events <- event:
		default:
			l.log.Error("Stop event dropped", err, logging.LogFields{"reason": reason.String()})
		}
	})
}
