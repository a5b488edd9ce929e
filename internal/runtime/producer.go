package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errs "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/expires"
	"github.com/lanebus/lanebus/internal/runtime/ids"
	"github.com/lanebus/lanebus/internal/runtime/jsoncodec"
	"github.com/lanebus/lanebus/internal/runtime/labels"
	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/pool"
)

// ProducerOptions describes one outgoing route after precedence resolution.
type ProducerOptions struct {
	Endpoint                string
	Key                     string
	Label                   labels.MessageLabel
	ConnectionString        string
	ReuseConnection         bool
	Confirm                 bool
	Persist                 bool
	TTL                     *time.Duration
	Timeout                 *time.Duration
	DefaultCallbackEndpoint bool
}

// DynamicRouteResolver picks an outgoing route for a label at publish time.
// It backs the catch-all route registered under labels.Any.
type DynamicRouteResolver interface {
	Resolve(label labels.MessageLabel) (ProducerOptions, error)
}

// DynamicRouteResolverFunc adapts a function to DynamicRouteResolver.
type DynamicRouteResolverFunc func(label labels.MessageLabel) (ProducerOptions, error)

func (f DynamicRouteResolverFunc) Resolve(label labels.MessageLabel) (ProducerOptions, error) {
	return f(label)
}

// Producer publishes messages for a single label route. The label names the
// exchange, as the listeners' queue bindings expect.
type Producer struct {
	log     logging.ServiceLogger
	opts    ProducerOptions
	pool    *pool.Pool
	metrics *BusMetrics

	mu      sync.Mutex
	conn    *pool.Connection
	ch      pool.Channel
	started bool
}

// NewProducer creates a producer for the route described by opts.
func NewProducer(opts ProducerOptions, connections *pool.Pool, log logging.ServiceLogger, metrics *BusMetrics) *Producer {
	return &Producer{
		log: log.With(logging.LogFields{
			"endpoint": opts.Endpoint,
			"label":    opts.Label.String(),
		}),
		opts:    opts,
		pool:    connections,
		metrics: metrics,
	}
}

// Options returns the route the producer publishes on.
func (p *Producer) Options() ProducerOptions { return p.opts }

// Label returns the route's label.
func (p *Producer) Label() labels.MessageLabel { return p.opts.Label }

// Start obtains the route's connection and opens the publishing channel,
// switching it to confirm mode when the route demands confirms.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	urls := config.SplitConnectionString(p.opts.ConnectionString)
	if len(urls) == 0 {
		return &errs.ConfigurationError{
			Endpoint: p.opts.Endpoint,
			Route:    p.opts.Key,
			Reason:   "no connection string to publish on",
		}
	}

	conn, err := p.pool.Get(ctx, urls[0], p.opts.ReuseConnection)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Free()
		return err
	}
	if p.opts.Confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Free()
			return &errs.TransportError{Op: "confirm select", URL: urls[0], Err: err}
		}
	}

	p.conn = conn
	p.ch = ch
	p.started = true
	return nil
}

// Publish emits payload under the producer's label. A non-nil exp stamps the
// message expiration.
func (p *Producer) Publish(ctx context.Context, payload Payload, headers map[string]any, exp *expires.Expires) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	if p.opts.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *p.opts.Timeout)
		defer cancel()
	}

	body, err := payloadBody(payload)
	if err != nil {
		return err
	}

	table := amqp.Table{HeaderLabel: p.opts.Label.String()}
	for key, value := range headers {
		table[key] = value
	}

	publishing := amqp.Publishing{
		MessageId:   ids.CreateULID(),
		Timestamp:   time.Now().UTC(),
		ContentType: "application/json",
		Headers:     table,
		Body:        body,
	}
	if p.opts.Persist {
		publishing.DeliveryMode = amqp.Persistent
	}
	ttl := p.messageTTL(exp)
	if ttl < 0 {
		ttl = 0
	}
	if exp != nil || ttl > 0 {
		publishing.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	if err := ch.PublishWithContext(ctx, p.opts.Label.String(), "", false, false, publishing); err != nil {
		return &errs.TransportError{Op: "publish", Err: err}
	}
	p.metrics.MessagePublished(p.opts.Endpoint, p.opts.Label.String())
	return nil
}

func (p *Producer) messageTTL(exp *expires.Expires) time.Duration {
	if exp != nil {
		if exp.Period != nil {
			return *exp.Period
		}
		if exp.Date != nil {
			return time.Until(*exp.Date)
		}
	}
	if p.opts.TTL != nil {
		return *p.opts.TTL
	}
	return 0
}

// Stop closes the publishing channel and releases the connection.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	err := p.conn.Free()
	p.conn, p.ch = nil, nil
	p.started = false
	return err
}

func payloadBody(payload Payload) ([]byte, error) {
	switch v := payload.(type) {
	case TypedPayload:
		return v.Body, nil
	case UntypedPayload:
		return jsoncodec.Marshal(v.Fields)
	case nil:
		return nil, nil
	default:
		return jsoncodec.Marshal(v)
	}
}
