package runtime

import (
	"context"
	"sync"

	"github.com/lanebus/lanebus/internal/runtime/jsoncodec"
	"github.com/lanebus/lanebus/internal/runtime/labels"
)

// Consumer handles deliveries for one label.
type Consumer interface {
	Handle(ctx context.Context, d *Delivery) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, d *Delivery) error

func (f ConsumerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// ConsumerFactory produces consumer instances. The lifestyle wrappers decide
// when and how often it runs.
type ConsumerFactory func() (Consumer, error)

// Validator inspects a delivery before the consumer sees it.
type Validator interface {
	Validate(d *Delivery) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(d *Delivery) error

func (f ValidatorFunc) Validate(d *Delivery) error { return f(d) }

// ValidatorGroup runs validators in order and fails on the first rejection.
type ValidatorGroup []Validator

func (g ValidatorGroup) Validate(d *Delivery) error {
	for _, v := range g {
		if err := v.Validate(d); err != nil {
			return err
		}
	}
	return nil
}

// LazyConsumer defers the factory to the first message and memoizes the
// result, errors included.
func LazyConsumer(factory ConsumerFactory) Consumer {
	return &lazyConsumer{factory: factory}
}

type lazyConsumer struct {
	factory ConsumerFactory

	once     sync.Once
	consumer Consumer
	err      error
}

func (l *lazyConsumer) Handle(ctx context.Context, d *Delivery) error {
	l.once.Do(func() {
		l.consumer, l.err = l.factory()
	})
	if l.err != nil {
		return l.err
	}
	return l.consumer.Handle(ctx, d)
}

// DelegatedConsumer runs the factory once per message.
func DelegatedConsumer(factory ConsumerFactory) Consumer {
	return &delegatedConsumer{factory: factory}
}

type delegatedConsumer struct {
	factory ConsumerFactory
}

func (c *delegatedConsumer) Handle(ctx context.Context, d *Delivery) error {
	consumer, err := c.factory()
	if err != nil {
		return err
	}
	return consumer.Handle(ctx, d)
}

// TypedConsumerFunc adapts a handler of decoded T payloads to the Consumer
// interface. Typed payloads decode straight from the body; untyped ones are
// re-encoded through the field map.
func TypedConsumerFunc[T any](fn func(ctx context.Context, msg *T, d *Delivery) error) Consumer {
	return ConsumerFunc(func(ctx context.Context, d *Delivery) error {
		var msg T
		switch p := d.Payload.(type) {
		case TypedPayload:
			if err := p.Decode(&msg); err != nil {
				return err
			}
		case UntypedPayload:
			data, err := jsoncodec.Marshal(p.Fields)
			if err != nil {
				return err
			}
			if err := jsoncodec.Unmarshal(data, &msg); err != nil {
				return err
			}
		}
		return fn(ctx, &msg, d)
	})
}

// SingletonFactory wraps an already-built consumer as a factory.
func SingletonFactory(c Consumer) ConsumerFactory {
	return func() (Consumer, error) { return c, nil }
}

// LifecycleHandler is notified after the bus starts and before it stops.
type LifecycleHandler interface {
	OnBusStarted(ctx context.Context)
	OnBusStopped(ctx context.Context)
}

// ConnectionStringProvider supplies a per-label connection string. It takes
// precedence over route- and endpoint-level connection strings.
type ConnectionStringProvider interface {
	ConnectionString(label labels.MessageLabel) (string, bool)
}
