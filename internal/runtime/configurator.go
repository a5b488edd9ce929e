package runtime

import (
	"fmt"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/labels"
	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/registry"
)

// Configurator materializes declared endpoints into bus configurations. It
// owns nothing at runtime: it writes into the builder and exits.
type Configurator struct {
	tree     *config.Tree
	registry *registry.Registry
	types    *PayloadTypeRegistry
	log      logging.ServiceLogger
}

// NewConfigurator creates a configurator over the declarative tree and the
// dependency registry late-bound components are resolved from.
func NewConfigurator(tree *config.Tree, reg *registry.Registry, log logging.ServiceLogger) *Configurator {
	return &Configurator{
		tree:     tree,
		registry: reg,
		types:    NewPayloadTypeRegistry(),
		log:      log,
	}
}

// WithPayloadTypes replaces the payload type registry declared type names
// are resolved against.
func (c *Configurator) WithPayloadTypes(types *PayloadTypeRegistry) *Configurator {
	c.types = types
	return c
}

// Configure walks the declared endpoint and emits the imperative calls that
// wire it into builder.
func (c *Configurator) Configure(endpointName string, builder *BusBuilder) error {
	ep, ok := c.tree.Endpoint(endpointName)
	if !ok {
		return &errspkg.ConfigurationError{Endpoint: endpointName, Reason: "endpoint is not declared"}
	}

	builder.SetEndpoint(*ep)

	if ep.LifecycleHandler != "" {
		handler, err := resolveAs[LifecycleHandler](c.registry, ep.LifecycleHandler, registry.LifecycleHandler)
		if err != nil {
			return &errspkg.ConfigurationError{Endpoint: ep.Name, Reason: "lifecycle handler", Err: err}
		}
		builder.AddLifecycleHandler(handler)
	}

	var provider ConnectionStringProvider
	if ep.ConnectionStringProvider != "" {
		resolved, err := resolveAs[ConnectionStringProvider](c.registry, ep.ConnectionStringProvider, registry.ConnectionStringProvider)
		if err != nil {
			return &errspkg.ConfigurationError{Endpoint: ep.Name, Reason: "connection string provider", Err: err}
		}
		provider = resolved
	}

	if ep.DynamicOutgoing {
		builder.UseDynamicRouting(c.dynamicResolver(ep, provider))
	}

	if err := c.configureValidators(ep, builder); err != nil {
		return err
	}
	if err := c.configureOutgoing(ep, provider, builder); err != nil {
		return err
	}
	return c.configureIncoming(ep, provider, builder)
}

func (c *Configurator) configureValidators(ep *config.Endpoint, builder *BusBuilder) error {
	for _, ref := range ep.Validators {
		capability := registry.Validator
		if ref.Group {
			capability = registry.ValidatorGroup
		}
		validator, err := resolveValidator(c.registry, ref.Name, capability)
		if err != nil {
			return &errspkg.ConfigurationError{Endpoint: ep.Name, Reason: "validator " + ref.Name, Err: err}
		}
		builder.RegisterValidator(validator)
	}
	return nil
}

func (c *Configurator) configureOutgoing(ep *config.Endpoint, provider ConnectionStringProvider, builder *BusBuilder) error {
	for _, route := range ep.Outgoing {
		label := labels.New(route.Label)
		builder.AddProducer(ProducerOptions{
			Endpoint:                ep.Name,
			Key:                     route.Key,
			Label:                   label,
			ConnectionString:        effectiveConnectionString(provider, label, route.ConnectionString, ep.ConnectionString),
			ReuseConnection:         effectiveReuse(route.ReuseConnection, ep.ReuseConnection),
			Confirm:                 route.Confirm,
			Persist:                 route.Persist,
			TTL:                     route.TTL,
			Timeout:                 route.Timeout,
			DefaultCallbackEndpoint: route.DefaultCallbackEndpoint,
		})
	}
	return nil
}

func (c *Configurator) configureIncoming(ep *config.Endpoint, provider ConnectionStringProvider, builder *BusBuilder) error {
	for _, route := range ep.Incoming {
		label := labels.New(route.Label)

		var ptype *PayloadType
		schema := ""
		if route.Type != "" {
			resolved, err := c.types.Resolve(route.Type)
			if err != nil {
				return &errspkg.ConfigurationError{Endpoint: ep.Name, Route: route.Key, Err: err}
			}
			ptype = &resolved
			schema = resolved.ID
		}

		consumer, err := c.buildConsumer(ep, route, schema)
		if err != nil {
			return err
		}

		var validator Validator
		if route.Validate != "" {
			validator, err = resolveValidator(c.registry, route.Validate, registry.Validator)
			if err != nil {
				return &errspkg.ConfigurationError{Endpoint: ep.Name, Route: route.Key, Reason: "validator " + route.Validate, Err: err}
			}
		}

		builder.AddSubscription(SubscriptionSpec{
			Label: label,
			Options: ReceiverOptions{
				Endpoint:            ep.Name,
				ConnectionString:    effectiveConnectionString(provider, label, route.ConnectionString, ep.ConnectionString),
				ReuseConnection:     effectiveReuse(route.ReuseConnection, ep.ReuseConnection),
				QueueAddress:        queueAddress(ep.Name, label),
				RequiresAccept:      route.RequiresAccept,
				ParallelismLevel:    effectiveInt(route.ParallelismLevel, ep.ParallelismLevel, config.DefaultParallelism),
				PrefetchCount:       effectivePrefetchCount(route.QoS, ep.QoS),
				PrefetchSize:        effectivePrefetchSize(route.QoS, ep.QoS),
				QueueLimit:          firstInt(route.QueueLimit, ep.QueueLimit),
				QueueMaxLengthBytes: firstInt64(route.QueueMaxLengthBytes, ep.QueueMaxLengthBytes),
				ExcludedHeaders:     ep.ExcludedHeaders,
			},
			Consumer:    consumer,
			Validator:   validator,
			PayloadType: ptype,
		})
	}
	return nil
}

// buildConsumer resolves the route's consumer factory and applies the
// declared lifestyle.
func (c *Configurator) buildConsumer(ep *config.Endpoint, route config.IncomingRoute, schema string) (Consumer, error) {
	resolved, err := c.registry.Resolve(route.React, registry.ConsumerOf(schema))
	if err != nil {
		return nil, &errspkg.ConfigurationError{Endpoint: ep.Name, Route: route.Key, Reason: "consumer " + route.React, Err: err}
	}

	var factory ConsumerFactory
	switch v := resolved.(type) {
	case ConsumerFactory:
		factory = v
	case func() (Consumer, error):
		factory = v
	case Consumer:
		factory = SingletonFactory(v)
	default:
		return nil, &errspkg.ConfigurationError{
			Endpoint: ep.Name,
			Route:    route.Key,
			Reason:   fmt.Sprintf("component %q does not provide a consumer", route.React),
		}
	}

	switch route.Lifestyle {
	case config.LifestyleLazy:
		return LazyConsumer(factory), nil
	case config.LifestyleDelegated:
		return DelegatedConsumer(factory), nil
	case config.LifestyleNormal, "":
		consumer, err := factory()
		if err != nil {
			return nil, &errspkg.ConfigurationError{Endpoint: ep.Name, Route: route.Key, Reason: "consumer " + route.React, Err: err}
		}
		return consumer, nil
	default:
		return nil, &errspkg.ConfigurationError{
			Endpoint: ep.Name,
			Route:    route.Key,
			Reason:   fmt.Sprintf("unsupported lifestyle %q", route.Lifestyle),
		}
	}
}

// dynamicResolver builds the publish-time route resolver for an endpoint
// with dynamic outgoing routing: the resolved route publishes on the
// exchange named after the requested label, with the endpoint's defaults.
func (c *Configurator) dynamicResolver(ep *config.Endpoint, provider ConnectionStringProvider) DynamicRouteResolver {
	endpoint := *ep
	return DynamicRouteResolverFunc(func(label labels.MessageLabel) (ProducerOptions, error) {
		if label.IsEmpty() || label.IsAny() {
			return ProducerOptions{}, &errspkg.ConfigurationError{
				Endpoint: endpoint.Name,
				Reason:   "dynamic routing needs a concrete label",
			}
		}
		return ProducerOptions{
			Endpoint:         endpoint.Name,
			Key:              label.String(),
			Label:            label,
			ConnectionString: effectiveConnectionString(provider, label, "", endpoint.ConnectionString),
			ReuseConnection:  effectiveReuse(nil, endpoint.ReuseConnection),
		}, nil
	})
}

func resolveAs[T any](reg *registry.Registry, name string, capability registry.Capability) (T, error) {
	var zero T
	resolved, err := reg.Resolve(name, capability)
	if err != nil {
		return zero, err
	}
	typed, ok := resolved.(T)
	if !ok {
		return zero, fmt.Errorf("component %q has unexpected type %T", name, resolved)
	}
	return typed, nil
}

func resolveValidator(reg *registry.Registry, name string, capability registry.Capability) (Validator, error) {
	resolved, err := reg.Resolve(name, capability)
	if err != nil {
		return nil, err
	}
	switch v := resolved.(type) {
	case Validator:
		return v, nil
	case []Validator:
		return ValidatorGroup(v), nil
	default:
		return nil, fmt.Errorf("component %q does not provide a validator", name)
	}
}

// queueAddress derives the queue a subscription consumes from.
func queueAddress(endpoint string, label labels.MessageLabel) string {
	return endpoint + "." + label.String()
}

// effectiveConnectionString applies the outgoing/incoming precedence:
// provider(label), then the route's connection string, then the endpoint's.
func effectiveConnectionString(provider ConnectionStringProvider, label labels.MessageLabel, route, endpoint string) string {
	if provider != nil {
		if cs, ok := provider.ConnectionString(label); ok {
			return cs
		}
	}
	if route != "" {
		return route
	}
	return endpoint
}

// effectiveReuse applies the route-over-endpoint precedence for the
// tri-state reuse flag; unset everywhere means exclusive connections.
func effectiveReuse(route, endpoint *bool) bool {
	if route != nil {
		return *route
	}
	if endpoint != nil {
		return *endpoint
	}
	return false
}

// effectivePrefetchCount resolves the per-field QoS precedence: route, then
// endpoint, then the listener default of 50.
func effectivePrefetchCount(route, endpoint *config.QoSParams) int {
	if route != nil && route.PrefetchCount != nil {
		return *route.PrefetchCount
	}
	if endpoint != nil && endpoint.PrefetchCount != nil {
		return *endpoint.PrefetchCount
	}
	return config.DefaultPrefetchCount
}

// effectivePrefetchSize resolves the per-field QoS precedence with the
// listener default of 0.
func effectivePrefetchSize(route, endpoint *config.QoSParams) int {
	if route != nil && route.PrefetchSize != nil {
		return *route.PrefetchSize
	}
	if endpoint != nil && endpoint.PrefetchSize != nil {
		return *endpoint.PrefetchSize
	}
	return config.DefaultPrefetchSize
}

func effectiveInt(route, endpoint *int, fallback int) int {
	if route != nil {
		return *route
	}
	if endpoint != nil {
		return *endpoint
	}
	return fallback
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
