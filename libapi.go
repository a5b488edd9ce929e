package lanebus

import (
	"context"

	runtimepkg "github.com/lanebus/lanebus/internal/runtime"
	configpkg "github.com/lanebus/lanebus/internal/runtime/config"
	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
	expirespkg "github.com/lanebus/lanebus/internal/runtime/expires"
	idspkg "github.com/lanebus/lanebus/internal/runtime/ids"
	jsoncodec "github.com/lanebus/lanebus/internal/runtime/jsoncodec"
	labelspkg "github.com/lanebus/lanebus/internal/runtime/labels"
	loggingpkg "github.com/lanebus/lanebus/internal/runtime/logging"
	poolpkg "github.com/lanebus/lanebus/internal/runtime/pool"
	registrypkg "github.com/lanebus/lanebus/internal/runtime/registry"
)

type (
	// Declarative configuration tree.
	Tree          = configpkg.Tree
	Endpoint      = configpkg.Endpoint
	OutgoingRoute = configpkg.OutgoingRoute
	IncomingRoute = configpkg.IncomingRoute
	QoSParams     = configpkg.QoSParams
	ValidatorRef  = configpkg.ValidatorRef
	Lifestyle     = configpkg.Lifestyle

	// Labels.
	MessageLabel = labelspkg.MessageLabel

	// Dependency registry.
	Registry   = registrypkg.Registry
	Capability = registrypkg.Capability
	Provider   = registrypkg.Provider

	// Connection pool.
	ConnectionPool = poolpkg.Pool
	Connection     = poolpkg.Connection

	// Core runtime.
	Bus                      = runtimepkg.Bus
	BusBuilder               = runtimepkg.BusBuilder
	BusMetrics               = runtimepkg.BusMetrics
	Configurator             = runtimepkg.Configurator
	Receiver                 = runtimepkg.Receiver
	ReceiverOptions          = runtimepkg.ReceiverOptions
	Listener                 = runtimepkg.Listener
	StopEvent                = runtimepkg.StopEvent
	StopReason               = runtimepkg.StopReason
	Producer                 = runtimepkg.Producer
	ProducerOptions          = runtimepkg.ProducerOptions
	DynamicRouteResolver     = runtimepkg.DynamicRouteResolver
	DynamicRouteResolverFunc = runtimepkg.DynamicRouteResolverFunc
	RequestConfig            = runtimepkg.RequestConfig
	Delivery                 = runtimepkg.Delivery
	Consumer                 = runtimepkg.Consumer
	ConsumerFunc             = runtimepkg.ConsumerFunc
	ConsumerFactory          = runtimepkg.ConsumerFactory
	Validator                = runtimepkg.Validator
	ValidatorFunc            = runtimepkg.ValidatorFunc
	ValidatorGroup           = runtimepkg.ValidatorGroup
	LifecycleHandler         = runtimepkg.LifecycleHandler
	ConnectionStringProvider = runtimepkg.ConnectionStringProvider
	Payload                  = runtimepkg.Payload
	TypedPayload             = runtimepkg.TypedPayload
	UntypedPayload           = runtimepkg.UntypedPayload
	PayloadType              = runtimepkg.PayloadType
	PayloadTypeRegistry      = runtimepkg.PayloadTypeRegistry
	FailedDeliveryStrategy   = runtimepkg.FailedDeliveryStrategy

	// Expiration value type.
	Expires = expirespkg.Expires

	// Structured errors.
	ConfigurationError = errspkg.ConfigurationError
	ResolutionError    = errspkg.ResolutionError
	TransportError     = errspkg.TransportError
	ValidationError    = errspkg.ValidationError
	NotFoundError      = errspkg.NotFoundError

	// Logging.
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	NewLabel          = labelspkg.New
	AnyLabel          = labelspkg.Any
	NewRegistry       = registrypkg.New
	ConsumerOf        = registrypkg.ConsumerOf
	NewConnectionPool = poolpkg.New

	NewConfigurator        = runtimepkg.NewConfigurator
	NewBusBuilder          = runtimepkg.NewBusBuilder
	NewBusMetrics          = runtimepkg.NewBusMetrics
	NewReceiver            = runtimepkg.NewReceiver
	NewProducer            = runtimepkg.NewProducer
	NewPayloadTypeRegistry = runtimepkg.NewPayloadTypeRegistry
	LazyConsumer           = runtimepkg.LazyConsumer
	DelegatedConsumer      = runtimepkg.DelegatedConsumer
	SingletonFactory       = runtimepkg.SingletonFactory

	ExpiresAt    = expirespkg.At
	ExpiresIn    = expirespkg.In
	ParseExpires = expirespkg.Parse

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.Nop

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID

	ErrBrokerUnreachable  = errspkg.ErrBrokerUnreachable
	ErrCanceled           = errspkg.ErrCanceled
	ErrNotFound           = errspkg.ErrNotFound
	ErrUnknownName        = errspkg.ErrUnknownName
	ErrCapabilityMismatch = errspkg.ErrCapabilityMismatch

	ErrExpiresArgument = expirespkg.ErrArgument
	ErrExpiresFormat   = expirespkg.ErrFormat
)

// Registry capability tags.
const (
	CapabilityValidator                = registrypkg.Validator
	CapabilityValidatorGroup           = registrypkg.ValidatorGroup
	CapabilityLifecycleHandler         = registrypkg.LifecycleHandler
	CapabilityConnectionStringProvider = registrypkg.ConnectionStringProvider
	CapabilityProducerSelector         = registrypkg.ProducerSelector
)

// Consumer lifestyles.
const (
	LifestyleNormal    = configpkg.LifestyleNormal
	LifestyleLazy      = configpkg.LifestyleLazy
	LifestyleDelegated = configpkg.LifestyleDelegated
)

// Failed-delivery strategies.
const (
	StrategyRequeue    = runtimepkg.StrategyRequeue
	StrategyDeadLetter = runtimepkg.StrategyDeadLetter
	StrategyDrop       = runtimepkg.StrategyDrop
)

// TypedConsumerFunc adapts a handler of decoded T payloads to a Consumer.
func TypedConsumerFunc[T any](fn func(ctx context.Context, msg *T, d *Delivery) error) Consumer {
	return runtimepkg.TypedConsumerFunc(fn)
}

// HeaderLabel is the wire header carrying the message label.
const HeaderLabel = runtimepkg.HeaderLabel

// Listener stop reasons.
const (
	StopRegular    = runtimepkg.StopRegular
	StopUnexpected = runtimepkg.StopUnexpected
)
