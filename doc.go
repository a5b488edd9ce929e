// Package lanebus is a client-side message-bus library on top of an
// AMQP-class broker. An application declares a collection of named
// endpoints, each describing outgoing message routes and incoming
// subscriptions, and the bus multiplexes them over a pool of broker
// connections.
//
// The declarative endpoint tree (config.Tree) is materialized by a
// Configurator: late-bound components — consumers, validators, lifecycle
// handlers, connection-string providers — are resolved by name from a
// capability-indexed dependency Registry, and the result is written into a
// BusBuilder. Building yields a Bus that owns one Receiver per subscription
// label and one Producer per outgoing route.
//
// At start, each Receiver consults the connection pool for a connection per
// broker URL in its connection string, builds one Listener per (URL, queue)
// pair — deduplicating listeners that share both and rejecting co-located
// listeners with incompatible options — and starts consuming. Incoming
// messages flow broker → listener → label dispatch → validator → consumer
// callback; a listener that stops unexpectedly is dropped and re-enlisted by
// its receiver.
//
// # Consumers and lifestyles
//
// Consumers are registered under a message label with one of three
// instantiation policies: Normal builds the consumer at registration, Lazy
// builds it on the first message and memoizes, Delegated builds one per
// message. Payloads are either typed against a registered schema or an
// untyped dynamic field map.
//
// # Dynamic outgoing routing
//
// An endpoint with dynamic outgoing enabled registers a catch-all route
// under the Any label; the destination route is resolved at publish time
// from the label of the message being published.
//
// Logging goes through ServiceLogger, adaptable from slog or any Watermill
// LoggerAdapter. Metrics are Prometheus collectors behind BusMetrics; each
// dispatch runs under an OpenTelemetry span.
package lanebus
