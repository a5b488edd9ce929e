// Package pool hands out broker connections keyed by URL and reuse policy.
// A reusable connection is shared by every caller asking for the same URL;
// an exclusive one belongs to its caller and dies with it.
package pool

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lanebus/lanebus/internal/runtime/config"
	errs "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/ids"
	"github.com/lanebus/lanebus/internal/runtime/logging"
)

// Channel is the slice of the AMQP channel surface the bus consumes.
// *amqp091.Channel satisfies it.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Conn abstracts the underlying broker connection so tests can run without
// a broker.
type Conn interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	inner *amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) { return c.inner.Channel() }
func (c amqpConn) IsClosed() bool            { return c.inner.IsClosed() }
func (c amqpConn) Close() error              { return c.inner.Close() }

// DialFunc opens the broker connection behind a pooled Connection.
// Overridable for testing.
var DialFunc = func(url string) (Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{inner: conn}, nil
}

// Connection is a broker connection handed out by the pool. Shared
// connections stay owned by the pool; exclusive ones are freed by the
// caller.
type Connection struct {
	ID     string
	URL    string
	Shared bool

	conn Conn
}

// Channel opens a fresh channel on the connection.
func (c *Connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &errs.TransportError{Op: "open channel", URL: c.URL, Err: err}
	}
	return ch, nil
}

// IsClosed reports whether the underlying connection has gone away.
func (c *Connection) IsClosed() bool { return c.conn.IsClosed() }

// Free releases an exclusive connection. Shared connections are a no-op;
// they are closed when the pool closes.
func (c *Connection) Free() error {
	if c.Shared {
		return nil
	}
	return c.conn.Close()
}

type sharedEntry struct {
	done chan struct{}
	conn *Connection
	err  error
}

// Pool supplies connections per (URL, reuse policy). Concurrent callers
// asking for the same reusable URL await a single open.
type Pool struct {
	log logging.ServiceLogger

	mu     sync.Mutex
	shared map[string]*sharedEntry
	closed bool
}

// New creates an empty pool.
func New(log logging.ServiceLogger) *Pool {
	return &Pool{
		log:    log,
		shared: make(map[string]*sharedEntry),
	}
}

// Get returns a connection for url. With reuse, the existing connection for
// the URL is returned or a single open is started for all waiters; without
// it, a fresh exclusive connection is opened. ctx cancels a pending open;
// connections already handed out are unaffected.
func (p *Pool) Get(ctx context.Context, url string, reuse bool) (*Connection, error) {
	if !reuse {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, errs.ErrPoolClosed
		}
		return p.dial(ctx, url, false)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errs.ErrPoolClosed
		}
		entry, ok := p.shared[url]
		if !ok {
			entry = &sharedEntry{done: make(chan struct{})}
			p.shared[url] = entry
			p.mu.Unlock()

			conn, err := p.dial(ctx, url, true)
			entry.conn, entry.err = conn, err
			if err != nil {
				p.mu.Lock()
				delete(p.shared, url)
				p.mu.Unlock()
			}
			close(entry.done)
			return conn, err
		}
		p.mu.Unlock()

		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", errs.ErrCanceled, ctx.Err())
		}
		if entry.err != nil {
			return nil, entry.err
		}
		if !entry.conn.IsClosed() {
			return entry.conn, nil
		}

		// The shared connection died since it was opened; drop the stale
		// entry and race to open a replacement.
		p.mu.Lock()
		if p.shared[url] == entry {
			delete(p.shared, url)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) dial(ctx context.Context, url string, shared bool) (*Connection, error) {
	type dialResult struct {
		conn Conn
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := DialFunc(url)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// The open may still succeed after cancellation; reap it.
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", errs.ErrCanceled, ctx.Err())
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errs.ErrBrokerUnreachable, redact(url), r.err)
		}
		conn := &Connection{
			ID:     ids.CreateULID(),
			URL:    url,
			Shared: shared,
			conn:   r.conn,
		}
		p.log.Debug("Opened broker connection", logging.LogFields{
			"connection_id": conn.ID,
			"url":           redact(url),
			"shared":        shared,
		})
		return conn, nil
	}
}

// Close closes every shared connection and rejects further Gets.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.shared
	p.shared = make(map[string]*sharedEntry)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for url, entry := range entries {
		select {
		case <-entry.done:
		default:
			continue // still opening; the opener owns it
		}
		if entry.conn == nil {
			continue
		}
		if err := entry.conn.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.log.Debug("Closed broker connection", logging.LogFields{"url": redact(url)})
	}
	return firstErr
}

func redact(url string) string {
	return config.Redact(url)
}
