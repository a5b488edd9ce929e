package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lanebus/lanebus/internal/runtime/logging"
	"github.com/lanebus/lanebus/internal/runtime/pool"
)

type nackRecord struct {
	tag     uint64
	requeue bool
}

type fakeAcker struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackRecord
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackRecord{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func (a *fakeAcker) nackRecords() []nackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	clone := make([]nackRecord, len(a.nacks))
	copy(clone, a.nacks)
	return clone
}

type publishRecord struct {
	exchange string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	qosCount   int
	qosSize    int
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	consumeErr error
	canceled   bool
	closed     bool
	confirmed  bool
	published  []publishRecord
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qosCount, c.qosSize = prefetchCount, prefetchSize
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishRecord{exchange: exchange, msg: msg})
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fail simulates the broker closing the channel underneath the consumer.
func (c *fakeChannel) fail(reason string) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify <- &amqp.Error{Code: amqp.ChannelError, Reason: reason}
	}
}

func (c *fakeChannel) publishRecords() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := make([]publishRecord, len(c.published))
	copy(clone, c.published)
	return clone
}

type fakeConn struct {
	mu       sync.Mutex
	channels []*fakeChannel
	closed   bool
}

func (c *fakeConn) Channel() (pool.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

func (c *fakeConn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// stubBroker reroutes pool dialing to in-memory fake connections, one per
// URL, for the duration of the test.
func stubBroker(t *testing.T) map[string]*fakeConn {
	t.Helper()

	conns := map[string]*fakeConn{}
	var mu sync.Mutex

	original := pool.DialFunc
	pool.DialFunc = func(url string) (pool.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		conn, ok := conns[url]
		if !ok {
			conn = &fakeConn{}
			conns[url] = conn
		}
		return conn, nil
	}
	t.Cleanup(func() { pool.DialFunc = original })

	return conns
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.New(logging.Nop())
}

func testReceiverOptions(connectionString string) ReceiverOptions {
	return ReceiverOptions{
		Endpoint:         "orders",
		ConnectionString: connectionString,
		QueueAddress:     "orders.placed",
		ParallelismLevel: 1,
	}
}

func newDelivery(acker *fakeAcker, tag uint64, label, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		Headers:      amqp.Table{HeaderLabel: label},
		Body:         []byte(body),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
