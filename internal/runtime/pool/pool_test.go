package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/lanebus/lanebus/internal/runtime/errors"
	"github.com/lanebus/lanebus/internal/runtime/logging"
)

type stubConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *stubConn) Channel() (Channel, error) { return nil, errors.New("not implemented") }

func (c *stubConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// stubDial reroutes DialFunc for the duration of the test.
func stubDial(t *testing.T, dial func(url string) (Conn, error)) {
	t.Helper()
	original := DialFunc
	DialFunc = dial
	t.Cleanup(func() { DialFunc = original })
}

func countingDial(t *testing.T) *int {
	t.Helper()
	dials := 0
	stubDial(t, func(url string) (Conn, error) {
		dials++
		return &stubConn{}, nil
	})
	return &dials
}

func TestGetReuseSharesConnection(t *testing.T) {
	dials := countingDial(t)
	p := New(logging.Nop())

	first, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	second, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, *dials)
	assert.True(t, first.Shared)
}

func TestGetExclusiveOpensFreshConnections(t *testing.T) {
	dials := countingDial(t)
	p := New(logging.Nop())

	first, err := p.Get(context.Background(), "amqp://h1", false)
	require.NoError(t, err)
	second, err := p.Get(context.Background(), "amqp://h1", false)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, *dials)
	assert.False(t, first.Shared)
}

func TestGetDistinctURLsGetDistinctConnections(t *testing.T) {
	countingDial(t)
	p := New(logging.Nop())

	first, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	second, err := p.Get(context.Background(), "amqp://h2", true)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestGetConcurrentReuseAwaitsSingleOpen(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	gate := make(chan struct{})
	stubDial(t, func(url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		<-gate
		return &stubConn{}, nil
	})

	p := New(logging.Nop())

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			conn, err := p.Get(context.Background(), "amqp://h1", true)
			if err != nil {
				t.Errorf("get failed: %v", err)
				return
			}
			ids[i] = conn.ID
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	mu.Lock()
	assert.Equal(t, 1, dials)
	mu.Unlock()
}

func TestGetBrokerUnreachable(t *testing.T) {
	stubDial(t, func(url string) (Conn, error) {
		return nil, errors.New("connection refused")
	})
	p := New(logging.Nop())

	_, err := p.Get(context.Background(), "amqp://down", true)
	assert.ErrorIs(t, err, errspkg.ErrBrokerUnreachable)

	// A failed shared open must not poison the URL.
	stubDial(t, func(url string) (Conn, error) { return &stubConn{}, nil })
	_, err = p.Get(context.Background(), "amqp://down", true)
	assert.NoError(t, err)
}

func TestGetCancelsPendingOpen(t *testing.T) {
	gate := make(chan struct{})
	conn := &stubConn{}
	stubDial(t, func(url string) (Conn, error) {
		<-gate
		return conn, nil
	})
	p := New(logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Get(ctx, "amqp://h1", false)
	assert.ErrorIs(t, err, errspkg.ErrCanceled)

	// The late connection is reaped once the dial completes.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !conn.IsClosed() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, conn.IsClosed())
}

func TestGetReplacesDeadSharedConnection(t *testing.T) {
	dials := countingDial(t)
	p := New(logging.Nop())

	first, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	require.NoError(t, first.conn.Close())

	second, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, *dials)
}

func TestCloseRejectsFurtherGets(t *testing.T) {
	countingDial(t)
	p := New(logging.Nop())

	conn, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.True(t, conn.IsClosed())
	_, err = p.Get(context.Background(), "amqp://h1", true)
	assert.ErrorIs(t, err, errspkg.ErrPoolClosed)
}

func TestFreeClosesOnlyExclusiveConnections(t *testing.T) {
	countingDial(t)
	p := New(logging.Nop())

	shared, err := p.Get(context.Background(), "amqp://h1", true)
	require.NoError(t, err)
	exclusive, err := p.Get(context.Background(), "amqp://h1", false)
	require.NoError(t, err)

	require.NoError(t, shared.Free())
	assert.False(t, shared.IsClosed())

	require.NoError(t, exclusive.Free())
	assert.True(t, exclusive.IsClosed())
}

func TestAMQPChannelSatisfiesChannelInterface(t *testing.T) {
	// Compile-time check that the real client fits the pool's seam.
	var _ Channel = (*amqp.Channel)(nil)
}
