package connection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/connection/transport/memory"
	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/stats"
)

func newConnected(t *testing.T, broker *memory.Broker, opts ...connection.Option) *connection.Manager {
	t.Helper()
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{
		ConnectTimeout: time.Second,
		ReconnectWait:  5 * time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestManagerConnectAndPublish(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	assert.Equal(t, connection.StateConnected, mgr.State())

	require.NoError(t, mgr.Publish("orders.request", []byte(`{"type":"snapshot"}`)))
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "orders.request", published[0].Topic)
}

func TestManagerConnectTwiceFails(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestManagerConnectRefused(t *testing.T) {
	broker := memory.NewBroker()
	broker.SetRefuseDials(true)

	mgr, err := connection.NewManager(broker.Transport(), connection.Config{ConnectTimeout: time.Second})
	require.NoError(t, err)

	err = mgr.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, connection.StateDisconnected, mgr.State())
}

func TestManagerSubscribeDelivery(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	var mu sync.Mutex
	var got []string
	_, err := mgr.Subscribe("orders.live", func(msg connection.Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})
	require.NoError(t, err)

	broker.Publish("orders.live", []byte("one"))
	broker.Publish("orders.live", []byte("two"))
	broker.Publish("orders.live", []byte("three"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestManagerMultipleHandlersPerTopic(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	var mu sync.Mutex
	var order []string
	sub1, err := mgr.Subscribe("quotes", func(connection.Message) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = mgr.Subscribe("quotes", func(connection.Message) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	require.NoError(t, err)

	broker.Publish("quotes", []byte("x"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	order = nil
	mu.Unlock()

	// Removing one handler leaves the shared transport subscription alive
	require.NoError(t, sub1.Unsubscribe())
	broker.Publish("quotes", []byte("y"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, order)
}

func TestManagerUnsubscribeLastDropsTopic(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	sub, err := mgr.Subscribe("trades", func(connection.Message) {})
	require.NoError(t, err)
	assert.Contains(t, broker.Subscriptions(), "trades")

	require.NoError(t, sub.Unsubscribe())
	assert.NotContains(t, broker.Subscriptions(), "trades")
}

func TestManagerReconnectResubscribes(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	var mu sync.Mutex
	var got []string
	_, err := mgr.Subscribe("positions", func(msg connection.Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})
	require.NoError(t, err)

	broker.DisconnectAll(nil)

	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Subscriptions survive the reconnect without caller involvement
	assert.Contains(t, broker.Subscriptions(), "positions")

	broker.Publish("positions", []byte("after"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "after"
	}, time.Second, 5*time.Millisecond)
}

func TestManagerReconnectGivesUp(t *testing.T) {
	broker := memory.NewBroker()
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{
		ConnectTimeout:       time.Second,
		ReconnectWait:        time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })

	broker.SetRefuseDials(true)
	broker.DisconnectAll(nil)

	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, mgr.StateReason(), "reconnect failed")
}

func TestManagerExplicitReconnectAfterGiveUp(t *testing.T) {
	broker := memory.NewBroker()
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{
		ConnectTimeout:       time.Second,
		ReconnectWait:        time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })

	var mu sync.Mutex
	var got []string
	_, err = mgr.Subscribe("positions", func(msg connection.Message) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})
	require.NoError(t, err)

	broker.SetRefuseDials(true)
	broker.DisconnectAll(nil)
	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateError
	}, 2*time.Second, 5*time.Millisecond)

	// The server comes back and the caller retries by hand
	broker.SetRefuseDials(false)
	require.NoError(t, mgr.Connect(context.Background()))
	assert.Equal(t, connection.StateConnected, mgr.State())

	// Handlers registered before the outage keep working
	assert.Contains(t, broker.Subscriptions(), "positions")
	broker.Publish("positions", []byte("after-retry"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "after-retry"
	}, time.Second, 5*time.Millisecond)
}

func TestManagerSubscribeBeforeConnect(t *testing.T) {
	broker := memory.NewBroker()
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{ConnectTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	got := make(chan string, 1)
	_, err = mgr.Subscribe("early", func(msg connection.Message) {
		got <- string(msg.Data)
	})
	require.NoError(t, err)

	// No transport yet, the registration just waits for Connect
	assert.Empty(t, broker.Subscriptions())

	require.NoError(t, mgr.Connect(context.Background()))
	assert.Contains(t, broker.Subscriptions(), "early")

	broker.Publish("early", []byte("hello"))
	select {
	case data := <-got:
		assert.Equal(t, "hello", data)
	case <-time.After(time.Second):
		t.Fatal("no delivery for a subscription registered before Connect")
	}
}

func TestManagerStatsTap(t *testing.T) {
	broker := memory.NewBroker()
	tracker := stats.NewTracker()
	mgr := newConnected(t, broker, connection.WithStats(tracker))

	_, err := mgr.Subscribe("ticks", func(connection.Message) {})
	require.NoError(t, err)

	broker.Publish("ticks", []byte("12345"))
	broker.Publish("ticks", []byte("678"))
	require.NoError(t, mgr.Publish("ticks.request", []byte("req")))

	require.Eventually(t, func() bool {
		return tracker.Snapshot().MessagesReceived == 2
	}, time.Second, 5*time.Millisecond)

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(8), snap.BytesReceived)
	assert.Equal(t, uint64(1), snap.MessagesPublished)
	assert.False(t, snap.ConnectedAt.IsZero())
}

func TestManagerStatsCountReconnects(t *testing.T) {
	broker := memory.NewBroker()
	tracker := stats.NewTracker()
	mgr := newConnected(t, broker, connection.WithStats(tracker))

	_, err := mgr.Subscribe("positions", func(connection.Message) {})
	require.NoError(t, err)

	broker.DisconnectAll(nil)
	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, tracker.Snapshot().Reconnects, uint64(1))
}

func TestManagerCloseStopsDelivery(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newConnected(t, broker)

	_, err := mgr.Subscribe("feed", func(connection.Message) {})
	require.NoError(t, err)

	require.NoError(t, mgr.Close())
	assert.Equal(t, connection.StateDisconnected, mgr.State())

	// Close again is a no-op
	require.NoError(t, mgr.Close())

	err = mgr.Publish("feed", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestManagerStateCallback(t *testing.T) {
	broker := memory.NewBroker()

	var mu sync.Mutex
	var states []connection.State
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{ConnectTimeout: time.Second},
		connection.WithStateCallback(func(s connection.State, _ string) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(context.Background()))
	require.NoError(t, mgr.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == connection.StateDisconnected {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, connection.StateConnecting)
	assert.Contains(t, states, connection.StateConnected)
}
