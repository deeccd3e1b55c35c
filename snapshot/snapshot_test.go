package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nndrao/components-sub001/connection"
	"github.com/nndrao/components-sub001/connection/transport/memory"
	"github.com/nndrao/components-sub001/errors"
	"github.com/nndrao/components-sub001/snapshot"
)

func newManager(t *testing.T, broker *memory.Broker) *connection.Manager {
	t.Helper()
	mgr, err := connection.NewManager(broker.Transport(), connection.Config{ConnectTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(context.Background()))
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func rowKeys(t *testing.T, res *snapshot.Result, field string) []string {
	t.Helper()
	var out []string
	for _, row := range res.Rows {
		v, ok := row.Obj.Get(field)
		require.True(t, ok)
		out = append(out, v.Str)
	}
	return out
}

func TestRunEndTokenExcludesTokenMessage(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	// Respond to the trigger with two data messages then the end marker
	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		broker.Publish("orders.snapshot", []byte(`{"id":"row1"}`))
		broker.Publish("orders.snapshot", []byte(`{"id":"row2"}`))
		broker.Publish("orders.snapshot", []byte(`{"id":"row3","status":"SNAPSHOT_END"}`))
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		EndToken:       "SNAPSHOT_END",
		SettleDelay:    10 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateDone, res.State)
	assert.Empty(t, res.Warning)
	// The token-bearing message contributes no rows
	assert.Equal(t, []string{"row1", "row2"}, rowKeys(t, res, "id"))
}

func TestRunFlattensArrayPayloads(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		broker.Publish("orders.snapshot", []byte(`[{"id":"a"},{"id":"b"}]`))
		broker.Publish("orders.snapshot", []byte(`{"id":"c"}`))
		broker.Publish("orders.snapshot", []byte(`"SNAPSHOT_END"`))
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		EndToken:       "SNAPSHOT_END",
		SettleDelay:    10 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateDone, res.State)
	assert.Equal(t, []string{"a", "b", "c"}, rowKeys(t, res, "id"))
}

func TestRunSubscribesBeforeTrigger(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	subscribedAtTrigger := make(chan bool, 1)
	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		found := false
		for _, sub := range broker.Subscriptions() {
			if sub == "orders.snapshot" {
				found = true
			}
		}
		subscribedAtTrigger <- found
		broker.Publish("orders.snapshot", []byte(`"SNAPSHOT_END"`))
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		EndToken:       "SNAPSHOT_END",
		SettleDelay:    10 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)

	_, err = acq.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, <-subscribedAtTrigger)
}

func TestRunTimeoutReturnsPartialData(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		broker.Publish("orders.snapshot", []byte(`{"id":"only"}`))
		// No end token ever arrives
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		EndToken:       "SNAPSHOT_END",
		SettleDelay:    10 * time.Millisecond,
		Timeout:        150 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateTimedOut, res.State)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, []string{"only"}, rowKeys(t, res, "id"))
}

func TestRunTimeoutEmptyIsWarningNotError(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		SettleDelay:    5 * time.Millisecond,
		Timeout:        50 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateTimedOut, res.State)
	assert.Contains(t, res.Warning, "no rows")
	assert.Empty(t, res.Rows)
}

func TestRunPassiveModeSendsNoTrigger(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic: "orders.snapshot",
		EndToken:      "SNAPSHOT_END",
		Timeout:       2 * time.Second,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	var res *snapshot.Result
	var runErr error
	go func() {
		res, runErr = acq.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, sub := range broker.Subscriptions() {
			if sub == "orders.snapshot" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	broker.Publish("orders.snapshot", []byte(`{"id":"p1"}`))
	broker.Publish("orders.snapshot", []byte(`"SNAPSHOT_END"`))

	<-done
	require.NoError(t, runErr)
	assert.Equal(t, snapshot.StateDone, res.State)
	assert.Equal(t, []string{"p1"}, rowKeys(t, res, "id"))
	assert.Empty(t, broker.Published())
}

func TestRunRowCapEndsEarly(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		broker.Publish("orders.snapshot", []byte(`[{"id":"1"},{"id":"2"},{"id":"3"},{"id":"4"}]`))
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		SettleDelay:    10 * time.Millisecond,
		Timeout:        2 * time.Second,
		MaxRows:        3,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateDone, res.State)
	assert.Len(t, res.Rows, 3)
}

func TestRunCancellation(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic: "orders.snapshot",
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var res *snapshot.Result
	var runErr error
	go func() {
		res, runErr = acq.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(broker.Subscriptions()) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, errors.ErrSnapshotCancelled)
	assert.Equal(t, snapshot.StateCancelled, res.State)

	// Subscription is released on cancellation
	assert.Empty(t, broker.Subscriptions())
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	broker.OnPublish(func(topic string, _ []byte) {
		if topic != "orders.request" {
			return
		}
		broker.Publish("orders.snapshot", []byte(`{not json`))
		broker.Publish("orders.snapshot", []byte(`{"id":"good"}`))
		broker.Publish("orders.snapshot", []byte(`"SNAPSHOT_END"`))
	})

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic:  "orders.snapshot",
		RequestTopic:   "orders.request",
		TriggerPayload: []byte("START"),
		EndToken:       "SNAPSHOT_END",
		SettleDelay:    10 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)

	res, err := acq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, rowKeys(t, res, "id"))
}

func TestRunTwiceFails(t *testing.T) {
	broker := memory.NewBroker()
	mgr := newManager(t, broker)

	acq, err := snapshot.New(mgr, snapshot.Config{
		ListenerTopic: "orders.snapshot",
		EndToken:      "END",
		Timeout:       50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = acq.Run(context.Background())
	require.NoError(t, err)

	_, err = acq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}
