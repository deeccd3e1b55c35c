package nats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nndrao/components-sub001/connection"
)

// startNATSContainer spins up a throwaway NATS server for the test
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())

	// Wait for NATS to be fully ready
	time.Sleep(100 * time.Millisecond)

	return natsContainer, natsURL
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	transport, err := New(natsURL)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	err = transport.Dial(ctx, connection.DialOptions{
		OnMessage: func(msg connection.Message) {
			mu.Lock()
			got = append(got, string(msg.Data))
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer transport.Close()

	require.NoError(t, transport.Subscribe("orders.live"))
	// Subscription propagation
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, transport.Publish("orders.live", []byte(`{"id":"A"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, `{"id":"A"}`, got[0])
	mu.Unlock()

	require.NoError(t, transport.Unsubscribe("orders.live"))
	require.NoError(t, transport.Publish("orders.live", []byte(`{"id":"B"}`)))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func TestIntegration_ManagerOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	transport, err := New(natsURL)
	require.NoError(t, err)

	mgr, err := connection.NewManager(transport, connection.Config{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(ctx))
	defer mgr.Close()

	received := make(chan string, 1)
	_, err = mgr.Subscribe("quotes", func(msg connection.Message) {
		received <- string(msg.Data)
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, mgr.Publish("quotes", []byte("42.5")))

	select {
	case data := <-received:
		assert.Equal(t, "42.5", data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered through manager")
	}
}
