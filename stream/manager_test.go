package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubstream/pkg/retry"
	"github.com/c360/hubstream/testutil"
)

func fastBackoff() retry.Config {
	return retry.Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestManager(t *testing.T, hub *testutil.WSHub, opts Options) *Manager {
	t.Helper()
	opts.URL = hub.URL()
	m := NewManager(opts)
	require.NoError(t, m.Initialize())
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnectDispatchesMessages(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	got := make(chan *Message, 1)
	cancel := m.OnMessage(func(msg *Message) { got <- msg })
	defer cancel()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))
	assert.True(t, m.IsConnected())

	hub.Broadcast(map[string]any{
		"type": TypeTelemetry, "hubId": "hub-1", "portId": "ttyUSB0",
		"timestamp": 1700000000000, "data": "dGVtcD0yMy41Cg==",
	})

	select {
	case msg := <-got:
		require.Equal(t, TypeTelemetry, msg.Type)
		require.NotNil(t, msg.Telemetry)
		assert.Equal(t, "hub-1", msg.Telemetry.HubID)
		assert.Equal(t, "dGVtcD0yMy41Cg==", msg.Telemetry.Data)
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))
	require.NoError(t, m.Connect(context.Background(), "tok"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestSubscribeWhileDisconnectedQueuesOnce(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	sub := Subscription{HubID: "hub-1", PortID: "ttyUSB0"}
	require.NoError(t, m.Subscribe(sub))
	require.NoError(t, m.Subscribe(sub))
	require.NoError(t, m.Subscribe(Subscription{HubID: "hub-2", PortID: "ttyACM0"}))

	assert.True(t, m.HasPendingSubscription("hub-1", "ttyUSB0"))
	assert.True(t, m.HasPendingSubscription("hub-2", "ttyACM0"))
	assert.False(t, m.IsConnected())

	// The flush on open carries exactly one batched request with the
	// deduped intents.
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	var req struct {
		Type          string         `json:"type"`
		Subscriptions []Subscription `json:"subscriptions"`
	}
	require.True(t, hub.NextReceived(&req, time.Second))
	assert.Equal(t, "subscribe", req.Type)
	assert.Equal(t, []Subscription{
		{HubID: "hub-1", PortID: "ttyUSB0"},
		{HubID: "hub-2", PortID: "ttyACM0"},
	}, req.Subscriptions)

	assert.False(t, m.HasPendingSubscription("hub-1", "ttyUSB0"))
}

func TestUnsubscribeRemovesPendingIntent(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	sub := Subscription{HubID: "hub-1", PortID: "ttyUSB0"}
	require.NoError(t, m.Subscribe(sub))
	require.True(t, m.HasPendingSubscription("hub-1", "ttyUSB0"))

	require.NoError(t, m.Unsubscribe(sub))
	assert.False(t, m.HasPendingSubscription("hub-1", "ttyUSB0"))
}

func TestSubscribeWhileConnectedSendsImmediately(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	require.NoError(t, m.Subscribe(Subscription{HubID: "hub-1", PortID: "ttyUSB0"}))

	var req struct {
		Type          string         `json:"type"`
		Subscriptions []Subscription `json:"subscriptions"`
	}
	require.True(t, hub.NextReceived(&req, time.Second))
	assert.Equal(t, "subscribe", req.Type)
	require.Len(t, req.Subscriptions, 1)
	assert.False(t, m.HasPendingSubscription("hub-1", "ttyUSB0"))

	require.NoError(t, m.Unsubscribe(Subscription{HubID: "hub-1", PortID: "ttyUSB0"}))
	require.True(t, hub.NextReceived(&req, time.Second))
	assert.Equal(t, "unsubscribe", req.Type)
}

func TestSubscribeTriggersOpportunisticConnect(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{Credential: "tok"})

	require.NoError(t, m.Subscribe(Subscription{HubID: "hub-1", PortID: "ttyUSB0"}))
	require.True(t, hub.WaitForConnection(time.Second))

	var req struct {
		Type string `json:"type"`
	}
	require.True(t, hub.NextReceived(&req, time.Second))
	assert.Equal(t, "subscribe", req.Type)
}

func TestReconnectAfterDrop(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{AutoReconnect: true, Backoff: fastBackoff()})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	hub.DropClients()

	require.True(t, hub.WaitForConnection(2*time.Second), "no reconnect observed")
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, hub.ConnectionCount())
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{AutoReconnect: true, Backoff: fastBackoff()})

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	m.Disconnect()
	assert.False(t, m.IsConnected())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount(), "intentional close must not reconnect")
}

func TestHandlerPanicIsolation(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	var delivered atomic.Int32
	cancel1 := m.OnMessage(func(*Message) { panic("handler bug") })
	defer cancel1()
	cancel2 := m.OnMessage(func(*Message) { delivered.Add(1) })
	defer cancel2()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	hub.Broadcast(map[string]any{"type": TypeHealth})

	require.Eventually(t, func() bool { return delivered.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestMalformedMessageIsolated(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	got := make(chan *Message, 4)
	cancel := m.OnMessage(func(msg *Message) { got <- msg })
	defer cancel()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	hub.BroadcastRaw([]byte("{not json"))
	hub.BroadcastRaw([]byte(`{"notype":true}`))
	hub.Broadcast(map[string]any{"type": TypeHealth})

	select {
	case msg := <-got:
		assert.Equal(t, TypeHealth, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("valid message after malformed ones was not delivered")
	}
	assert.True(t, m.IsConnected(), "malformed payload must not kill the session")
}

func TestOnMessageCancel(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{})

	var delivered atomic.Int32
	keep := m.OnMessage(func(*Message) { delivered.Add(1) })
	defer keep()
	drop := m.OnMessage(func(*Message) { t.Error("cancelled handler invoked") })
	drop()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.True(t, hub.WaitForConnection(time.Second))

	hub.Broadcast(map[string]any{"type": TypeHealth})
	require.Eventually(t, func() bool { return delivered.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	hub := testutil.NewWSHub(t)
	m := newTestManager(t, hub, Options{Credential: "tok"})

	meta := m.Meta()
	assert.Equal(t, "stream", meta.Type)

	require.NoError(t, m.Start(context.Background()))
	require.True(t, hub.WaitForConnection(time.Second))
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)
	assert.True(t, m.Health().Healthy)

	require.NoError(t, m.Stop(time.Second))
	assert.False(t, m.IsConnected())
	assert.False(t, m.Health().Healthy)
}

func TestInitializeRequiresURL(t *testing.T) {
	m := NewManager(Options{})
	assert.Error(t, m.Initialize())
}
