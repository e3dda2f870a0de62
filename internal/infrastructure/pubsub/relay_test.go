package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/flowlink/internal/shared/hubprotocol/device"
	"github.com/orris-inc/flowlink/internal/shared/logger"
)

func newTestRelay(t *testing.T) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRelay(client, "flowlink", logger.NewNop()), server
}

func waitSubscribed(t *testing.T, server *miniredis.Miniredis, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.PubSubNumSub(channel)[channel] > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRelay_CommandRoundTrip(t *testing.T) {
	relay, server := newTestRelay(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	type delivery struct {
		account string
		nodes   []device.Node
	}
	got := make(chan delivery, 1)
	go func() {
		_ = relay.SubscribeCommands(ctx, func(account string, nodes []device.Node) {
			got <- delivery{account, nodes}
		})
	}()
	waitSubscribed(t, server, "flowlink:command")

	err := relay.PublishCommand(ctx, "acme@hub", json.RawMessage(`{"cat":"sys","act":"deliverflows","args":{"flowId":"f1"}}`))
	require.NoError(t, err)

	select {
	case d := <-got:
		assert.Equal(t, "acme@hub", d.account)
		require.Len(t, d.nodes, 1)
		req, ok := d.nodes[0].(*device.Request)
		require.True(t, ok)
		assert.Equal(t, device.ActDeliverFlows, req.Act)
		_, hasID := req.CommandID()
		assert.False(t, hasID)
	case <-time.After(3 * time.Second):
		t.Fatal("command not relayed")
	}
}

func TestRelay_MalformedCommandIsDropped(t *testing.T) {
	relay, server := newTestRelay(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	got := make(chan string, 2)
	go func() {
		_ = relay.SubscribeCommands(ctx, func(account string, _ []device.Node) {
			got <- account
		})
	}()
	waitSubscribed(t, server, "flowlink:command")

	server.Publish("flowlink:command", `{"account":"bad","command":42}`)
	server.Publish("flowlink:command", `not json`)
	server.Publish("flowlink:command", `{"account":"partial","command":[{"cat":"sys","act":"restart"},7]}`)
	require.NoError(t, relay.PublishCommand(ctx, "good@hub", json.RawMessage(`{"cat":"sys","act":"restart"}`)))

	select {
	case account := <-got:
		assert.Equal(t, "good@hub", account)
	case <-time.After(3 * time.Second):
		t.Fatal("valid command not relayed")
	}
}

func TestRelay_StatusSkipsOwnEvents(t *testing.T) {
	relay, server := newTestRelay(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	got := make(chan StatusEvent, 2)
	go func() {
		_ = relay.SubscribeStatus(ctx, func(event StatusEvent) {
			got <- event
		})
	}()
	waitSubscribed(t, server, "flowlink:status")

	require.NoError(t, relay.PublishStatus(ctx, StatusEvent{Type: StatusAccountOnline, Account: "acme@hub"}))

	foreign, err := json.Marshal(StatusEvent{
		Type:       StatusAccountOffline,
		Account:    "beta@hub",
		Timestamp:  1700000000,
		InstanceID: "other-instance",
	})
	require.NoError(t, err)
	server.Publish("flowlink:status", string(foreign))

	select {
	case event := <-got:
		assert.Equal(t, StatusAccountOffline, event.Type)
		assert.Equal(t, "beta@hub", event.Account)
		assert.Equal(t, "other-instance", event.InstanceID)
	case <-time.After(3 * time.Second):
		t.Fatal("status event not delivered")
	}

	select {
	case event := <-got:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_SubscribeStopsWithContext(t *testing.T) {
	relay, _ := newTestRelay(t)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() {
		done <- relay.SubscribeStatus(ctx, func(StatusEvent) {})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
