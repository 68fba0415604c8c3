package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brigade/fanout"
)

func newTestBridge(t *testing.T) (*RedisBridge, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	bridge, err := NewRedisBridge(mr.Addr(), "", 0, 16, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { bridge.Close() })
	return bridge, mr
}

func TestRedisBridge_ForwardsEvents(t *testing.T) {
	bridge, mr := newTestBridge(t)

	// Subscribe with a real client so the delivered payload is verified
	// end to end.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), "brigade:region:region-01")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	bridge.MirrorEvent(fanout.Event{
		Name:      "intervention:created",
		Topic:     "region:region-01",
		Payload:   map[string]interface{}{"intervention_id": "int-1"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "brigade:region:region-01", msg.Channel)
		var evt fanout.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		assert.Equal(t, "intervention:created", evt.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected mirrored event on redis channel")
	}
}

func TestRedisBridge_GlobalEventsUseGlobalChannel(t *testing.T) {
	bridge, mr := newTestBridge(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), "brigade:global")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	bridge.MirrorEvent(fanout.Event{Name: "resource:status_changed", Timestamp: time.Now().UTC()})

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "brigade:global", msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("expected global event on brigade:global")
	}
}

func TestRedisBridge_QueueOverflowDropsWithoutBlocking(t *testing.T) {
	mr := miniredis.RunT(t)
	bridge, err := NewRedisBridge(mr.Addr(), "", 0, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer bridge.Close()

	// Flood well past the queue size; MirrorEvent must return promptly
	// regardless of what the forwarder keeps up with.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bridge.MirrorEvent(fanout.Event{Name: "resource:assigned", Topic: "station:st-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MirrorEvent blocked on a full queue")
	}
}

func TestRedisBridge_ConnectFailure(t *testing.T) {
	_, err := NewRedisBridge("127.0.0.1:1", "", 0, 16, zap.NewNop().Sugar())
	require.Error(t, err)
}
