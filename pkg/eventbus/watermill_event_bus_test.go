package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conduit/pkg/channels/gochannel"
	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())

	t.Cleanup(func() {
		assert.NoError(t, bus.Close())
	})

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := setupBus(t)

	received := make(chan *events.InstanceMarkedDisconnected, 1)
	require.NoError(t, bus.Handle(events.InstanceMarkedDisconnectedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.InstanceMarkedDisconnected)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	lastHeartbeat := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	err := bus.Publish(ctx, "inst-1", events.InstanceMarkedDisconnected{
		BaseEvent:           events.NewBaseEvent(events.InstanceMarkedDisconnectedEvent),
		InstanceID:          "inst-1",
		LastHeartbeat:       lastHeartbeat,
		HeartbeatAgeSeconds: 3600,
		Source:              "sweep",
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "inst-1", event.InstanceID)
		assert.Equal(t, int64(3600), event.HeartbeatAgeSeconds)
		assert.True(t, lastHeartbeat.Equal(event.LastHeartbeat))
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_HeartbeatsUseTheirOwnTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := setupBus(t)

	heartbeats := make(chan *events.InstanceHeartbeat, 1)
	require.NoError(t, bus.Handle(events.InstanceHeartbeatEvent, func(_ context.Context, event any) error {
		heartbeats <- event.(*events.InstanceHeartbeat)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "inst-2", events.InstanceHeartbeat{
		BaseEvent:  events.NewBaseEvent(events.InstanceHeartbeatEvent),
		InstanceID: "inst-2",
		ObservedAt: time.Now().UTC(),
		Status:     models.InstanceConnected,
	}))

	select {
	case hb := <-heartbeats:
		assert.Equal(t, "inst-2", hb.InstanceID)
		assert.Equal(t, models.InstanceConnected, hb.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat was not delivered")
	}

	assert.Equal(t, events.HeartbeatTopic, events.TopicFor(events.InstanceHeartbeatEvent))
	assert.Equal(t, events.Topic, events.TopicFor(events.RuleExecutedEvent))
}
