package eventbus

import (
	"context"
	"testing"
	"time"

	"lifecycle-engine/internal/common/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStream(t *testing.T) *RedisStream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStream(client, "lifecycle:", logger.NewTestLogger(t))
}

func TestRedisStream_PublishAndListen(t *testing.T) {
	stream := setupRedisStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := stream.Listen(ctx, []string{ChannelStatusChanged})
	require.NoError(t, err)

	sent := Event{ID: "evt-1", Channel: ChannelStatusChanged, ApplicationID: "app-1", Data: []byte(`{"to":"pending_offers"}`), OccurredAt: time.Now().UTC()}
	require.NoError(t, stream.Publish(ctx, sent))
	require.NoError(t, stream.Publish(ctx, Event{ID: "evt-2", Channel: ChannelAlertCreated, Data: []byte(`{}`)}))

	select {
	case got := <-events:
		assert.Equal(t, "evt-1", got.ID)
		assert.Equal(t, "app-1", got.ApplicationID)
		assert.JSONEq(t, `{"to":"pending_offers"}`, string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStream_DrivesBus(t *testing.T) {
	stream := setupRedisStream(t)
	b := newTestBus(t, stream)

	got := make(chan StatusChanged, 1)
	b.Subscribe(ChannelStatusChanged, "capture", func(ctx context.Context, e Event) error {
		var p StatusChanged
		if err := e.Decode(&p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), ChannelStatusChanged, "app-9", StatusChanged{ApplicationID: "app-9", To: "abandoned"}))

	select {
	case p := <-got:
		assert.Equal(t, "app-9", p.ApplicationID)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not deliver redis event")
	}
}
