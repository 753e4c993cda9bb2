package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"sharechannel/internal/core/domain"
	redisrepo "sharechannel/internal/infrastructure/repositories/redis"
	"sharechannel/internal/infrastructure/signal"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SHARECHANNEL_TEST_REDIS")
	if addr == "" {
		t.Skip("SHARECHANNEL_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRelay_DeliversToInstance(t *testing.T) {
	client := testClient(t)
	logger := zaptest.NewLogger(t).Sugar()
	receiver := NewRedisRelay(client, "b", logger)
	sender := NewRedisRelay(client, "a", logger)

	got := make(chan signal.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiver.Subscribe(ctx, func(_ context.Context, msg signal.Message) { got <- msg })

	msg, err := signal.NewMessage(signal.TypeOffer, "alice", "bob", signal.LeavePayload{ConnectionID: "dc_1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sender.Publish(ctx, "b", msg) == nil
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case m := <-got:
		assert.Equal(t, signal.TypeOffer, m.Type)
		assert.Equal(t, domain.PeerID("bob"), m.Dst)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed frame not received")
	}
}

func TestRedisRelay_NoListener(t *testing.T) {
	relay := NewRedisRelay(testClient(t), "a", zaptest.NewLogger(t).Sugar())
	err := relay.Publish(context.Background(), "nobody-home", signal.Message{Type: signal.TypeLeave})
	assert.Error(t, err)
}

func TestInstanceRegistry_SweepReleasesDeadLeases(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)
	require.NoError(t, client.FlushDB(ctx).Err())
	logger := zaptest.NewLogger(t).Sugar()
	ids := redisrepo.NewRedisIDRegistry(client)

	dead := NewInstanceRegistry(client, "dead", 100*time.Millisecond, logger)
	require.NoError(t, dead.Heartbeat(ctx))
	ok, err := ids.Claim(ctx, "room1", "dead", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dead.AddPeer(ctx, "room1"))

	live := NewInstanceRegistry(client, "live", time.Minute, logger)
	require.NoError(t, live.Heartbeat(ctx))
	require.NoError(t, live.AddPeer(ctx, "room2"))

	count, err := live.PeerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	time.Sleep(200 * time.Millisecond)
	released, err := live.SweepDead(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	owner, err := ids.Owner(ctx, "room1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	instances, err := live.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, instances)
}
