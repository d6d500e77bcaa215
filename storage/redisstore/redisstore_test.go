package redisstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/jrsteele09/go-team-auth/storage/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Requires a reachable Redis: REDIS_ADDR=localhost:6379 go test ./storage/redisstore/
func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew_Validation(t *testing.T) {
	_, err := redisstore.New(nil, "origin")
	require.Error(t, err)
	_, err = redisstore.New(redis.NewClient(&redis.Options{}), "")
	require.Error(t, err)
}

func TestStore_SharedDataAndNotifications(t *testing.T) {
	client := newClient(t)
	origin := "test-" + uuid.New().String()

	a, err := redisstore.New(client, origin)
	require.NoError(t, err)
	b, err := redisstore.New(client, origin)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var got []storage.Change
	b.Watch(func(c storage.Change) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})
	var ownCount int
	a.Watch(func(storage.Change) {
		mu.Lock()
		defer mu.Unlock()
		ownCount++
	})
	time.Sleep(50 * time.Millisecond) // let the subscriptions settle

	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k", []byte("v")))
	require.NoError(t, a.Remove(ctx, "k"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []byte("v"), got[0].Value)
	require.True(t, got[1].Removed)
	require.Zero(t, ownCount)
	mu.Unlock()

	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_AnnouncementsCarryNoValue(t *testing.T) {
	client := newClient(t)
	origin := "test-" + uuid.New().String()
	ctx := context.Background()

	sub := client.Subscribe(ctx, "teamauth:"+origin+":changes")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	a, err := redisstore.New(client, origin)
	require.NoError(t, err)
	defer a.Close()
	b, err := redisstore.New(client, origin)
	require.NoError(t, err)
	defer b.Close()

	values := make(chan []byte, 1)
	b.Watch(func(c storage.Change) {
		if c.Key == "credential" && !c.Removed {
			values <- c.Value
		}
	})
	time.Sleep(50 * time.Millisecond) // let the subscription settle

	require.NoError(t, a.Set(ctx, "credential", []byte("refresh-token-value")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Contains(t, msg.Payload, `"credential"`)
	require.NotContains(t, msg.Payload, "refresh-token-value")

	select {
	case v := <-values:
		require.Equal(t, []byte("refresh-token-value"), v)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not receive the change")
	}
}
