package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-team-auth/storage"
	"github.com/jrsteele09/go-team-auth/storage/memory"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []storage.Change
}

func (r *recorder) record(c storage.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) snapshot() []storage.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Change(nil), r.changes...)
}

func TestHandle_SharedData(t *testing.T) {
	origin := memory.NewOrigin()
	a, b := origin.Handle(), origin.Handle()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Set(context.Background(), "k", []byte("v")))
	v, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, b.Remove(context.Background(), "k"))
	_, err = a.Get(context.Background(), "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandle_NotifiesOtherHandlesInOrder(t *testing.T) {
	origin := memory.NewOrigin()
	a, b := origin.Handle(), origin.Handle()
	defer a.Close()
	defer b.Close()

	var own, other recorder
	a.Watch(own.record)
	b.Watch(other.record)

	require.NoError(t, a.Set(context.Background(), "broadcast", []byte("1")))
	require.NoError(t, a.Remove(context.Background(), "broadcast"))
	require.NoError(t, a.Set(context.Background(), "broadcast", []byte("2")))

	require.Eventually(t, func() bool { return len(other.snapshot()) == 3 }, time.Second, time.Millisecond)
	got := other.snapshot()
	require.Equal(t, []byte("1"), got[0].Value)
	require.True(t, got[1].Removed)
	require.Equal(t, []byte("2"), got[2].Value)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, own.snapshot())
}

func TestHandle_CancelAndClose(t *testing.T) {
	origin := memory.NewOrigin()
	a, b := origin.Handle(), origin.Handle()
	defer a.Close()

	var r recorder
	cancel := b.Watch(r.record)
	cancel()
	require.NoError(t, a.Set(context.Background(), "k", []byte("v")))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, r.snapshot())

	require.NoError(t, b.Close())
	require.NoError(t, a.Set(context.Background(), "k", []byte("w")))
}

func TestJSONHelpers(t *testing.T) {
	origin := memory.NewOrigin()
	h := origin.Handle()
	defer h.Close()

	type record struct {
		Name string `json:"name"`
	}
	var out record
	ok, err := storage.GetJSON(context.Background(), h, "missing", &out)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, storage.SetJSON(context.Background(), h, "rec", record{Name: "Acme"}))
	ok, err = storage.GetJSON(context.Background(), h, "rec", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Acme", out.Name)

	require.NoError(t, h.Set(context.Background(), "rec", []byte("{not json")))
	_, err = storage.GetJSON(context.Background(), h, "rec", &out)
	require.Error(t, err)
}
