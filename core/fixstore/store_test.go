package fixstore

import (
	"context"
	"testing"
	"time"

	"github.com/adalundhe/trackcache/core/crypt"
	"github.com/adalundhe/trackcache/core/database"
	"github.com/adalundhe/trackcache/core/rowcache"
	"github.com/adalundhe/trackcache/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, sealed bool) (*Store, *database.Pool) {
	t.Helper()
	mgr := database.NewManager(storage.Rooted(t.TempDir()))
	t.Cleanup(func() { mgr.CloseAll() })

	pool, err := mgr.Open("fixes", database.DefaultPoolConfig())
	require.NoError(t, err)

	var codec rowcache.Codec
	if sealed {
		k, err := crypt.KeyringFromKey(make([]byte, 32))
		require.NoError(t, err)
		c, err := k.Codec("fixes")
		require.NoError(t, err)
		codec = c
	}
	s, err := Open(context.Background(), pool, codec, nil)
	require.NoError(t, err)
	return s, pool
}

func track(n int, t0 int64) []Fix {
	out := make([]Fix, n)
	for i := range out {
		out[i] = Fix{Lon: 13.4 + float64(i)*1e-4, Lat: 52.5, Alt: 34, TimeMs: t0 + int64(i)*1000}
	}
	return out
}

func TestAppendAndReadAfter(t *testing.T) {
	s, _ := openTestStore(t, true)
	ctx := context.Background()

	ids, err := s.Append(ctx, track(10, 1_700_000_000_000))
	require.NoError(t, err)
	require.Len(t, ids, 10)
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(10), ids[9])

	page, err := s.ReadAfter(ctx, 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, int64(1), page[0].ID)
	assert.InDelta(t, 13.4, page[0].Lon, 1e-12)
	assert.Equal(t, int64(1_700_000_000_000), page[0].TimeMs)
	assert.Equal(t, int64(1_700_000_000), page[0].Seconds())

	page, err = s.ReadAfter(ctx, 8, 100)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(9), page[0].ID)

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), last)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	f, ok, err := s.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, page[0].Lat, f.Lat)

	_, ok, err = s.Get(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendRejectsGoingBackInTime(t *testing.T) {
	s, _ := openTestStore(t, false)
	ctx := context.Background()

	_, err := s.Append(ctx, track(3, 10_000))
	require.NoError(t, err)

	_, err = s.Append(ctx, []Fix{{Lon: 1, Lat: 1, TimeMs: 11_000}, {Lon: 1, Lat: 1, TimeMs: 5_000}})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// The whole batch was rolled back.
	last, err := s.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestAppendValidates(t *testing.T) {
	s, _ := openTestStore(t, false)
	_, err := s.Append(context.Background(), []Fix{{Lon: 200, Lat: 0, TimeMs: 1}})
	assert.ErrorIs(t, err, ErrInvalidFix)
}

func TestSealedPayloadBoundToID(t *testing.T) {
	s, pool := openTestStore(t, true)
	ctx := context.Background()
	_, err := s.Append(ctx, track(2, 0))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE fixes SET payload = (SELECT payload FROM fixes WHERE id = 1) WHERE id = 2`)
	require.NoError(t, err)

	_, err = s.ReadAfter(ctx, 0, 10)
	assert.ErrorIs(t, err, rowcache.ErrOpen)
}

func TestWatchNotifiesOnAppend(t *testing.T) {
	s, _ := openTestStore(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := s.Watch(ctx, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = s.Append(context.Background(), track(5, 0))
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after append")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
