package offline0

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func textResponse(body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return newResponse(http.StatusOK, h, []byte(body), "")
}

func TestCacheStorageOpenPutMatch(t *testing.T) {
	s := newTestStorage(t)

	c, err := s.Open("v1")
	require.NoError(t, err)
	assert.True(t, s.Has("v1"))

	require.NoError(t, c.Put("https://blog.example.com/a", textResponse("alpha")))

	got, ok, err := c.Match("https://blog.example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, []byte("alpha"), got.Body)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

	_, ok, err = c.Match("https://blog.example.com/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheStorageOpenIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	c, err := s.Open("v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("k", textResponse("x")))

	_, err = s.Open("v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, s.Keys())
	assert.Equal(t, []string{"k"}, s.Cache("v1").Keys())
}

func TestCacheStorageRejectsInvalidNames(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Open("")
	assert.ErrorIs(t, err, ErrInvalidCacheName)
	_, err = s.Open("bad\x00name")
	assert.ErrorIs(t, err, ErrInvalidCacheName)
}

func TestCacheStorageKeysInCreationOrder(t *testing.T) {
	s := newTestStorage(t)
	for _, name := range []string{"v3", "v1", "v2"} {
		_, err := s.Open(name)
		require.NoError(t, err)
		// creation timestamps are nanoseconds; keep them distinct
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, []string{"v3", "v1", "v2"}, s.Keys())
}

func TestCacheStorageDelete(t *testing.T) {
	s := newTestStorage(t)
	old, err := s.Open("v1")
	require.NoError(t, err)
	require.NoError(t, old.Put("a", textResponse("a")))
	require.NoError(t, old.Put("b", textResponse("b")))
	cur, err := s.Open("v2")
	require.NoError(t, err)
	require.NoError(t, cur.Put("a", textResponse("a2")))

	ok, err := s.Delete("v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.Has("v1"))
	assert.Equal(t, []string{"v2"}, s.Keys())

	_, found, err := old.Match("a")
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := cur.Match("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("a2"), got.Body)

	ok, err = s.Delete("v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachePutToDeletedGenerationFails(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)
	_, err = s.Delete("v1")
	require.NoError(t, err)

	err = c.Put("a", textResponse("a"))
	assert.ErrorIs(t, err, ErrCacheNotFound)
	assert.False(t, s.Has("v1"))
}

func TestCachePutAsyncToPurgedGenerationIsDropped(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)
	_, err = s.Delete("v1")
	require.NoError(t, err)

	assert.True(t, c.PutAsync("late", textResponse("late")))
	syncStorage(t, s)

	assert.False(t, s.Has("v1"))
	assert.Empty(t, s.Keys())
	_, found, err := c.Match("late")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(1), s.WriteStats().Dropped)
}

func TestCachePutAsyncSkipsUnchanged(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)

	c.PutAsync("a", textResponse("same"))
	c.PutAsync("a", textResponse("same"))
	c.PutAsync("a", textResponse("changed"))
	syncStorage(t, s)

	st := s.WriteStats()
	assert.Equal(t, uint64(2), st.Written)
	assert.Equal(t, uint64(1), st.Unchanged)

	got, ok, err := c.Match("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("changed"), got.Body)
}

func TestCachePutStoresSnapshot(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)

	resp := textResponse("original")
	require.True(t, c.PutAsync("a", resp))
	resp.Body[0] = 'X'
	syncStorage(t, s)

	got, ok, err := c.Match("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got.Body)
}

func TestCacheDeleteEntry(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("a", textResponse("a")))

	ok, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.Keys())
	assert.Equal(t, []Usage{{Name: "v1"}}, s.Usage())
}

func TestCacheStorageUsage(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Open("v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("a", textResponse("a")))
	require.NoError(t, c.Put("b", textResponse("bb")))
	require.NoError(t, c.Put("b", textResponse("bbb")))

	u := s.Usage()
	require.Len(t, u, 1)
	assert.Equal(t, "v1", u[0].Name)
	assert.Equal(t, 2, u[0].Entries)
	assert.Positive(t, int64(u[0].Bytes))
}

func TestCacheStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")

	s, err := OpenCacheStorage(path, StorageOptions{BlockCache: 1 * mib}, zap.NewNop())
	require.NoError(t, err)
	c, err := s.Open("v1")
	require.NoError(t, err)
	require.NoError(t, c.Put("https://blog.example.com/", textResponse("home")))
	_, err = s.Open("v2")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenCacheStorage(path, StorageOptions{}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"v1", "v2"}, s.Keys())
	got, ok, err := s.Cache("v1").Match("https://blog.example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("home"), got.Body)
	assert.Equal(t, 1, s.Usage()[0].Entries)
}

func TestCacheStorageCloseDrainsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := NewMemCacheStorage(StorageOptions{QueueSize: 4}, zap.NewNop())
	require.NoError(t, err)
	c, err := s.Open("v1")
	require.NoError(t, err)
	c.PutAsync("a", textResponse("a"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, c.PutAsync("b", textResponse("b")))
	assert.Error(t, s.Sync(context.Background()))
}

func TestCacheStorageSyncHonoursContext(t *testing.T) {
	s := newTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The barrier may or may not be queued before the cancelled context is
	// noticed; either way Sync must not block.
	_ = s.Sync(ctx)
}
