package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/testutils"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

type item struct {
	Name string `json:"name"`
}

func countingLoader(calls *atomic.Int32, ttl time.Duration) Loader[[]item] {
	return func(ctx context.Context) ([]item, time.Duration, error) {
		calls.Add(1)
		return []item{{Name: "animals"}}, ttl, nil
	}
}

func TestAside_MissThenHit(t *testing.T) {
	ctx := context.Background()
	aside := NewAside(NewMemory(16), logger.Discard())

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		got, err := GetJSON(ctx, aside, "quizmaps", countingLoader(&calls, 0))
		require.NoError(t, err)
		assert.Equal(t, []item{{Name: "animals"}}, got)
	}
	assert.EqualValues(t, 1, calls.Load())

	require.NoError(t, aside.Invalidate(ctx, "quizmaps"))
	_, err := GetJSON(ctx, aside, "quizmaps", countingLoader(&calls, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAside_NegativeTTLSkipsCache(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(16)
	aside := NewAside(backend, logger.Discard())

	var calls atomic.Int32
	for i := 0; i < 2; i++ {
		_, err := GetJSON(ctx, aside, "turn", countingLoader(&calls, -1))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, backend.Len())
}

func TestAside_LoaderErrorNotCached(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(16)
	aside := NewAside(backend, logger.Discard())
	boom := errors.New("upstream down")

	_, err := GetJSON(ctx, aside, "turn", func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, backend.Len())
}

func TestAside_ConcurrentMissesLoadOnce(t *testing.T) {
	ctx := context.Background()
	aside := NewAside(NewMemory(16), logger.Discard())

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "value", time.Minute, nil
	}

	go func() {
		// 讓所有 goroutine 都進入 singleflight 後再放行
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	results := make([]string, 10)
	testutils.RunConcurrently(len(results), func(i int) {
		v, err := GetJSON(ctx, aside, "hot", load)
		if err == nil {
			results[i] = v
		}
	})

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "value", v)
	}
}

// failingBackend 所有操作都失敗
type failingBackend struct{}

var errBackend = errors.New("backend down")

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errBackend }
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errBackend
}
func (failingBackend) Delete(context.Context, string) error { return errBackend }

func TestAside_BackendFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	aside := NewAside(failingBackend{}, logger.Discard())

	var calls atomic.Int32
	got, err := GetJSON(ctx, aside, "quizmaps", countingLoader(&calls, 0))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.ErrorIs(t, aside.Invalidate(ctx, "quizmaps"), errBackend)
}

func TestMemory_ExpiryAndEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(2)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	// a 最近被使用，c 進來時淘汰 b
	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok, "expired")

	v, ok, _ := m.Get(ctx, "c")
	assert.True(t, ok, "no ttl never expires")
	assert.Equal(t, []byte("3"), v)
}

func TestRedis_Backend(t *testing.T) {
	client := testutils.SetupRedis(t)
	ctx := context.Background()
	r := NewRedis(client, "")

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "turn", []byte(`[1]`), time.Minute))
	v, ok, err := r.Get(ctx, "turn")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`[1]`), v)

	ttl, err := client.TTL(ctx, DefaultKeyPrefix+"turn").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, r.Delete(ctx, "turn"))
	_, ok, err = r.Get(ctx, "turn")
	require.NoError(t, err)
	assert.False(t, ok)
}
