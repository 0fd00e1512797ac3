package store_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/testutils"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// factory 每個子測試建立一個乾淨的儲存
type factory func(t *testing.T, opts store.Options) store.Store

func TestMemoryStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T, opts store.Options) store.Store {
		return store.NewMemory(opts)
	})
}

func TestRedisStore_Contract(t *testing.T) {
	client := testutils.SetupRedis(t)
	runContract(t, func(t *testing.T, opts store.Options) store.Store {
		testutils.FlushRedis(t, client)
		return store.NewRedis(client, opts)
	})
}

func runContract(t *testing.T, newStore factory) {
	ctx := context.Background()
	opts := store.Options{TTL: time.Hour}

	t.Run("create then lookup", func(t *testing.T) {
		s := newStore(t, opts)

		created, err := s.Create(ctx, "0a1b2c3d", 4, "host")
		require.NoError(t, err)
		assert.Equal(t, []string{"host"}, created.Members)

		room, err := s.Lookup(ctx, "0a1b2c3d")
		require.NoError(t, err)
		assert.Equal(t, created, room)
	})

	t.Run("lookup unknown room", func(t *testing.T) {
		s := newStore(t, opts)

		_, err := s.Lookup(ctx, "deadbeef")
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)

		_, err = s.Lookup(ctx, "*")
		assert.True(t, apperrors.IsNotFound(err), "glob characters must not match other rooms")
	})

	t.Run("lookup does not match longer ids", func(t *testing.T) {
		s := newStore(t, opts)
		_, err := s.Create(ctx, "0a1b2c3d", 4, "host")
		require.NoError(t, err)

		_, err = s.Lookup(ctx, "0a1b")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("add member up to capacity", func(t *testing.T) {
		s := newStore(t, opts)
		room, err := s.Create(ctx, "r1", 3, "host")
		require.NoError(t, err)

		room, err = s.AddMember(ctx, room, "b")
		require.NoError(t, err)
		room, err = s.AddMember(ctx, room, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "host"}, room.Members, "members are sorted")

		_, err = s.AddMember(ctx, room, "c")
		assert.True(t, apperrors.IsCapacityExceeded(err), "got %v", err)

		// 已是成員：不受上限影響
		again, err := s.AddMember(ctx, room, "a")
		require.NoError(t, err)
		assert.Equal(t, room.Members, again.Members)
	})

	t.Run("concurrent joins never exceed capacity", func(t *testing.T) {
		s := newStore(t, opts)
		room, err := s.Create(ctx, "race", 4, "host")
		require.NoError(t, err)

		var ok, full atomic.Int32
		testutils.RunConcurrently(20, func(i int) {
			_, err := s.AddMember(ctx, room, fmt.Sprintf("p%02d", i))
			switch {
			case err == nil:
				ok.Add(1)
			case apperrors.IsCapacityExceeded(err):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})

		assert.Equal(t, int32(3), ok.Load())
		assert.Equal(t, int32(17), full.Load())

		members, err := s.Members(ctx, room)
		require.NoError(t, err)
		assert.Len(t, members, 4)
	})

	t.Run("remove non-host member", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r2", 4, "host")
		room, _ = s.AddMember(ctx, room, "b")

		next, err := s.RemoveMember(ctx, room, "b")
		require.NoError(t, err)
		assert.Equal(t, "host", next.HostID)
		assert.Equal(t, []string{"host"}, next.Members)
		assert.Equal(t, room.Key(), next.Key())
	})

	t.Run("host leaving transfers to smallest member", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r3", 4, "m-host")
		room, _ = s.AddMember(ctx, room, "z")
		room, _ = s.AddMember(ctx, room, "c")

		next, err := s.RemoveMember(ctx, room, "m-host")
		require.NoError(t, err)
		assert.Equal(t, "c", next.HostID)
		assert.Equal(t, []string{"c", "z"}, next.Members)

		looked, err := s.Lookup(ctx, "r3")
		require.NoError(t, err)
		assert.Equal(t, next, looked)

		_, err = s.Members(ctx, room)
		assert.True(t, apperrors.IsNotFound(err), "old key is gone after host transfer")
	})

	t.Run("last member leaving deletes room", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r4", 4, "host")

		next, err := s.RemoveMember(ctx, room, "host")
		require.NoError(t, err)
		assert.True(t, next.Empty())

		_, err = s.Lookup(ctx, "r4")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("remove from missing room", func(t *testing.T) {
		s := newStore(t, opts)
		_, err := s.RemoveMember(ctx, store.Room{ID: "gone", MaxPlayers: 2, HostID: "x"}, "x")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("rename capacity", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r5", 4, "host")
		room, _ = s.AddMember(ctx, room, "a")
		room, _ = s.AddMember(ctx, room, "b")

		_, err := s.RenameCapacity(ctx, room, 2)
		assert.True(t, apperrors.IsCapacityExceeded(err), "got %v", err)

		next, err := s.RenameCapacity(ctx, room, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, next.MaxPlayers)
		assert.Equal(t, room.Members, next.Members)

		_, err = s.AddMember(ctx, room, "c")
		assert.True(t, apperrors.IsNotFound(err), "stale key must not be usable")

		same, err := s.RenameCapacity(ctx, next, 3)
		require.NoError(t, err)
		assert.Equal(t, next, same)
	})

	t.Run("rename host", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r6", 4, "host")
		room, _ = s.AddMember(ctx, room, "a")

		_, err := s.RenameHost(ctx, room, "stranger")
		assert.True(t, apperrors.IsNotFound(err))

		next, err := s.RenameHost(ctx, room, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", next.HostID)
		assert.Equal(t, []string{"a", "host"}, next.Members)

		looked, err := s.Lookup(ctx, "r6")
		require.NoError(t, err)
		assert.Equal(t, "a", looked.HostID)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t, opts)
		room, _ := s.Create(ctx, "r7", 4, "host")

		require.NoError(t, s.Delete(ctx, room))
		_, err := s.Lookup(ctx, "r7")
		assert.True(t, apperrors.IsNotFound(err))

		assert.NoError(t, s.Delete(ctx, room), "deleting twice is not an error")
	})

	t.Run("create validates arguments", func(t *testing.T) {
		s := newStore(t, opts)
		_, err := s.Create(ctx, "r8", 0, "host")
		assert.True(t, apperrors.IsMalformed(err))
		_, err = s.Create(ctx, "r|8", 2, "host")
		assert.True(t, apperrors.IsMalformed(err))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, opts)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	join := func(s *store.Memory, room store.Room) error {
		_, err := s.AddMember(ctx, room, "a")
		return err
	}
	resize := func(s *store.Memory, room store.Room) error {
		_, err := s.RenameCapacity(ctx, room, 6)
		return err
	}

	tests := []struct {
		name      string
		refresh   bool
		activity  func(s *store.Memory, room store.Room) error
		wantAlive bool
	}{
		{name: "fixed expiry ignores activity", refresh: false, activity: join, wantAlive: false},
		{name: "idle expiry refreshed by membership change", refresh: true, activity: join, wantAlive: true},
		{name: "idle expiry not refreshed by rename", refresh: true, activity: resize, wantAlive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := base
			s := store.NewMemory(store.Options{TTL: time.Hour, RefreshOnWrite: tt.refresh})
			s.SetClock(func() time.Time { return now })

			room, err := s.Create(ctx, "r1", 4, "host")
			require.NoError(t, err)

			now = base.Add(50 * time.Minute)
			require.NoError(t, tt.activity(s, room))

			now = base.Add(70 * time.Minute)
			_, err = s.Lookup(ctx, "r1")
			if tt.wantAlive {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.IsNotFound(err))
			}
		})
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	client := testutils.SetupRedis(t)
	ctx := context.Background()

	t.Run("create sets ttl and rename keeps it", func(t *testing.T) {
		testutils.FlushRedis(t, client)
		s := store.NewRedis(client, store.Options{TTL: time.Hour})

		room, err := s.Create(ctx, "r1", 4, "host")
		require.NoError(t, err)
		ttl := client.PTTL(ctx, room.Key()).Val()
		assert.Greater(t, ttl, 59*time.Minute)

		room, _ = s.AddMember(ctx, room, "a")
		next, err := s.RenameHost(ctx, room, "a")
		require.NoError(t, err)
		assert.Greater(t, client.PTTL(ctx, next.Key()).Val(), 59*time.Minute)
	})

	tests := []struct {
		name    string
		refresh bool
		check   func(t *testing.T, ttl time.Duration)
	}{
		{
			name: "fixed mode does not refresh",
			check: func(t *testing.T, ttl time.Duration) {
				assert.LessOrEqual(t, ttl, 10*time.Second)
			},
		},
		{
			name:    "idle mode refreshes on join",
			refresh: true,
			check: func(t *testing.T, ttl time.Duration) {
				assert.Greater(t, ttl, 59*time.Minute)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutils.FlushRedis(t, client)
			s := store.NewRedis(client, store.Options{TTL: time.Hour, RefreshOnWrite: tt.refresh})

			room, err := s.Create(ctx, "r2", 4, "host")
			require.NoError(t, err)
			require.NoError(t, client.PExpire(ctx, room.Key(), 10*time.Second).Err())

			room, err = s.AddMember(ctx, room, "a")
			require.NoError(t, err)
			tt.check(t, client.PTTL(ctx, room.Key()).Val())
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := store.NewRedis(client, store.Options{})
	ctx := context.Background()

	_, err := s.Lookup(ctx, "0a1b2c3d")
	assert.True(t, apperrors.IsStoreUnavailable(err), "got %v", err)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.False(t, apperrors.IsNotFound(err))

	_, err = s.Create(ctx, "0a1b2c3d", 4, "host")
	assert.True(t, apperrors.IsStoreUnavailable(err))

	room := store.Room{ID: "0a1b2c3d", MaxPlayers: 4, HostID: "host"}
	_, err = s.AddMember(ctx, room, "a")
	assert.True(t, apperrors.IsStoreUnavailable(err))

	assert.True(t, apperrors.IsStoreUnavailable(s.Ping(ctx)))
}

// blockingStore 的 Lookup 會等到 context 結束
type blockingStore struct {
	store.Store
}

func (blockingStore) Lookup(ctx context.Context, roomID string) (store.Room, error) {
	<-ctx.Done()
	return store.Room{}, apperrors.ErrStoreUnavailable.WithCause(ctx.Err())
}

func TestWithTimeout(t *testing.T) {
	t.Run("zero timeout returns the store unchanged", func(t *testing.T) {
		mem := store.NewMemory(store.Options{})
		assert.Same(t, mem, store.WithTimeout(mem, 0))
	})

	t.Run("operations pass through", func(t *testing.T) {
		s := store.WithTimeout(store.NewMemory(store.Options{}), time.Second)
		ctx := context.Background()

		_, err := s.Create(ctx, "0a1b2c3d", 4, "host")
		require.NoError(t, err)
		room, err := s.Lookup(ctx, "0a1b2c3d")
		require.NoError(t, err)
		assert.Equal(t, []string{"host"}, room.Members)
	})

	t.Run("slow call is cut off", func(t *testing.T) {
		s := store.WithTimeout(blockingStore{}, 20*time.Millisecond)

		start := time.Now()
		_, err := s.Lookup(context.Background(), "0a1b2c3d")

		assert.True(t, apperrors.IsStoreUnavailable(err), "got %v", err)
		assert.Less(t, time.Since(start), time.Second)
	})
}
