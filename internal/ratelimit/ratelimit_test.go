package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/testutils"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	tb := newTokenBucket(3, 2, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "burst request %d", i)
	}
	assert.False(t, tb.Allow(), "bucket is empty")

	clock.Advance(250 * time.Millisecond)
	assert.False(t, tb.Allow(), "half a token is not enough")

	clock.Advance(250 * time.Millisecond)
	assert.True(t, tb.Allow(), "one token after 500ms at 2/s")

	clock.Advance(time.Hour)
	assert.Equal(t, 3, tb.Tokens(), "refill is capped at capacity")
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb := NewTokenBucket(100, 0.001)

	var allowed atomic.Int32
	testutils.RunConcurrently(50, func(int) {
		for i := 0; i < 10; i++ {
			if tb.Allow() {
				allowed.Add(1)
			}
		}
	})

	assert.Equal(t, int32(100), allowed.Load())
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		limiter    LimiterFunc
		wantStatus int
	}{
		{
			name:       "allowed",
			limiter:    func(context.Context, string) (bool, error) { return true, nil },
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected",
			limiter:    func(context.Context, string) (bool, error) { return false, nil },
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "limiter error fails open",
			limiter:    func(context.Context, string) (bool, error) { return false, errors.New("redis down") },
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(Config{Limiter: tt.limiter, Logger: logger.Discard()})(ok)
			rec := testutils.MakeHTTPRequest(t, h, http.MethodGet, "/v1/turn", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestClientIP_IgnoresForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	assert.Equal(t, "198.51.100.9", ClientIP(req))
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		want      string
	}{
		{name: "direct client", remote: "198.51.100.9:5555", want: "198.51.100.9"},
		{
			name:      "untrusted peer cannot set the header",
			remote:    "198.51.100.9:5555",
			forwarded: []string{"203.0.113.7"},
			want:      "198.51.100.9",
		},
		{
			name:      "trusted proxy",
			remote:    "10.0.0.1:5555",
			forwarded: []string{"203.0.113.7"},
			want:      "203.0.113.7",
		},
		{
			name:      "spoofed leftmost hop is skipped",
			remote:    "10.0.0.1:5555",
			forwarded: []string{"1.2.3.4, 203.0.113.7, 192.0.2.1"},
			want:      "203.0.113.7",
		},
		{
			name:      "multiple header lines",
			remote:    "10.0.0.1:5555",
			forwarded: []string{"1.2.3.4", "203.0.113.7, 10.1.1.1"},
			want:      "203.0.113.7",
		},
		{
			name:      "all hops trusted",
			remote:    "10.0.0.1:5555",
			forwarded: []string{"10.2.2.2, 10.3.3.3"},
			want:      "10.2.2.2",
		},
		{name: "trusted proxy without header", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "ipv4-mapped peer", remote: "[::ffff:10.0.0.1]:5555", forwarded: []string{"203.0.113.7"}, want: "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, proxies.ClientIP(req))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)

	proxies, err := ParseTrustedProxies([]string{" ", ""})
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

func TestMiddleware_KeysOnPeerByDefault(t *testing.T) {
	var keys []string
	limiter := func(_ context.Context, key string) (bool, error) {
		keys = append(keys, key)
		return true, nil
	}
	h := Middleware(Config{Limiter: limiter, Logger: logger.Discard()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, fwd := range []string{"1.1.1.1", "2.2.2.2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/turn", nil)
		req.RemoteAddr = "198.51.100.9:5555"
		req.Header.Set("X-Forwarded-For", fwd)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, []string{"198.51.100.9", "198.51.100.9"}, keys, "rotating the header must not change the bucket")
}

func TestDistributedTokenBucket(t *testing.T) {
	client := testutils.SetupRedis(t)
	ctx := context.Background()

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := NewDistributedTokenBucket(client, 2, 1, "ratelimit:test")
	d.now = clock.Now

	for i := 0; i < 2; i++ {
		allowed, err := d.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := d.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = d.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, allowed, "keys are independent")

	clock.Advance(time.Second)
	allowed, err = d.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after one second")

	ttl := client.PTTL(ctx, "ratelimit:test:1.2.3.4").Val()
	assert.Greater(t, ttl, time.Duration(0))
}
