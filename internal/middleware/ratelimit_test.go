package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldenpath/registry/internal/config"
	"github.com/goldenpath/registry/internal/telemetry"
)

// newTestLimiter returns a memory limiter driven by a manual clock.
func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(func() { _ = rl.Close() })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	d, _ := rl.Allow(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = rl.Allow(ctx, "k")
	require.False(t, d.Allowed)

	*now = now.Add(time.Second)
	d, _ = rl.Allow(ctx, "k")
	assert.True(t, d.Allowed, "one token per second at 60 rpm")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	d, _ := rl.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = rl.Allow(ctx, "b")
	assert.True(t, d.Allowed)
	d, _ = rl.Allow(ctx, "a")
	assert.False(t, d.Allowed)
}

func TestRateLimiter_CloseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	assert.NoError(t, rl.Close())
	assert.NoError(t, rl.Close())
}

func newRedisLimiter(t *testing.T, rpm, burst int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRedisLimiter(client, RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(func() { _ = rl.Close() })
	return rl, mr
}

func TestRedisLimiter_SharedBucket(t *testing.T) {
	rl, mr := newRedisLimiter(t, 60, 2)
	ctx := context.Background()

	for i := range 2 {
		d, err := rl.Allow(ctx, "account:sub-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := rl.Allow(ctx, "account:sub-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.True(t, mr.Exists("ratelimit:account:sub-1"))

	// a second replica sees the same bucket
	other := NewRedisLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2})
	defer other.Close()
	d, err = other.Allow(ctx, "account:sub-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	rl, mr := newRedisLimiter(t, 60, 5)
	mr.Close()

	before := testutil.ToFloat64(telemetry.RateLimitFallbackTotal)
	d, err := rl.Allow(context.Background(), "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.RateLimitFallbackTotal)-before)
}

func TestNewLimiterFromConfig(t *testing.T) {
	l, err := NewLimiterFromConfig(config.RateLimitingConfig{Backend: "memory", RequestsPerMinute: 10, Burst: 2})
	require.NoError(t, err)
	assert.IsType(t, &RateLimiter{}, l)
	_ = l.Close()

	mr := miniredis.RunT(t)
	l, err = NewLimiterFromConfig(config.RateLimitingConfig{Backend: "redis", RequestsPerMinute: 10, Burst: 2, Redis: config.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisLimiter{}, l)
	_ = l.Close()

	_, err = NewLimiterFromConfig(config.RateLimitingConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("192.0.2.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	before := testutil.ToFloat64(telemetry.RateLimitRejectionsTotal)
	w = do("192.0.2.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.RateLimitRejectionsTotal)-before)

	assert.Equal(t, http.StatusOK, do("192.0.2.2").Code)
}

func TestGetRateLimitKey(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "ip:198.51.100.7", getRateLimitKey(c))

	c.Set(ContextKeyAccountID, "sub-1")
	assert.Equal(t, "account:sub-1", getRateLimitKey(c))
}
