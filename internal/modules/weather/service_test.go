package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/types"
)

var bengaluru = types.Point{Lat: 12.9716, Lng: 77.5946}

func owmServer(t *testing.T, main string, status int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "test-key", r.URL.Query().Get("appid"))
		assert.NotEmpty(t, r.URL.Query().Get("lat"))
		assert.NotEmpty(t, r.URL.Query().Get("lon"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"weather":[{"id":500,"main":%q,"description":"x"}],"name":"Test"}`, main)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(url string) config.WeatherConfig {
	cfg := config.DefaultWeather()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	return cfg
}

func TestMultiplier_BadWeather(t *testing.T) {
	srv, hits := owmServer(t, "Rain", http.StatusOK)
	svc := NewService(testConfig(srv.URL), nil, nil)

	m, err := svc.Multiplier(context.Background(), bengaluru)
	require.NoError(t, err)
	assert.Equal(t, 1.2, m)

	// Same rounded cell is served from cache.
	m, err = svc.Multiplier(context.Background(), types.Point{Lat: 12.9714, Lng: 77.5949})
	require.NoError(t, err)
	assert.Equal(t, 1.2, m)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestMultiplier_ClearWeatherIsNeutral(t *testing.T) {
	srv, _ := owmServer(t, "Clear", http.StatusOK)
	svc := NewService(testConfig(srv.URL), nil, nil)

	m, err := svc.Multiplier(context.Background(), bengaluru)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)
}

func TestMultiplier_ProviderFailure(t *testing.T) {
	srv, _ := owmServer(t, "", http.StatusInternalServerError)
	svc := NewService(testConfig(srv.URL), nil, nil)

	m, err := svc.Multiplier(context.Background(), bengaluru)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUpstream))
	assert.Equal(t, 1.0, m)
}

func TestMultiplier_DisabledWithoutKey(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	cfg := config.DefaultWeather()
	cfg.BaseURL = srv.URL
	svc := NewService(cfg, nil, nil)

	m, err := svc.Multiplier(context.Background(), bengaluru)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (float64, bool, error) {
	return 0, false, errors.New("redis down")
}
func (failingCache) Set(context.Context, string, float64, time.Duration) error {
	return errors.New("redis down")
}

func TestMultiplier_SharedCacheFailureFallsThrough(t *testing.T) {
	srv, hits := owmServer(t, "Thunderstorm", http.StatusOK)
	svc := NewService(testConfig(srv.URL), failingCache{}, nil)

	for i := 0; i < 3; i++ {
		m, err := svc.Multiplier(context.Background(), bengaluru)
		require.NoError(t, err)
		assert.Equal(t, 1.3, m)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestMultiplier_SharedCacheHit(t *testing.T) {
	shared := NewMemoryCache()
	require.NoError(t, shared.Set(context.Background(), keyFor(bengaluru), 1.1, time.Minute))

	svc := newService(nil, shared, config.DefaultWeather(), nil)
	svc.source = stubSource{err: errors.New("must not be called")}

	m, err := svc.Multiplier(context.Background(), bengaluru)
	require.NoError(t, err)
	assert.Equal(t, 1.1, m)
}

type stubSource struct {
	cond string
	err  error
}

func (s stubSource) Condition(context.Context, types.Point) (string, error) {
	return s.cond, s.err
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(context.Background(), "k", 1.2, 10*time.Minute))

	now = now.Add(9 * time.Minute)
	v, ok, _ := c.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, 1.2, v)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMemoryCache_SetSweepsExpiredCells(t *testing.T) {
	c := NewMemoryCache()
	c.limit = 3
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("cell-%d", i), 1.1, time.Minute))
	}
	now = now.Add(2 * time.Minute)

	// The pickup cells above are never read again; a new cell still reclaims them.
	require.NoError(t, c.Set(ctx, "cell-new", 1.2, time.Minute))
	assert.Equal(t, 1, c.Len())

	v, ok, _ := c.Get(ctx, "cell-new")
	assert.True(t, ok)
	assert.Equal(t, 1.2, v)
}

func TestMemoryCache_BoundedWhenNothingExpired(t *testing.T) {
	c := NewMemoryCache()
	c.limit = 2
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", 1.1, time.Minute))
	require.NoError(t, c.Set(ctx, "long", 1.2, time.Hour))
	require.NoError(t, c.Set(ctx, "newest", 1.3, 30*time.Minute))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok, "entry closest to expiry is evicted first")
	_, ok, _ = c.Get(ctx, "long")
	assert.True(t, ok)

	// Refreshing an existing key never evicts.
	require.NoError(t, c.Set(ctx, "long", 1.4, time.Hour))
	assert.Equal(t, 2, c.Len())
}

func TestKeyForRoundsToTwoDecimals(t *testing.T) {
	assert.Equal(t, "rideflow:weather:12.97:77.59", keyFor(bengaluru))
	assert.Equal(t, keyFor(bengaluru), keyFor(types.Point{Lat: 12.9749, Lng: 77.5901}))
}

func TestRedisCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("RIDEFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("RIDEFLOW_TEST_REDIS not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	c := NewRedisCache(rdb)
	ctx := context.Background()
	key := fmt.Sprintf("rideflow:weather:test:%d", time.Now().UnixNano())
	defer rdb.Del(ctx, key)

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, 1.25, time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.25, v)
}
