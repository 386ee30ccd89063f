package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/common"
	"github.com/noah-isme/toko-adyen/internal/ratelimit"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/orders/1/payments", nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMemoryLimiterBlocksAfterLimit(t *testing.T) {
	l, err := ratelimit.NewMemoryLimiter("2-M")
	require.NoError(t, err)
	h := ratelimit.Handler{Limiter: l}.Middleware(ok())

	require.Equal(t, http.StatusOK, hit(h, "198.51.100.1:1000").Code)
	rr := hit(h, "198.51.100.1:1000")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = hit(h, "198.51.100.1:1000")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	// other callers keep their own budget
	require.Equal(t, http.StatusOK, hit(h, "198.51.100.2:1000").Code)
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := ratelimit.NewRedisLimiter(client, "test:rl", "1-H")
	require.NoError(t, err)
	h := ratelimit.Handler{Limiter: l}.Middleware(ok())

	require.Equal(t, http.StatusOK, hit(h, "203.0.113.5:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "203.0.113.5:1").Code)
}

func TestInvalidRate(t *testing.T) {
	_, err := ratelimit.NewMemoryLimiter("lots")
	require.Error(t, err)
}

func TestKeyByUserOrIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:80"
	require.Equal(t, "ip:192.0.2.1", ratelimit.KeyByUserOrIP(req))

	req = req.WithContext(common.WithUserID(req.Context(), "u-1"))
	require.Equal(t, "user:u-1", ratelimit.KeyByUserOrIP(req))
}
