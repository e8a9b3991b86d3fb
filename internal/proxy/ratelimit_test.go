package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/bookshelf/internal/logging"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logging.Discard())
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/books", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"), "port changes share the bucket")

	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000"), "other clients are unaffected")
}

func TestRateLimiterResetsTable(t *testing.T) {
	rl := NewRateLimiter(1, 1, logging.Discard())
	for i := 0; i < maxLimiters; i++ {
		rl.limiter(string(rune(i)))
	}
	assert.Len(t, rl.limiters, maxLimiters)

	rl.limiter("one-more")
	assert.Len(t, rl.limiters, 1)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, logging.Discard())
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, http.StatusTooManyRequests, call())

	stop := make(chan struct{})
	defer close(stop)
	rl.StartCleanup(10*time.Millisecond, stop)

	assert.Eventually(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return len(rl.limiters) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusOK, call(), "dropped bucket starts full")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientIP(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(req))
}
