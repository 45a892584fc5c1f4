package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rillcast/pkg/config"

	"github.com/gin-gonic/gin"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected status 200 on second request, got %d", w2.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// First request should pass.
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
}



func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected fallback to remote addr, got %q", got)
	}
}

func TestConnectionLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1

	limiter := NewConnectionLimiter(cfg)
	req, _ := http.NewRequest(http.MethodGet, "/ws/rooms/r1", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	release, err := limiter.Acquire(req)
	if err != nil {
		t.Fatalf("expected first connection to be admitted, got %v", err)
	}
	if _, err := limiter.Acquire(req); err == nil || err.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("expected concurrency rejection, got %v", err)
	}

	release()
	release()
	if _, err := limiter.Acquire(req); err != nil {
		t.Fatalf("expected connection after release, got %v", err)
	}
	if _, err := limiter.Acquire(req); err == nil || err.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("expected per-minute rejection, got %v", err)
	}
}

func TestConnectionLimiter_DisabledAdmitsAll(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	limiter := NewConnectionLimiter(cfg)
	req, _ := http.NewRequest(http.MethodGet, "/ws/rooms/r1", nil)
	for i := 0; i < 10; i++ {
		if _, err := limiter.Acquire(req); err != nil {
			t.Fatalf("expected admission with limiting disabled, got %v", err)
		}
	}
}
