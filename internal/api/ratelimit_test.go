package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("Expected request %d within burst to pass", i+1)
		}
	}

	ok, retryAfter := rl.allow("10.0.0.1")
	if ok {
		t.Error("Expected request beyond burst to be denied")
	}
	if retryAfter <= 0 {
		t.Errorf("Expected a positive retry-after on denial, Got: %v", retryAfter)
	}
}

func TestRateLimiter_BucketsArePerIP(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	if ok, _ := rl.allow("10.0.0.1"); !ok {
		t.Fatal("Expected first request from first IP to pass")
	}
	if ok, _ := rl.allow("10.0.0.1"); ok {
		t.Error("Expected second request from first IP to be denied")
	}
	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Error("Expected a different IP to have its own bucket")
	}
}

func TestRateLimiter_RefillsAfterIdle(t *testing.T) {
	rl := NewRateLimiter(60, 2)

	rl.allow("10.0.0.9")
	rl.allow("10.0.0.9")
	if ok, _ := rl.allow("10.0.0.9"); ok {
		t.Fatal("Expected bucket drained after burst")
	}

	// Wind the clock back a minute; the next call refills to burst.
	rl.mu.Lock()
	rl.buckets["10.0.0.9"].lastSeen = time.Now().Add(-time.Minute)
	rl.mu.Unlock()

	if ok, _ := rl.allow("10.0.0.9"); !ok {
		t.Error("Expected bucket to refill after an idle minute")
	}
}

func TestRateLimiter_MiddlewareAnswers429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(60, 1)

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200 within burst, Got: %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 beyond burst, Got: %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header on 429")
	}
}
