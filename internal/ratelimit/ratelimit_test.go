package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

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
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request after burst should be denied")
	}

	clock.Advance(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("request after one refill interval should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("only one token should have refilled")
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)

	l.Allow("k")
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("bucket should not exceed burst size")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)

	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("client a should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("client b should have its own bucket")
	}
}

func TestLimiterSweep(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	l.Allow("old")
	clock.Advance(10 * time.Second)
	l.Allow("fresh")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	l.sweep()
	if l.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", l.Len())
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	def := DefaultConfig()
	if l.cfg != def {
		t.Fatalf("cfg = %+v, want %+v", l.cfg, def)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 2)

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/api/evaluate", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/evaluate", nil)
		req.RemoteAddr = "192.0.2.7:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("429 response should carry Retry-After")
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}
