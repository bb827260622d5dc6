package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func ok(detail string) Checker {
	return func(context.Context) (string, error) { return detail, nil }
}

func failing(msg string) Checker {
	return func(context.Context) (string, error) { return "", errors.New(msg) }
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("backend", ok(""))
	r.Register("session_store", ok("memory"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "backend" || statuses[1].Name != "session_store" {
		t.Fatalf("statuses out of registration order: %+v", statuses)
	}
	if statuses[1].Detail != "memory" {
		t.Fatalf("detail = %q, want memory", statuses[1].Detail)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("backend", ok(""))
	r.Register("session_store", failing("connection refused"))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Fatalf("unexpected status: %+v", statuses[1])
	}
}

func TestRegistryOptionalDoesNotGate(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("backend", ok(""))
	r.RegisterOptional("graph", failing("neo4j unreachable"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("optional failure should not fail the aggregate")
	}
	if statuses[1].Healthy || !statuses[1].Optional {
		t.Fatalf("unexpected optional status: %+v", statuses[1])
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	r.Register("slow", func(ctx context.Context) (string, error) {
		<-release
		return "", nil
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("CheckAll should not wait for a hung checker")
	}
	if healthy {
		t.Fatal("timed out check should be unhealthy")
	}
	if statuses[0].Detail != "check timed out" {
		t.Fatalf("detail = %q", statuses[0].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", ok(""))
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		check      Checker
		wantCode   int
		wantStatus string
	}{
		{"healthy", ok(""), http.StatusOK, "healthy"},
		{"unhealthy", failing("down"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(time.Second)
			r.Register("backend", tt.check)

			router := gin.New()
			router.GET("/health", r.Handler())
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var body struct {
				Status     string   `json:"status"`
				Subsystems []Status `json:"subsystems"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus || len(body.Subsystems) != 1 {
				t.Fatalf("unexpected body: %+v", body)
			}
		})
	}
}
