package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Dependencies: map[string]HealthChecker{
			"assignment_store": HealthCheckFunc(func(context.Context) error { return nil }),
			"redis":            HealthCheckFunc(func(context.Context) error { return nil }),
		},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"definitions", "assignment_store", "redis"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_nilDefinitionsCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_dependencyDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Dependencies: map[string]HealthChecker{
			"assignment_store": HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
			"redis":            nil,
		},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	store := resp.Checks["assignment_store"]
	if store.Status != "error" || store.Error != "connection refused" {
		t.Errorf("assignment_store = %+v", store)
	}
	if _, ok := resp.Checks["redis"]; ok {
		t.Error("nil checkers should be skipped")
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Dependencies: map[string]HealthChecker{
			"slow": HealthCheckFunc(func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Second):
					return nil
				}
			}),
		},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["slow"].Status != "error" {
		t.Errorf("slow = %+v, want error", resp.Checks["slow"])
	}
}
