package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optfleet/hive-gateway/internal/config"
)

func testCfg(url string, static map[string][]string) func() config.CapabilityConfig {
	return func() config.CapabilityConfig {
		return config.CapabilityConfig{
			DiscoveryURL:    url,
			RefreshInterval: time.Minute,
			RequestTimeout:  time.Second,
			Static:          static,
		}
	}
}

func TestClient_RefreshPopulatesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"capabilities":[
			{"name":"solve-lp","endpoints":["ep-a","ep-b"]},
			{"name":"classify","endpoints":["ep-b"]}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(testCfg(srv.URL, nil))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	eps, degraded := c.Resolve("solve-lp")
	if degraded {
		t.Error("expected catalog not degraded after successful refresh")
	}
	if len(eps) != 2 || eps[0] != "ep-a" {
		t.Errorf("unexpected endpoints for solve-lp: %v", eps)
	}

	names := c.Discover()
	if len(names) != 2 || names[0] != "classify" || names[1] != "solve-lp" {
		t.Errorf("unexpected capability names: %v", names)
	}
}

func TestClient_FailedRefreshKeepsCachedCatalog(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"capabilities":[{"name":"solve-lp","endpoints":["ep-a"]}]}`))
	}))
	defer srv.Close()

	c := NewClient(testCfg(srv.URL, nil))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}

	fail.Store(true)
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	eps, degraded := c.Resolve("solve-lp")
	if !degraded {
		t.Error("expected degraded flag after failed refresh")
	}
	if len(eps) != 1 || eps[0] != "ep-a" {
		t.Errorf("expected cached catalog to survive, got %v", eps)
	}

	// Recovery clears the flag.
	fail.Store(false)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh failed: %v", err)
	}
	if c.Degraded() {
		t.Error("expected degraded flag cleared after recovery")
	}
}

func TestClient_StaticSeed(t *testing.T) {
	c := NewClient(testCfg("", map[string][]string{
		"solve-lp": {"ep-static"},
	}))

	// No discovery source configured: Refresh is a no-op, static works.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	eps, _ := c.Resolve("solve-lp")
	if len(eps) != 1 || eps[0] != "ep-static" {
		t.Errorf("expected static seed to resolve, got %v", eps)
	}
}

func TestClient_StaticMergedUnderDiscovered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"capabilities":[{"name":"solve-lp","endpoints":["ep-remote"]}]}`))
	}))
	defer srv.Close()

	c := NewClient(testCfg(srv.URL, map[string][]string{
		"solve-lp": {"ep-static"}, // shadowed by discovery
		"classify": {"ep-static"}, // only statically known
	}))
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	eps, _ := c.Resolve("solve-lp")
	if len(eps) != 1 || eps[0] != "ep-remote" {
		t.Errorf("expected discovered entry to win, got %v", eps)
	}
	eps, _ = c.Resolve("classify")
	if len(eps) != 1 || eps[0] != "ep-static" {
		t.Errorf("expected static-only entry preserved, got %v", eps)
	}
}

func TestClient_ResolveUnknownCapability(t *testing.T) {
	c := NewClient(testCfg("", nil))
	eps, _ := c.Resolve("no-such-capability")
	if len(eps) != 0 {
		t.Errorf("expected no endpoints, got %v", eps)
	}
}
