package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	c := New()
	if c == nil {
		t.Fatal("New() returned nil")
	}
	if c.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}
}

func TestCollector_RecordRequest(t *testing.T) {
	c := New()

	c.RecordRequest("GET", 200, OutcomeForwarded, 100*time.Millisecond)
	c.RecordRequest("GET", 200, OutcomeCached, 200*time.Millisecond)
	c.RecordRequest("POST", 502, OutcomeError, 300*time.Millisecond)

	snap := c.Snapshot()
	if snap.RequestsTotal != 3 {
		t.Errorf("RequestsTotal = %d, want 3", snap.RequestsTotal)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", snap.ErrorsTotal)
	}
	if snap.StatusCodes[200] != 2 || snap.StatusCodes[502] != 1 {
		t.Errorf("StatusCodes = %v", snap.StatusCodes)
	}
	if avg := snap.AverageResponseTime.Milliseconds(); avg != 200 {
		t.Errorf("AverageResponseTime = %dms, want 200ms", avg)
	}
}

func TestCollector_Cache(t *testing.T) {
	c := New()

	c.RecordCacheMiss()
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheHit()

	snap := c.Snapshot()
	if snap.CacheHits != 3 || snap.CacheMisses != 1 {
		t.Errorf("hits=%d misses=%d", snap.CacheHits, snap.CacheMisses)
	}
	if rate := snap.CacheHitRate(); rate != 0.75 {
		t.Errorf("CacheHitRate() = %v, want 0.75", rate)
	}
}

func TestCollector_RecordForward(t *testing.T) {
	c := New()

	c.RecordForward(201, 10*time.Millisecond)
	c.RecordForward(0, 5*time.Millisecond)

	if snap := c.Snapshot(); snap.ForwardedTotal != 1 {
		t.Errorf("ForwardedTotal = %d, want 1", snap.ForwardedTotal)
	}
}

func TestCollector_RecordClient(t *testing.T) {
	c := New()

	for i := 0; i < 3; i++ {
		c.RecordClient("key-a")
	}
	c.RecordClient("key-b")

	if got := c.Snapshot().UniqueClients; got != 2 {
		t.Errorf("UniqueClients = %d, want 2", got)
	}
}

func TestCollector_SetMappings(t *testing.T) {
	c := New()
	c.SetMappings(4)
	c.SetMappings(3)

	if got := c.Snapshot().Mappings; got != 3 {
		t.Errorf("Mappings = %d, want 3", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.RecordRequest("GET", 200, OutcomeForwarded, time.Millisecond)
	c.RecordRateLimited()
	c.RecordCacheHit()
	c.RecordDiscovery("heuristic")
	c.SetMappings(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`opengateway_requests_total{code="200",method="GET",outcome="forwarded"} 1`,
		`opengateway_rate_limited_total 1`,
		`opengateway_cache_lookups_total{result="hit"} 1`,
		`opengateway_discoveries_total{source="heuristic"} 1`,
		`opengateway_mappings 2`,
		`opengateway_request_duration_seconds_count{outcome="forwarded"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors must not collide on registration.
	a, b := New(), New()
	a.RecordRateLimited()

	if b.Snapshot().RateLimited != 0 {
		t.Error("collectors should not share state")
	}
}

// ============================================================================
// Snapshot Tests
// ============================================================================

func TestSnapshot_ErrorRate(t *testing.T) {
	tests := []struct {
		requests, errors int64
		want             float64
	}{
		{0, 0, 0},
		{10, 0, 0},
		{10, 5, 0.5},
		{4, 4, 1},
	}

	for _, tt := range tests {
		s := &Snapshot{RequestsTotal: tt.requests, ErrorsTotal: tt.errors}
		if got := s.ErrorRate(); got != tt.want {
			t.Errorf("ErrorRate(%d/%d) = %v, want %v", tt.errors, tt.requests, got, tt.want)
		}
	}
}

func TestSnapshot_Summary(t *testing.T) {
	c := New()
	c.RecordRequest("GET", 200, OutcomeForwarded, 50*time.Millisecond)

	summary := c.Snapshot().Summary()
	for _, key := range []string{"uptime", "requests_total", "error_rate", "cache_hit_rate", "avg_response_time_ms"} {
		if _, ok := summary[key]; !ok {
			t.Errorf("Summary() missing %q", key)
		}
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordRequest("GET", 200, OutcomeForwarded, time.Millisecond)
			c.RecordClient(fmt.Sprintf("client-%d", i%5))
			c.RecordCacheMiss()
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.RequestsTotal != 50 || snap.CacheMisses != 50 {
		t.Errorf("requests=%d misses=%d, want 50", snap.RequestsTotal, snap.CacheMisses)
	}
	if snap.UniqueClients != 5 {
		t.Errorf("UniqueClients = %d, want 5", snap.UniqueClients)
	}
}
