package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/cache"
	gwhttp "github.com/PentesterFlow/OpenGateway/internal/http"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
	"github.com/PentesterFlow/OpenGateway/internal/ratelimit"
)

func newStore(t *testing.T, mappings ...mapping.ApiMapping) *mapping.Store {
	t.Helper()
	store, err := mapping.NewStore(nil, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	for _, m := range mappings {
		if err := store.Add(m); err != nil {
			t.Fatalf("Add(%s) error = %v", m.Key(), err)
		}
	}
	return store
}

func orderMapping(backendURL string) mapping.ApiMapping {
	return mapping.ApiMapping{
		SourceEndpoint:    "/legacy/order",
		TargetEndpoint:    backendURL + "/orders",
		SourceMethod:      http.MethodGet,
		TargetMethod:      http.MethodGet,
		BodyFieldMappings: map[string]string{"orderId": "order_id"},
	}
}

func newPipeline(t *testing.T, store *mapping.Store, opts ...Option) *Pipeline {
	t.Helper()
	fwd := gwhttp.NewForwarder(gwhttp.ForwarderConfig{Timeout: 5 * time.Second})
	t.Cleanup(fwd.Close)
	return NewPipeline(store, fwd, opts...)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body %q is not JSON: %v", rec.Body.String(), err)
	}
	return resp
}

// ============================================================================
// End-to-end Tests
// ============================================================================

func TestPipelineEndToEnd(t *testing.T) {
	var received string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		if r.Method != http.MethodGet || r.URL.Path != "/orders" {
			t.Errorf("backend got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(RequestIDHeader) == "" {
			t.Error("backend request has no request ID")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "orders")
		w.Write([]byte(`{"order_id":7,"internal":"x"}`))
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)))

	req := httptest.NewRequest(http.MethodGet, "/legacy/order", strings.NewReader(`{"orderId":7}`))
	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if received != `{"order_id":7}` {
		t.Errorf("backend received %q", received)
	}
	if got := rec.Body.String(); got != `{"orderId":7}` {
		t.Errorf("client received %q", got)
	}
	if rec.Header().Get("X-Backend") != "orders" {
		t.Error("backend headers not relayed")
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response has no request ID")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPipelineRequestIDEchoed(t *testing.T) {
	p := newPipeline(t, newStore(t))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestID(r) != "abc-123" {
			t.Errorf("RequestID() = %q", RequestID(r))
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	p.Handler(next).ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestPipelineFormatConversion(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<root><order_id>7</order_id></root>" {
			t.Errorf("backend received %q", body)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/xml" {
			t.Errorf("backend Content-Type = %q", ct)
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte("<order><order_id>7</order_id></order>"))
	}))
	defer backend.Close()

	m := orderMapping(backend.URL)
	m.SourceMethod = http.MethodPost
	m.TargetMethod = http.MethodPost
	m.TargetFormat = "xml"
	p := newPipeline(t, newStore(t, m))

	req := httptest.NewRequest(http.MethodPost, "/legacy/order", strings.NewReader(`{"orderId":7}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"orderId":"7"}` {
		t.Errorf("client received %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPipelineHeaderAndQueryMappings(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("query") != "shoes" || q.Get("q") != "" {
			t.Errorf("query = %v", q)
		}
		if q.Get("page") != "2" {
			t.Errorf("unmapped query parameter lost: %v", q)
		}
		if q.Get("fixed") != "1" {
			t.Errorf("target query lost: %v", q)
		}
		if r.Header.Get("Authorization") != "Bearer t" || r.Header.Get("X-Legacy-Token") != "" {
			t.Errorf("headers = %v", r.Header)
		}
		if r.Header.Get("X-Forwarded-For") == "" {
			t.Error("X-Forwarded-For not set")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	m := mapping.ApiMapping{
		SourceEndpoint: "/legacy/search",
		TargetEndpoint: backend.URL + "/search?fixed=1",
		SourceMethod:   http.MethodGet,
		HeaderMappings: map[string]string{"X-Legacy-Token": "Authorization"},
		QueryMappings:  map[string]string{"q": "query"},
	}
	p := newPipeline(t, newStore(t, m))

	req := httptest.NewRequest(http.MethodGet, "/legacy/search?q=shoes&page=2", nil)
	req.Header.Set("X-Legacy-Token", "Bearer t")
	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

// ============================================================================
// Cache Tests
// ============================================================================

func TestPipelineCacheServesRepeatedGet(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=1")
		w.Write([]byte(`{"order_id":1}`))
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)),
		WithCache(cache.New(cache.Config{TTL: time.Minute})))
	h := p.Handler(nil)

	var bodies []string
	var hits []string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order?b=2&a=1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
		hits = append(hits, rec.Header().Get(HeaderCache))
		if i == 1 && rec.Header().Get("Set-Cookie") != "" {
			t.Error("Set-Cookie replayed from cache")
		}
	}

	if calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", calls.Load())
	}
	if bodies[0] != bodies[1] || bodies[0] != `{"orderId":1}` {
		t.Errorf("bodies = %q", bodies)
	}
	if hits[0] != "miss" || hits[1] != "hit" {
		t.Errorf("X-Cache = %v", hits)
	}

	snap := p.Metrics().Snapshot()
	if snap.CacheHits != 1 || snap.CacheMisses != 1 {
		t.Errorf("cache metrics = %d hits, %d misses", snap.CacheHits, snap.CacheMisses)
	}
}

func TestPipelineCacheSkipsNon200(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)),
		WithCache(cache.New(cache.Config{TTL: time.Minute})))
	h := p.Handler(nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}
}

func TestPipelineCacheKeepsDistinctQueries(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := json.Marshal(map[string]string{"order_id": r.URL.RawQuery})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)),
		WithCache(cache.New(cache.Config{TTL: time.Minute})))
	h := p.Handler(nil)

	var bodies []string
	for _, target := range []string{"/legacy/order?a=1:b%3D2", "/legacy/order?a=1&b=2", "/legacy/order?a=1,2", "/legacy/order?a=1&a=2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if got := rec.Header().Get(HeaderCache); got != "miss" {
			t.Errorf("%s: X-Cache = %q, want miss", target, got)
		}
		bodies = append(bodies, rec.Body.String())
	}

	if calls.Load() != 4 {
		t.Errorf("backend calls = %d, want 4", calls.Load())
	}
	if bodies[0] == bodies[1] || bodies[2] == bodies[3] {
		t.Errorf("distinct requests got the same body: %q", bodies)
	}
}

func TestPipelineCacheDroppedOnMappingChange(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":1}`))
	}))
	defer backend.Close()

	m := orderMapping(backend.URL)
	store := newStore(t, m)
	p := newPipeline(t, store, WithCache(cache.New(cache.Config{TTL: time.Minute})))
	h := p.Handler(nil)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", nil))
		return rec
	}

	get()
	if rec := get(); rec.Header().Get(HeaderCache) != "hit" {
		t.Fatalf("second GET X-Cache = %q, want hit", rec.Header().Get(HeaderCache))
	}

	m.BodyFieldMappings = map[string]string{"orderId": "id"}
	if err := store.Update(m); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec := get(); rec.Header().Get(HeaderCache) != "miss" {
		t.Errorf("GET after update X-Cache = %q, want miss", rec.Header().Get(HeaderCache))
	}
	if calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", calls.Load())
	}

	if err := store.Delete(m.SourceEndpoint, m.SourceMethod); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if rec := get(); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rec.Code)
	}
}

func TestPipelineCacheIgnoresUnmapped(t *testing.T) {
	p := newPipeline(t, newStore(t), WithCache(cache.New(cache.Config{TTL: time.Minute})))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	p.Handler(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/static/app.js", nil))

	if snap := p.Metrics().Snapshot(); snap.CacheMisses != 0 || snap.CacheHits != 0 {
		t.Errorf("cache metrics = %d hits, %d misses, want none", snap.CacheHits, snap.CacheMisses)
	}
}

// ============================================================================
// Rate Limit Tests
// ============================================================================

func TestPipelineRateLimit(t *testing.T) {
	p := newPipeline(t, newStore(t),
		WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 2})))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := p.Handler(next)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		req.Header.Set(ratelimit.DefaultClientHeader, "client-a")
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
	if last.Header().Get(HeaderRateLimitLimit) != "2" {
		t.Errorf("X-RateLimit-Limit = %q", last.Header().Get(HeaderRateLimitLimit))
	}

	resp := decodeError(t, last)
	if resp.Error.Code != "RateLimitExceeded" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "2") {
		t.Errorf("message %q does not name the ceiling", resp.Error.Message)
	}

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set(ratelimit.DefaultClientHeader, "client-b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("other client status = %d", rec.Code)
	}

	if p.Metrics().Snapshot().RateLimited != 1 {
		t.Errorf("rate limited = %d", p.Metrics().Snapshot().RateLimited)
	}
}

// ============================================================================
// Passthrough Tests
// ============================================================================

func TestPipelineUnmappedPassesThrough(t *testing.T) {
	p := newPipeline(t, newStore(t))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("next"))
	})

	rec := httptest.NewRecorder()
	p.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unmapped", nil))

	if rec.Code != http.StatusTeapot || rec.Body.String() != "next" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestPipelineUnmappedWithoutNext(t *testing.T) {
	p := newPipeline(t, newStore(t))

	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unmapped", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "NotFound" || resp.RequestID == "" {
		t.Errorf("error = %+v", resp)
	}
}

// ============================================================================
// Error Tests
// ============================================================================

func TestPipelineRequiredFields(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer backend.Close()

	m := orderMapping(backend.URL)
	m.SourceMethod = http.MethodPost
	m.RequiredFields = []string{"orderId", "customer"}
	p := newPipeline(t, newStore(t, m))

	req := httptest.NewRequest(http.MethodPost, "/legacy/order", strings.NewReader(`{"orderId":1}`))
	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error.ValidationErrors["customer"] != "is required" {
		t.Errorf("validation errors = %v", resp.Error.ValidationErrors)
	}
	if _, ok := resp.Error.ValidationErrors["orderId"]; ok {
		t.Error("present field reported missing")
	}
	if calls.Load() != 0 {
		t.Error("backend called for an invalid request")
	}
}

func TestPipelineBodyTooLarge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	m := orderMapping(backend.URL)
	m.SourceMethod = http.MethodPost
	p := newPipeline(t, newStore(t, m), WithMaxBodyBytes(8))

	req := httptest.NewRequest(http.MethodPost, "/legacy/order", strings.NewReader(`{"orderId":123456789}`))
	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPipelineBackendErrorRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such order"))
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)))

	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "no such order" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPipelineTransportFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(url)))

	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "UpstreamFailure" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestPipelineUndecodableBackendBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>oops</html>"))
	}))
	defer backend.Close()

	p := newPipeline(t, newStore(t, orderMapping(backend.URL)))

	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error.Code != "UpstreamFailure" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestPipelineMalformedRequestBody(t *testing.T) {
	p := newPipeline(t, newStore(t, orderMapping("http://127.0.0.1:1")))

	rec := httptest.NewRecorder()
	p.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/legacy/order", strings.NewReader("{bad")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error.Code != "ValidationError" {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if n := strings.Count(resp.Error.Details, "invalid character"); n != 1 {
		t.Errorf("details = %q, want the decode error once", resp.Error.Details)
	}
}

func TestPipelineRecoversPanics(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	tests := []struct {
		name        string
		environment string
		wantDetails bool
	}{
		{"development shows details", "development", true},
		{"production hides details", EnvironmentProduction, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, newStore(t), WithEnvironment(tt.environment))

			rec := httptest.NewRecorder()
			p.Handler(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d", rec.Code)
			}
			resp := decodeError(t, rec)
			if resp.Error.Code != "InternalError" {
				t.Errorf("code = %q", resp.Error.Code)
			}
			if hasDetails := strings.Contains(resp.Error.Details, "boom"); hasDetails != tt.wantDetails {
				t.Errorf("details = %q, want shown = %v", resp.Error.Details, tt.wantDetails)
			}
		})
	}
}

func TestPipelineRecordsOutcomes(t *testing.T) {
	reg := metrics.New()
	p := newPipeline(t, newStore(t), WithMetrics(reg))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	for i := 0; i < 3; i++ {
		p.Handler(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	}

	snap := reg.Snapshot()
	if snap.RequestsTotal != 3 || snap.ErrorsTotal != 0 {
		t.Errorf("requests = %d, errors = %d", snap.RequestsTotal, snap.ErrorsTotal)
	}
	if snap.StatusCodes[http.StatusOK] != 3 {
		t.Errorf("status codes = %v", snap.StatusCodes)
	}
}
