package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
)

func newAdmin(t *testing.T, store *mapping.Store) (*Admin, http.Handler) {
	t.Helper()
	a := NewAdmin(store, discovery.NewEngine(), AdminConfig{
		TargetBaseURL: "https://svc.example.com",
		Metrics:       metrics.New(),
	})
	mux := http.NewServeMux()
	mux.Handle(a.Prefix()+"/", a.Handler())
	return a, mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

const userMapping = `{
	"source_endpoint": "/legacy/user",
	"target_endpoint": "https://svc.example.com/users",
	"source_method": "get",
	"body_field_mappings": {"userId": "user_id"}
}`

// ============================================================================
// Mapping CRUD Tests
// ============================================================================

func TestAdminMappingLifecycle(t *testing.T) {
	_, h := newAdmin(t, newStore(t))

	rec := do(t, h, http.MethodPost, "/_gateway/mappings", userMapping)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created mapping.ApiMapping
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.SourceMethod != "GET" || created.TargetMethod != "GET" || created.SourceFormat != "json" {
		t.Errorf("created mapping not normalized: %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/_gateway/mappings", userMapping); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/_gateway/mappings/get/legacy/user", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/_gateway/mappings", "")
	var list []mapping.ApiMapping
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list = %s (%v)", rec.Body.String(), err)
	}

	updated := strings.Replace(userMapping, "/users", "/people", 1)
	rec = do(t, h, http.MethodPut, "/_gateway/mappings", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "/people") {
		t.Errorf("update body = %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodDelete, "/_gateway/mappings/GET/legacy/user", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/_gateway/mappings/GET/legacy/user", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/_gateway/mappings/GET/legacy/user", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestAdminMappingErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid JSON", http.MethodPost, "/_gateway/mappings", `{"source_endpoint":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/_gateway/mappings", `{"nope":1}`, http.StatusBadRequest},
		{"invalid mapping", http.MethodPost, "/_gateway/mappings", `{"source_endpoint":"legacy","target_endpoint":"svc","source_method":"GET"}`, http.StatusBadRequest},
		{"update unknown", http.MethodPut, "/_gateway/mappings", userMapping, http.StatusNotFound},
		{"unknown route", http.MethodGet, "/_gateway/nothing", "", http.StatusNotFound},
		{"unsupported method", http.MethodPatch, "/_gateway/mappings", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newAdmin(t, newStore(t))
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error.Code == "" || resp.RequestID == "" {
				t.Errorf("error body = %+v", resp)
			}
		})
	}
}

func TestAdminInvalidMappingFields(t *testing.T) {
	_, h := newAdmin(t, newStore(t))

	rec := do(t, h, http.MethodPost, "/_gateway/mappings",
		`{"source_endpoint":"legacy","target_endpoint":"https://svc.example.com/x","source_method":"GET"}`)
	resp := decodeError(t, rec)
	if _, ok := resp.Error.ValidationErrors["source_endpoint"]; !ok {
		t.Errorf("validation errors = %v", resp.Error.ValidationErrors)
	}
}

// ============================================================================
// Discovery Tests
// ============================================================================

func discoverBody(t *testing.T, req DiscoverRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestAdminDiscover(t *testing.T) {
	store := newStore(t)
	_, h := newAdmin(t, store)

	body := discoverBody(t, DiscoverRequest{
		Source:  filepath.Join("..", "discovery", "testdata", "legacy.json"),
		Target:  filepath.Join("..", "discovery", "testdata", "shop-v2.yaml"),
		Promote: true,
	})
	rec := do(t, h, http.MethodPost, "/_gateway/discover", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp DiscoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Report == nil || resp.Report.Source != discovery.SourceHeuristic {
		t.Fatalf("report = %+v", resp.Report)
	}
	if len(resp.Report.Endpoints) == 0 || len(resp.Report.Schemas) == 0 {
		t.Error("report has no analysis")
	}
	if len(resp.Promoted) != len(resp.Report.Candidates) || len(resp.Promoted) == 0 {
		t.Errorf("promoted %v of %d candidates", resp.Promoted, len(resp.Report.Candidates))
	}
	if store.Len() != len(resp.Promoted) {
		t.Errorf("store holds %d mappings", store.Len())
	}
	for _, c := range resp.Report.Candidates {
		if !strings.HasPrefix(c.TargetEndpoint, "https://svc.example.com/") {
			t.Errorf("candidate target %q not resolved against base URL", c.TargetEndpoint)
		}
	}

	// A second promotion skips what is already stored.
	rec = do(t, h, http.MethodPost, "/_gateway/discover", body)
	resp = DiscoverResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Promoted) != 0 || len(resp.Skipped) == 0 {
		t.Errorf("second run promoted %v, skipped %v", resp.Promoted, resp.Skipped)
	}
}

func TestAdminDiscoverValidation(t *testing.T) {
	_, h := newAdmin(t, newStore(t))

	rec := do(t, h, http.MethodPost, "/_gateway/discover", `{"source":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error.ValidationErrors["target"] == "" {
		t.Errorf("validation errors = %v", resp.Error.ValidationErrors)
	}
}

// ============================================================================
// Health and Metrics Tests
// ============================================================================

func TestAdminHealth(t *testing.T) {
	_, h := newAdmin(t, newStore(t))
	do(t, h, http.MethodPost, "/_gateway/mappings", userMapping)

	rec := do(t, h, http.MethodGet, "/_gateway/health", "")
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Mappings != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestAdminMetrics(t *testing.T) {
	a, h := newAdmin(t, newStore(t))
	do(t, h, http.MethodPost, "/_gateway/mappings", userMapping)

	rec := do(t, h, http.MethodGet, "/_gateway/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("opengateway_mappings 1")) {
		t.Errorf("metrics missing mapping gauge:\n%s", rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`outcome="admin"`)) {
		t.Error("admin requests not recorded")
	}
	if a.metrics.Snapshot().Mappings != 1 {
		t.Errorf("snapshot mappings = %d", a.metrics.Snapshot().Mappings)
	}
}
