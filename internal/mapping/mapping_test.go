package mapping

import (
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
)

func orderMapping() ApiMapping {
	return ApiMapping{
		SourceEndpoint:    "/legacy/order",
		TargetEndpoint:    "https://svc/orders",
		SourceMethod:      "get",
		BodyFieldMappings: map[string]string{"orderId": "order_id"},
	}
}

// =============================================================================
// Model Tests
// =============================================================================

func TestKey(t *testing.T) {
	tests := []struct {
		method, endpoint, want string
	}{
		{"get", "/Legacy/Order", "GET:/legacy/order"},
		{"POST", "/users", "POST:/users"},
		{" put ", " /A ", "PUT:/a"},
	}
	for _, tt := range tests {
		if got := Key(tt.method, tt.endpoint); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.method, tt.endpoint, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	m := orderMapping().Normalize()

	if m.SourceMethod != "GET" || m.TargetMethod != "GET" {
		t.Errorf("methods = %s/%s", m.SourceMethod, m.TargetMethod)
	}
	if m.SourceFormat != "json" || m.TargetFormat != "json" {
		t.Errorf("formats = %s/%s", m.SourceFormat, m.TargetFormat)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ApiMapping)
		field  string
	}{
		{"valid", func(*ApiMapping) {}, ""},
		{"relative source", func(m *ApiMapping) { m.SourceEndpoint = "legacy" }, "source_endpoint"},
		{"relative target", func(m *ApiMapping) { m.TargetEndpoint = "/orders" }, "target_endpoint"},
		{"ftp target", func(m *ApiMapping) { m.TargetEndpoint = "ftp://svc/orders" }, "target_endpoint"},
		{"bad method", func(m *ApiMapping) { m.SourceMethod = "FETCH" }, "source_method"},
		{"bad format", func(m *ApiMapping) { m.TargetFormat = "protobuf" }, "target_format"},
		{"bad header", func(m *ApiMapping) { m.HeaderMappings = map[string]string{"X Bad": "X-Good"} }, "header_mappings"},
		{"empty body field", func(m *ApiMapping) { m.BodyFieldMappings = map[string]string{"a": ""} }, "body_field_mappings"},
		{"empty required field", func(m *ApiMapping) { m.RequiredFields = []string{" "} }, "required_fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := orderMapping()
			tt.mutate(&m)
			err := Validate(m.Normalize())

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var gwErr *errors.GatewayError
			if !stderrors.As(err, &gwErr) || gwErr.Type != errors.Validation {
				t.Fatalf("Validate() error = %v, want validation error", err)
			}
			if _, ok := gwErr.Fields[tt.field]; !ok {
				t.Errorf("Fields = %v, want entry for %s", gwErr.Fields, tt.field)
			}
		})
	}
}

// =============================================================================
// Store Tests
// =============================================================================

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(nil, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestStore_AddGetDelete(t *testing.T) {
	s := newStore(t)

	if err := s.Add(orderMapping()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got, ok := s.Get("/LEGACY/order", "GET")
	if !ok {
		t.Fatal("Get() should find the mapping case-insensitively")
	}
	if got.TargetEndpoint != "https://svc/orders" || got.BodyFieldMappings["orderId"] != "order_id" {
		t.Errorf("Get() = %+v", got)
	}

	if err := s.Add(orderMapping()); !errors.IsConflict(err) {
		t.Errorf("second Add() error = %v, want conflict", err)
	}

	if err := s.Delete("/legacy/order", "get"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Get("/legacy/order", "GET"); ok {
		t.Error("Get() after Delete() should miss")
	}
	if err := s.Delete("/legacy/order", "GET"); !errors.IsNotFound(err) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}
}

func TestStore_AddRejectsInvalid(t *testing.T) {
	s := newStore(t)
	m := orderMapping()
	m.TargetEndpoint = "nowhere"

	if err := s.Add(m); !errors.IsValidation(err) {
		t.Errorf("Add() error = %v, want validation error", err)
	}
	if s.Len() != 0 {
		t.Error("invalid mapping must not be stored")
	}
}

func TestStore_Update(t *testing.T) {
	s := newStore(t)

	if err := s.Update(orderMapping()); !errors.IsNotFound(err) {
		t.Errorf("Update() on empty store error = %v, want not found", err)
	}

	s.Add(orderMapping())
	m := orderMapping()
	m.TargetEndpoint = "https://svc/v2/orders"
	if err := s.Update(m); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := s.Get("/legacy/order", "GET")
	if got.TargetEndpoint != "https://svc/v2/orders" {
		t.Errorf("TargetEndpoint = %q", got.TargetEndpoint)
	}
}

func TestStore_OnChange(t *testing.T) {
	s := newStore(t)
	var events []string
	s.OnChange(func(action string, m ApiMapping) {
		events = append(events, action+" "+m.Key()+" "+m.TargetEndpoint)
	})

	s.Add(orderMapping())
	m := orderMapping()
	m.TargetEndpoint = "https://svc/v2/orders"
	s.Update(m)
	s.Delete("/legacy/order", "GET")
	s.Delete("/legacy/order", "GET")

	want := []string{
		"add GET:/legacy/order https://svc/orders",
		"update GET:/legacy/order https://svc/v2/orders",
		"delete GET:/legacy/order https://svc/v2/orders",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %q, want %q", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestStore_OnChangeSkipsFailedWrites(t *testing.T) {
	s, err := NewStore(failingBackend{NewMemoryBackend()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	called := false
	s.OnChange(func(string, ApiMapping) { called = true })

	s.Add(orderMapping())
	if called {
		t.Error("listener called for a write that was rolled back")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := newStore(t)
	s.Add(orderMapping())

	got, _ := s.Get("/legacy/order", "GET")
	got.BodyFieldMappings["orderId"] = "tampered"

	again, _ := s.Get("/legacy/order", "GET")
	if again.BodyFieldMappings["orderId"] != "order_id" {
		t.Error("mutating a returned mapping must not change the store")
	}
}

func TestStore_ListSorted(t *testing.T) {
	s := newStore(t)
	for _, ep := range []string{"/c", "/a", "/b"} {
		m := orderMapping()
		m.SourceEndpoint = ep
		if err := s.Add(m); err != nil {
			t.Fatal(err)
		}
	}

	list := s.List()
	if len(list) != 3 || list[0].SourceEndpoint != "/a" || list[2].SourceEndpoint != "/c" {
		t.Errorf("List() = %+v", list)
	}
}

func TestStore_ConcurrentAdd(t *testing.T) {
	s := newStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Add(orderMapping()); errors.IsConflict(err) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if conflicts != 19 || s.Len() != 1 {
		t.Errorf("conflicts = %d, Len() = %d, want 19 and 1", conflicts, s.Len())
	}
}

func TestStore_Seed(t *testing.T) {
	s := newStore(t)
	s.Add(orderMapping())

	other := orderMapping()
	other.SourceEndpoint = "/legacy/user"

	added, err := s.Seed([]ApiMapping{orderMapping(), other})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if added != 1 || s.Len() != 2 {
		t.Errorf("Seed() added %d, Len() = %d", added, s.Len())
	}

	bad := orderMapping()
	bad.SourceEndpoint = "oops"
	if _, err := s.Seed([]ApiMapping{bad}); !errors.IsValidation(err) {
		t.Errorf("Seed() with invalid mapping error = %v", err)
	}
}

type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) Put(ApiMapping) error { return stderrors.New("disk full") }

func TestStore_AddRollsBackOnBackendFailure(t *testing.T) {
	s, err := NewStore(failingBackend{NewMemoryBackend()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Add(orderMapping()); errors.GetErrorType(err) != errors.Internal {
		t.Errorf("Add() error = %v, want internal", err)
	}
	if s.Len() != 0 {
		t.Error("failed write must not leave the mapping in the store")
	}
}

// =============================================================================
// Backend Tests
// =============================================================================

func TestBoltBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "mappings.db")

	b, err := NewBoltBackend(path)
	if err != nil {
		t.Fatalf("NewBoltBackend() error = %v", err)
	}
	s, err := NewStore(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Add(orderMapping()); err != nil {
		t.Fatal(err)
	}
	gone := orderMapping()
	gone.SourceEndpoint = "/legacy/gone"
	s.Add(gone)
	s.Delete("/legacy/gone", "GET")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := NewBoltBackend(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer b2.Close()
	s2, err := NewStore(b2, nil)
	if err != nil {
		t.Fatal(err)
	}

	if s2.Len() != 1 {
		t.Fatalf("Len() after reopen = %d, want 1", s2.Len())
	}
	got, ok := s2.Get("/legacy/order", "GET")
	if !ok || got.BodyFieldMappings["orderId"] != "order_id" {
		t.Errorf("reloaded mapping = %+v, %v", got, ok)
	}
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	m := orderMapping().Normalize()
	b.Put(m)

	list, _ := b.Load()
	if len(list) != 1 || list[0].Key() != "GET:/legacy/order" {
		t.Errorf("Load() = %+v", list)
	}
	b.Delete(m.Key())
	if list, _ := b.Load(); len(list) != 0 {
		t.Errorf("Load() after Delete = %+v", list)
	}
}

// =============================================================================
// Seed File Tests
// =============================================================================

func TestParseSeed(t *testing.T) {
	withKey := []byte(`
mappings:
  - source_endpoint: /legacy/order
    target_endpoint: https://svc/orders
    source_method: GET
    body_field_mappings:
      orderId: order_id
`)
	bare := []byte(`
- source_endpoint: /legacy/user
  target_endpoint: https://svc/users
  source_method: POST
  source_format: xml
`)

	got, err := ParseSeed(withKey)
	if err != nil || len(got) != 1 || got[0].BodyFieldMappings["orderId"] != "order_id" {
		t.Errorf("ParseSeed(withKey) = %+v, %v", got, err)
	}

	got, err = ParseSeed(bare)
	if err != nil || len(got) != 1 || got[0].SourceFormat != "xml" {
		t.Errorf("ParseSeed(bare) = %+v, %v", got, err)
	}

	if got, err := ParseSeed(nil); err != nil || got != nil {
		t.Errorf("ParseSeed(nil) = %+v, %v", got, err)
	}

	if _, err := ParseSeed([]byte("mappings: [")); err == nil {
		t.Error("ParseSeed() should fail on malformed YAML")
	}
}

func TestLoadSeedFile_Missing(t *testing.T) {
	if _, err := LoadSeedFile(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("LoadSeedFile() should fail for a missing file")
	}
}
