package mapping

import (
	"sync"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/shardmap"
)

// Store is the concurrency-safe set of active mappings. No two mappings
// share a key.
type Store struct {
	items   *shardmap.Map[*ApiMapping]
	backend Backend
	log     *logger.Logger

	mu        sync.RWMutex
	listeners []ChangeFunc
}

// ChangeFunc is called after a mapping change is persisted. For a delete,
// m is the removed mapping.
type ChangeFunc func(action string, m ApiMapping)

// OnChange registers fn for every later add, update and delete.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) changed(action string, m *ApiMapping) {
	s.log.MappingEvent(action, m.Key())

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(action, m.Clone())
	}
}

// NewStore creates a store and loads every mapping the backend holds. A
// nil backend keeps mappings in memory only; a nil logger discards logs.
func NewStore(backend Backend, log *logger.Logger) (*Store, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Store{
		items:   shardmap.New[*ApiMapping](0, func(a, b *ApiMapping) bool { return a == b }),
		backend: backend,
		log:     log.WithComponent("store"),
	}

	stored, err := backend.Load()
	if err != nil {
		return nil, errors.NewInternalError("load_mappings", err)
	}
	for _, m := range stored {
		m = m.Normalize()
		s.items.Store(m.Key(), &m)
	}
	if len(stored) > 0 {
		s.log.Infof("loaded %d mappings from backend", len(stored))
	}
	return s, nil
}

// List returns every mapping sorted by key.
func (s *Store) List() []ApiMapping {
	keys := s.items.Keys()
	out := make([]ApiMapping, 0, len(keys))
	for _, k := range keys {
		if m, ok := s.items.Load(k); ok {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Get looks up the mapping for an endpoint and method.
func (s *Store) Get(endpoint, method string) (ApiMapping, bool) {
	m, ok := s.items.Load(Key(method, endpoint))
	if !ok {
		return ApiMapping{}, false
	}
	return m.Clone(), true
}

// Len returns the number of mappings.
func (s *Store) Len() int {
	return s.items.Len()
}

// Add inserts a new mapping. It fails with a conflict when the key is
// taken.
func (s *Store) Add(m ApiMapping) error {
	m = m.Clone().Normalize()
	if err := Validate(m); err != nil {
		return err
	}

	key := m.Key()
	stored := &m
	if _, loaded := s.items.LoadOrStore(key, stored); loaded {
		return errors.NewConflictError("add_mapping", key)
	}

	if err := s.backend.Put(m); err != nil {
		s.items.CompareAndDelete(key, stored)
		return errors.NewInternalError("persist_mapping", err)
	}

	s.changed("add", stored)
	return nil
}

// Update replaces an existing mapping. It fails with not found when the
// key is absent.
func (s *Store) Update(m ApiMapping) error {
	m = m.Clone().Normalize()
	if err := Validate(m); err != nil {
		return err
	}

	key := m.Key()
	next := &m
	var prev *ApiMapping
	for {
		cur, ok := s.items.Load(key)
		if !ok {
			return errors.NewNotFoundError("update_mapping", "mapping "+key)
		}
		if s.items.CompareAndSwap(key, cur, next) {
			prev = cur
			break
		}
	}

	if err := s.backend.Put(m); err != nil {
		s.items.CompareAndSwap(key, next, prev)
		return errors.NewInternalError("persist_mapping", err)
	}

	s.changed("update", next)
	return nil
}

// Delete removes a mapping. It fails with not found when the key is
// absent.
func (s *Store) Delete(endpoint, method string) error {
	key := Key(method, endpoint)
	prev, ok := s.items.LoadAndDelete(key)
	if !ok {
		return errors.NewNotFoundError("delete_mapping", "mapping "+key)
	}

	if err := s.backend.Delete(key); err != nil {
		s.items.LoadOrStore(key, prev)
		return errors.NewInternalError("persist_mapping", err)
	}

	s.changed("delete", prev)
	return nil
}

// Seed adds mappings from static configuration. Keys already present are
// skipped and logged; invalid mappings fail the seed.
func (s *Store) Seed(mappings []ApiMapping) (int, error) {
	added := 0
	for _, m := range mappings {
		err := s.Add(m)
		switch {
		case err == nil:
			added++
		case errors.IsConflict(err):
			s.log.Debugf("seed mapping %s already present, skipped", m.Key())
		default:
			return added, err
		}
	}
	return added, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
