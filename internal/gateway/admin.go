package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
)

// DefaultAdminPrefix is where the admin surface is mounted.
const DefaultAdminPrefix = "/_gateway"

// maxAdminBody caps admin request bodies.
const maxAdminBody = 1 << 20

// AdminConfig configures the admin surface.
type AdminConfig struct {
	Prefix      string
	Environment string
	// Threshold and TargetBaseURL turn discovery results into candidates.
	Threshold     float64
	TargetBaseURL string
	Logger        *logger.Logger
	Metrics       *metrics.Collector
}

// Admin serves mapping CRUD, discovery, health and metrics.
type Admin struct {
	store    *mapping.Store
	engine   *discovery.Engine
	cfg      AdminConfig
	boundary *boundary
	log      *logger.Logger
	metrics  *metrics.Collector
	started  time.Time
}

// DiscoverRequest is the body of POST /discover.
type DiscoverRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	// AcceptExternal defaults to true.
	AcceptExternal *bool   `json:"accept_external,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
	TargetBaseURL  string  `json:"target_base_url,omitempty"`
	// Promote adds the candidates to the store.
	Promote bool `json:"promote,omitempty"`
}

// DiscoverResponse is the answer of POST /discover.
type DiscoverResponse struct {
	Report   *discovery.Report `json:"report"`
	Promoted []string          `json:"promoted,omitempty"`
	Skipped  map[string]string `json:"skipped,omitempty"`
}

// HealthResponse is the answer of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Mappings int    `json:"mappings"`
	Uptime   string `json:"uptime"`
}

// NewAdmin creates the admin surface. engine may be nil, which disables
// POST /discover.
func NewAdmin(store *mapping.Store, engine *discovery.Engine, cfg AdminConfig) *Admin {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultAdminPrefix
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Threshold <= 0 {
		cfg.Threshold = discovery.DefaultThreshold
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("admin")
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	a := &Admin{
		store:  store,
		engine: engine,
		cfg:    cfg,
		boundary: &boundary{
			environment:    cfg.Environment,
			log:            log,
			metrics:        cfg.Metrics,
			defaultOutcome: metrics.OutcomeAdmin,
		},
		log:     log,
		metrics: cfg.Metrics,
		started: time.Now(),
	}
	a.metrics.SetMappings(store.Len())
	return a
}

// Prefix returns the mount point.
func (a *Admin) Prefix() string {
	return a.cfg.Prefix
}

// Handler returns the admin routes with the prefix stripped.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /mappings", a.boundary.wrap(a.listMappings))
	mux.Handle("POST /mappings", a.boundary.wrap(a.createMapping))
	mux.Handle("PUT /mappings", a.boundary.wrap(a.updateMapping))
	mux.Handle("GET /mappings/{method}/{endpoint...}", a.boundary.wrap(a.getMapping))
	mux.Handle("DELETE /mappings/{method}/{endpoint...}", a.boundary.wrap(a.deleteMapping))
	mux.Handle("POST /discover", a.boundary.wrap(a.discover))
	mux.Handle("GET /health", a.boundary.wrap(a.health))
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.Handle("/", a.boundary.wrap(func(w http.ResponseWriter, r *http.Request) error {
		return errors.NewNotFoundError("admin", "route "+r.Method+" "+r.URL.Path)
	}))
	stripped := http.StripPrefix(a.cfg.Prefix, mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The bare prefix would strip to an empty path, which the mux
		// redirects out of the mount point.
		if r.URL.Path == a.cfg.Prefix {
			r2 := new(http.Request)
			*r2 = *r
			u := *r.URL
			u.Path = a.cfg.Prefix + "/"
			u.RawPath = ""
			r2.URL = &u
			r = r2
		}
		stripped.ServeHTTP(w, r)
	})
}

func (a *Admin) listMappings(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, a.store.List())
}

func (a *Admin) getMapping(w http.ResponseWriter, r *http.Request) error {
	method, endpoint := pathKey(r)
	m, ok := a.store.Get(endpoint, method)
	if !ok {
		return errors.NewNotFoundError("get_mapping", "mapping "+mapping.Key(method, endpoint))
	}
	return writeJSON(w, http.StatusOK, m)
}

func (a *Admin) createMapping(w http.ResponseWriter, r *http.Request) error {
	m, err := decodeMapping(w, r)
	if err != nil {
		return err
	}
	if err := a.store.Add(m); err != nil {
		return err
	}
	a.changed("add", m)
	stored, _ := a.store.Get(m.SourceEndpoint, m.SourceMethod)
	return writeJSON(w, http.StatusCreated, stored)
}

func (a *Admin) updateMapping(w http.ResponseWriter, r *http.Request) error {
	m, err := decodeMapping(w, r)
	if err != nil {
		return err
	}
	if err := a.store.Update(m); err != nil {
		return err
	}
	a.changed("update", m)
	stored, _ := a.store.Get(m.SourceEndpoint, m.SourceMethod)
	return writeJSON(w, http.StatusOK, stored)
}

func (a *Admin) deleteMapping(w http.ResponseWriter, r *http.Request) error {
	method, endpoint := pathKey(r)
	if err := a.store.Delete(endpoint, method); err != nil {
		return err
	}
	a.changed("delete", mapping.ApiMapping{SourceEndpoint: endpoint, SourceMethod: method})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Admin) discover(w http.ResponseWriter, r *http.Request) error {
	if a.engine == nil {
		return errors.NewNotFoundError("discover", "discovery engine")
	}

	var req DiscoverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}

	accept := true
	if req.AcceptExternal != nil {
		accept = *req.AcceptExternal
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = a.cfg.Threshold
	}
	baseURL := req.TargetBaseURL
	if baseURL == "" {
		baseURL = a.cfg.TargetBaseURL
	}

	result, err := a.engine.DiscoverWith(r.Context(), req.Source, req.Target, accept)
	if err != nil {
		return err
	}

	resp := DiscoverResponse{Report: discovery.NewReport(result, threshold, baseURL)}
	if req.Promote {
		resp.Promoted, resp.Skipped = discovery.Promote(a.store, resp.Report.Candidates)
		for _, key := range resp.Promoted {
			a.log.MappingEvent("promote", key)
		}
		for key, reason := range resp.Skipped {
			a.log.Warnf("promotion of %s skipped: %s", key, reason)
		}
		a.metrics.SetMappings(a.store.Len())
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Mappings: a.store.Len(),
		Uptime:   time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *Admin) changed(action string, m mapping.ApiMapping) {
	a.log.MappingEvent(action, m.Key())
	a.metrics.SetMappings(a.store.Len())
}

// pathKey returns the method and endpoint named by the route.
func pathKey(r *http.Request) (method, endpoint string) {
	return strings.ToUpper(r.PathValue("method")), "/" + r.PathValue("endpoint")
}

func decodeMapping(w http.ResponseWriter, r *http.Request) (mapping.ApiMapping, error) {
	var m mapping.ApiMapping
	if err := decodeJSON(w, r, &m); err != nil {
		return m, err
	}
	return m, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError("decode_body", map[string]string{"body": err.Error()})
	}
	return nil
}
