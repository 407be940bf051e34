// Package gateway runs mapped requests through the rate limiter, the
// response cache, the transformation engine and the forwarder.
package gateway

import (
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PentesterFlow/OpenGateway/internal/cache"
	"github.com/PentesterFlow/OpenGateway/internal/errors"
	gwhttp "github.com/PentesterFlow/OpenGateway/internal/http"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
	"github.com/PentesterFlow/OpenGateway/internal/ratelimit"
	"github.com/PentesterFlow/OpenGateway/internal/transform"
)

// DefaultMaxBodyBytes caps inbound request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Response headers set by the pipeline.
const (
	HeaderCache              = "X-Cache"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// Pipeline is the runtime request state machine.
type Pipeline struct {
	store     *mapping.Store
	forwarder *gwhttp.Forwarder
	cache     *cache.Cache
	limiter   *ratelimit.Limiter

	clientHeader string
	maxBody      int64

	boundary *boundary
	log      *logger.Logger
	metrics  *metrics.Collector
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache enables the response cache.
func WithCache(c *cache.Cache) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithRateLimiter enables the rate-limit gate.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) {
		p.limiter = l
	}
}

// WithMetrics sets the collector requests are recorded on.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.metrics = c
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(log *logger.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log.WithComponent("pipeline")
		}
	}
}

// WithEnvironment sets the deployment environment. Error details are
// hidden in production.
func WithEnvironment(env string) Option {
	return func(p *Pipeline) {
		p.boundary.environment = env
	}
}

// WithClientHeader sets the header that identifies rate-limited clients.
func WithClientHeader(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.clientHeader = name
		}
	}
}

// WithMaxBodyBytes caps inbound request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// NewPipeline creates a pipeline over store. Cache and rate limiter are
// off unless set.
func NewPipeline(store *mapping.Store, forwarder *gwhttp.Forwarder, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		forwarder:    forwarder,
		clientHeader: ratelimit.DefaultClientHeader,
		maxBody:      DefaultMaxBodyBytes,
		boundary:     &boundary{defaultOutcome: metrics.OutcomeForwarded},
		log:          logger.Nop(),
		metrics:      metrics.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.boundary.log = p.log
	p.boundary.metrics = p.metrics
	if p.cache != nil {
		store.OnChange(p.invalidate)
	}
	return p
}

// invalidate drops the cached responses of a mapping that changed.
func (p *Pipeline) invalidate(action string, m mapping.ApiMapping) {
	if action == "add" {
		return
	}
	key := m.Key()
	n := p.cache.DeleteRoutes(func(method, path string) bool {
		return mapping.Key(method, path) == key
	})
	if n > 0 {
		p.log.WithField("mapping", key).Debugf("dropped %d cached responses after %s", n, action)
	}
}

// Metrics returns the collector the pipeline records on.
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// Handler returns the pipeline as an http.Handler. Unmapped requests go to
// next untouched; a nil next answers them with NotFound.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return p.boundary.wrap(func(w http.ResponseWriter, r *http.Request) error {
		return p.serve(w, r, next)
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, next http.Handler) error {
	state := stateFrom(r)

	if err := p.rateLimit(w, r, state); err != nil {
		return err
	}

	var cacheKey string
	if p.cache != nil && cache.Cacheable(r.Method) {
		cacheKey = cache.Key(r)
		if cached, ok := p.cache.Get(cacheKey); ok {
			p.metrics.RecordCacheHit()
			state.outcome = metrics.OutcomeCached
			replay(w, cached)
			return nil
		}
	}

	m, ok := p.store.Get(r.URL.Path, r.Method)
	if !ok {
		state.outcome = metrics.OutcomePassthrough
		if next == nil {
			return errors.NewNotFoundError("route", "mapping for "+r.Method+" "+r.URL.Path)
		}
		next.ServeHTTP(w, r)
		return nil
	}
	if cacheKey != "" {
		p.metrics.RecordCacheMiss()
	}

	return p.forward(w, r, m, cacheKey)
}

func (p *Pipeline) rateLimit(w http.ResponseWriter, r *http.Request, state *requestState) error {
	if p.limiter == nil {
		return nil
	}

	state.clientID = ratelimit.ClientID(r, p.clientHeader)
	p.metrics.RecordClient(state.clientID)

	d := p.limiter.Allow(state.clientID)
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	if d.Allowed {
		return nil
	}

	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))

	p.metrics.RecordRateLimited()
	state.outcome = metrics.OutcomeRejected
	return errors.NewRateLimitError(state.clientID, d.Limit)
}

func replay(w http.ResponseWriter, cached *cache.CachedResponse) {
	for k, vv := range cached.Headers {
		w.Header()[k] = append([]string(nil), vv...)
	}
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.Header().Set(HeaderCache, "hit")
	w.WriteHeader(cached.StatusCode)
	w.Write(cached.Body)
}

func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, m mapping.ApiMapping, cacheKey string) error {
	body, err := p.readBody(w, r)
	if err != nil {
		return err
	}

	if err := checkRequired(body, m); err != nil {
		return err
	}

	rewrite := !strings.EqualFold(m.SourceFormat, m.TargetFormat) || len(m.BodyFieldMappings) > 0
	payload, err := transform.Transform(body, m.SourceFormat, m.TargetFormat, m.BodyFieldMappings)
	if err != nil {
		return err
	}

	target, err := targetURL(m, r.URL.Query())
	if err != nil {
		return errors.NewInternalError("target_url", err)
	}

	header := outboundHeaders(r, m)
	if rewrite && len(payload) > 0 {
		header.Set("Content-Type", transform.ContentType(m.TargetFormat))
	}

	resp, err := p.forwarder.Do(r.Context(), &gwhttp.Request{
		Method: m.TargetMethod,
		URL:    target,
		Header: header,
		Body:   payload,
	})
	if err != nil {
		p.metrics.RecordForward(0, 0)
		return err
	}
	p.metrics.RecordForward(resp.StatusCode, resp.Duration)
	p.log.WithRequestID(RequestID(r)).WithField("mapping", m.Key()).
		ForwardEvent(m.TargetMethod, target, resp.StatusCode, resp.Duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewUpstreamResponseError(target, resp.StatusCode, resp.ContentType(), resp.Body)
	}

	out, err := transform.Transform(resp.Body, m.TargetFormat, m.SourceFormat, transform.Invert(m.BodyFieldMappings))
	if err != nil {
		uerr := errors.NewUpstreamError("transform_response", target, err)
		uerr.Message = "backend response is not valid " + m.TargetFormat
		return uerr
	}
	contentType := resp.ContentType()
	if rewrite && len(out) > 0 {
		contentType = transform.ContentType(m.SourceFormat)
	}

	respHeader := http.Header{}
	for k, vv := range resp.Header {
		if k == "Content-Length" || k == "Content-Type" {
			continue
		}
		respHeader[k] = vv
	}

	if cacheKey != "" && resp.StatusCode == http.StatusOK {
		p.cache.Set(cacheKey, cache.NewResponse(resp.StatusCode, contentType, respHeader, out))
	}

	for k, vv := range respHeader {
		w.Header()[k] = vv
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if cacheKey != "" {
		w.Header().Set(HeaderCache, "miss")
	}
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(out)
	return err
}

func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			verr := errors.NewValidationError("read_body", map[string]string{
				"body": fmt.Sprintf("exceeds %d bytes", tooLarge.Limit),
			})
			verr.StatusCode = http.StatusRequestEntityTooLarge
			return nil, verr
		}
		return nil, errors.Categorize(err, "read_body")
	}
	return body, nil
}

// checkRequired reports the required top-level fields missing from body.
func checkRequired(body []byte, m mapping.ApiMapping) error {
	if len(m.RequiredFields) == 0 {
		return nil
	}

	missing := make(map[string]string)
	var obj *transform.Object
	if len(body) > 0 {
		format, err := transform.ParseFormat(m.SourceFormat)
		if err != nil {
			return err
		}
		v, err := transform.Decode(body, format)
		if err != nil {
			return errors.NewValidationError("required_fields", map[string]string{"body": err.Error()})
		}
		obj, _ = v.(*transform.Object)
	}

	for _, name := range m.RequiredFields {
		if obj == nil {
			missing[name] = "is required"
			continue
		}
		if _, ok := obj.Get(name); !ok {
			missing[name] = "is required"
		}
	}
	if len(missing) > 0 {
		return errors.NewValidationError("required_fields", missing)
	}
	return nil
}

// targetURL keeps the target endpoint's own query and adds the inbound
// parameters, renamed by the mapping's query mappings.
func targetURL(m mapping.ApiMapping, inbound url.Values) (string, error) {
	u, err := url.Parse(m.TargetEndpoint)
	if err != nil {
		return "", err
	}
	if len(inbound) == 0 {
		return u.String(), nil
	}

	query := u.Query()
	for name, values := range inbound {
		if renamed, ok := m.QueryMappings[name]; ok {
			name = renamed
		}
		for _, v := range values {
			query.Add(name, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// outboundHeaders copies the inbound headers with the mapping's renames
// applied.
func outboundHeaders(r *http.Request, m mapping.ApiMapping) http.Header {
	header := http.Header{}
	gwhttp.CopyHeaders(header, r.Header)
	// The forwarder reads bodies raw.
	header.Del("Accept-Encoding")

	for from, to := range m.HeaderMappings {
		values := header.Values(from)
		if len(values) == 0 {
			continue
		}
		header.Del(from)
		for _, v := range values {
			header.Add(to, v)
		}
	}

	header.Set(RequestIDHeader, RequestID(r))
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		header.Set("X-Forwarded-For", ip)
	}
	return header
}
