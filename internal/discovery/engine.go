package discovery

import (
	"context"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
	"github.com/PentesterFlow/OpenGateway/internal/openapi"
)

// Engine runs discovery over two description references.
type Engine struct {
	heuristic Source
	external  *External
	log       *logger.Logger
	metrics   *metrics.Collector
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithExternal sets the external source consulted after the heuristic.
func WithExternal(ext *External) EngineOption {
	return func(e *Engine) {
		e.external = ext
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *logger.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log.WithComponent("discovery")
		}
	}
}

// WithMetrics records discovery runs on c.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) {
		e.metrics = c
	}
}

// NewEngine creates an engine with the heuristic source.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		heuristic: Heuristic{},
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExternalEnabled reports whether an enabled external source is set.
func (e *Engine) ExternalEnabled() bool {
	return e.external.Enabled()
}

// Discover loads both descriptions and maps source onto target. The
// external source is consulted when it is enabled.
func (e *Engine) Discover(ctx context.Context, sourceRef, targetRef string) (*Result, error) {
	return e.DiscoverWith(ctx, sourceRef, targetRef, true)
}

// DiscoverWith is Discover with the external source switched off when
// acceptExternal is false.
func (e *Engine) DiscoverWith(ctx context.Context, sourceRef, targetRef string, acceptExternal bool) (*Result, error) {
	start := time.Now()

	req, err := e.load(ctx, sourceRef, targetRef)
	if err != nil {
		return nil, err
	}

	result, err := e.heuristic.Discover(ctx, req)
	if err != nil {
		return nil, err
	}

	if acceptExternal && e.external.Enabled() {
		ext, err := e.external.Discover(ctx, req)
		switch {
		case err != nil:
			e.log.WithError(err).Warn("external analysis failed, keeping heuristic result")
		case ext.Empty():
			e.log.Debug("external analysis returned no mappings, keeping heuristic result")
		default:
			result = ext
		}
	}

	e.log.DiscoveryEvent(result.Source, len(result.EndpointMappings), len(result.SchemaMappings), time.Since(start))
	if e.metrics != nil {
		e.metrics.RecordDiscovery(result.Source)
	}
	return result, nil
}

func (e *Engine) load(ctx context.Context, sourceRef, targetRef string) (*Request, error) {
	fields := make(map[string]string)
	if sourceRef == "" {
		fields["source"] = "is required"
	}
	if targetRef == "" {
		fields["target"] = "is required"
	}
	if len(fields) > 0 {
		return nil, errors.NewValidationError("discover", fields)
	}

	req := &Request{SourceRef: sourceRef, TargetRef: targetRef}

	var err error
	if req.SourceDocument, req.Source, err = loadDocument(ctx, sourceRef); err != nil {
		return nil, errors.NewValidationError("discover", map[string]string{"source": err.Error()})
	}
	if req.TargetDocument, req.Target, err = loadDocument(ctx, targetRef); err != nil {
		return nil, errors.NewValidationError("discover", map[string]string{"target": err.Error()})
	}
	return req, nil
}

func loadDocument(ctx context.Context, ref string) ([]byte, *openapi.Description, error) {
	data, err := openapi.Fetch(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	desc, err := openapi.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return data, desc, nil
}
