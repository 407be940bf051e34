// Package discovery proposes mappings between two API descriptions.
//
// A Source turns a pair of descriptions into endpoint and schema mappings.
// The built-in Heuristic source runs the fuzzy matchers; the External
// source delegates to an analysis service over HTTP. The Engine loads the
// documents, runs the heuristic and lets a non-empty external answer
// replace it.
package discovery

import (
	"context"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/matcher"
	"github.com/PentesterFlow/OpenGateway/internal/openapi"
)

// Source names.
const (
	SourceHeuristic = "heuristic"
	SourceExternal  = "external"
)

// Request is the input of a discovery run.
type Request struct {
	SourceRef string
	TargetRef string

	// Raw documents as loaded.
	SourceDocument []byte
	TargetDocument []byte

	Source *openapi.Description
	Target *openapi.Description
}

// Result is the output of a discovery run.
type Result struct {
	EndpointMappings []matcher.EndpointMapping `json:"endpoint_mappings" yaml:"endpoint_mappings"`
	SchemaMappings   []matcher.SchemaMapping   `json:"schema_mappings" yaml:"schema_mappings"`
	Source           string                    `json:"source" yaml:"source"`
}

// Empty reports whether the result carries no mappings at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.EndpointMappings) == 0 && len(r.SchemaMappings) == 0)
}

// Source produces mappings for a request.
type Source interface {
	Name() string
	Discover(ctx context.Context, req *Request) (*Result, error)
}

// Heuristic matches endpoints and schemas by name, path and type similarity.
type Heuristic struct{}

// Name implements Source.
func (Heuristic) Name() string { return SourceHeuristic }

// Discover implements Source.
func (Heuristic) Discover(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Source == nil || req.Target == nil {
		return nil, errors.NewValidationError("discover", map[string]string{
			"descriptions": "source and target descriptions are required",
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Categorize(err, "discover")
	}

	return &Result{
		EndpointMappings: matcher.MatchEndpoints(req.Source.Paths, req.Target.Paths),
		SchemaMappings:   matcher.MatchSchemas(req.Source.Schemas, req.Target.Schemas),
		Source:           SourceHeuristic,
	}, nil
}
