package discovery

import (
	"sort"
	"strings"

	"github.com/PentesterFlow/OpenGateway/internal/mapping"
	"github.com/PentesterFlow/OpenGateway/internal/matcher"
)

// DefaultThreshold is the confidence a mapping must exceed to become a
// candidate.
const DefaultThreshold = 0.7

// Status bands.
const (
	StatusExcellent = "Excellent"
	StatusGood      = "Good"
	StatusPossible  = "Possible"
	StatusLow       = "Low"
)

// Status returns the human-readable band of a confidence.
func Status(confidence float64) string {
	switch {
	case confidence > 0.9:
		return StatusExcellent
	case confidence > 0.7:
		return StatusGood
	case confidence > 0.5:
		return StatusPossible
	default:
		return StatusLow
	}
}

// EndpointAnalysis is an endpoint mapping with its status band.
type EndpointAnalysis struct {
	matcher.EndpointMapping `yaml:",inline"`
	Status                  string `json:"status" yaml:"status"`
}

// SchemaAnalysis is a schema mapping with its status band.
type SchemaAnalysis struct {
	matcher.SchemaMapping `yaml:",inline"`
	Status                string `json:"status" yaml:"status"`
}

// Report is the reviewable view of a discovery result.
type Report struct {
	Source     string               `json:"source" yaml:"source"`
	Threshold  float64              `json:"threshold" yaml:"threshold"`
	Endpoints  []EndpointAnalysis   `json:"endpoint_mappings" yaml:"endpoint_mappings"`
	Schemas    []SchemaAnalysis     `json:"schema_mappings" yaml:"schema_mappings"`
	Candidates []mapping.ApiMapping `json:"candidates" yaml:"candidates"`
}

// NewReport sorts the result by confidence, highest first, and lists the
// candidates above threshold. A threshold <= 0 uses DefaultThreshold.
func NewReport(result *Result, threshold float64, targetBaseURL string) *Report {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := &Report{
		Threshold:  threshold,
		Endpoints:  []EndpointAnalysis{},
		Schemas:    []SchemaAnalysis{},
		Candidates: []mapping.ApiMapping{},
	}
	if result == nil {
		return r
	}
	r.Source = result.Source

	for _, em := range result.EndpointMappings {
		r.Endpoints = append(r.Endpoints, EndpointAnalysis{EndpointMapping: em, Status: Status(em.Confidence)})
	}
	sort.SliceStable(r.Endpoints, func(i, j int) bool {
		return r.Endpoints[i].Confidence > r.Endpoints[j].Confidence
	})

	for _, sm := range result.SchemaMappings {
		r.Schemas = append(r.Schemas, SchemaAnalysis{SchemaMapping: sm, Status: Status(sm.Confidence)})
	}
	sort.SliceStable(r.Schemas, func(i, j int) bool {
		return r.Schemas[i].Confidence > r.Schemas[j].Confidence
	})

	if c := Candidates(result, threshold, targetBaseURL); c != nil {
		r.Candidates = c
	}
	return r
}

// Candidates converts endpoint mappings strictly above threshold into
// mapping records. Body field mappings come from the schema mappings above
// threshold; a property claimed by several schemas keeps the target of the
// most confident one. Target paths are resolved against targetBaseURL.
func Candidates(result *Result, threshold float64, targetBaseURL string) []mapping.ApiMapping {
	if result == nil {
		return nil
	}

	fields := bodyFieldMappings(result.SchemaMappings, threshold)
	base := strings.TrimRight(targetBaseURL, "/")

	var out []mapping.ApiMapping
	seen := make(map[string]bool)
	for _, em := range result.EndpointMappings {
		if em.Confidence <= threshold {
			continue
		}

		m := mapping.ApiMapping{
			SourceEndpoint:    em.SourcePath,
			TargetEndpoint:    base + em.TargetPath,
			SourceMethod:      em.SourceMethod,
			TargetMethod:      em.TargetMethod,
			BodyFieldMappings: cloneFields(fields),
			Confidence:        em.Confidence,
		}.Normalize()

		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func bodyFieldMappings(schemas []matcher.SchemaMapping, threshold float64) map[string]string {
	qualifying := make([]matcher.SchemaMapping, 0, len(schemas))
	for _, sm := range schemas {
		if sm.Confidence > threshold {
			qualifying = append(qualifying, sm)
		}
	}
	sort.SliceStable(qualifying, func(i, j int) bool {
		return qualifying[i].Confidence > qualifying[j].Confidence
	})

	fields := make(map[string]string)
	for _, sm := range qualifying {
		for from, to := range sm.PropertyMappings {
			if _, ok := fields[from]; !ok {
				fields[from] = to
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func cloneFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Promote adds candidates to the store. Keys already present are skipped;
// the returned map holds the reason per skipped key.
func Promote(store *mapping.Store, candidates []mapping.ApiMapping) (added []string, skipped map[string]string) {
	skipped = make(map[string]string)
	for _, m := range candidates {
		if err := store.Add(m); err != nil {
			skipped[m.Key()] = err.Error()
			continue
		}
		added = append(added, m.Key())
	}
	return added, skipped
}
