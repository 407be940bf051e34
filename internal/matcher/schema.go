package matcher

import (
	"github.com/PentesterFlow/OpenGateway/internal/openapi"
	"github.com/PentesterFlow/OpenGateway/internal/similarity"
)

// SchemaMapping pairs a source data type with a target data type.
type SchemaMapping struct {
	SourceType       string            `json:"source_type" yaml:"source_type"`
	TargetType       string            `json:"target_type" yaml:"target_type"`
	PropertyMappings map[string]string `json:"property_mappings" yaml:"property_mappings"`
	Confidence       float64           `json:"confidence" yaml:"confidence"`
}

// PropertyScore holds the sub-scores of a property comparison.
type PropertyScore struct {
	Name        float64
	TypeMatch   bool
	FormatMatch bool
}

// Similar reports whether the compared properties count as the same field.
func (s PropertyScore) Similar() bool {
	return s.Name > SimilarityThreshold && s.TypeMatch && s.FormatMatch
}

// ScoreProperty compares two properties. Formats are compatible when either
// side leaves the format unset.
func ScoreProperty(source, target openapi.Property) PropertyScore {
	return PropertyScore{
		Name:        similarity.NameSimilarity(source.Name, target.Name),
		TypeMatch:   source.Type == target.Type,
		FormatMatch: source.Format == "" || target.Format == "" || source.Format == target.Format,
	}
}

// SchemaConfidence is the number of source properties that have a similar
// target property divided by the larger property count.
func SchemaConfidence(source, target *openapi.Schema) float64 {
	if source == nil || target == nil {
		return 0
	}
	denom := max(len(source.Properties), len(target.Properties))
	if denom == 0 {
		return 0
	}

	matches := 0
	for _, sp := range source.Properties {
		for _, tp := range target.Properties {
			if ScoreProperty(sp, tp).Similar() {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(denom)
}

// PropertyMappings maps every source property to its best similar target
// property. Source properties without a similar counterpart are left out.
func PropertyMappings(source, target *openapi.Schema) map[string]string {
	mappings := make(map[string]string)
	if source == nil || target == nil {
		return mappings
	}

	for _, sp := range source.Properties {
		best := -1
		bestScore := 0.0
		for i, tp := range target.Properties {
			score := ScoreProperty(sp, tp)
			if !score.Similar() {
				continue
			}
			if best < 0 || score.Name > bestScore {
				best = i
				bestScore = score.Name
			}
		}
		if best >= 0 {
			mappings[sp.Name] = target.Properties[best].Name
		}
	}
	return mappings
}

// MatchSchemas pairs every source schema with the target schema of highest
// confidence. Ties keep the earliest declared target.
func MatchSchemas(source, target []openapi.Schema) []SchemaMapping {
	if len(target) == 0 {
		return nil
	}

	result := make([]SchemaMapping, 0, len(source))
	for i := range source {
		s := &source[i]
		best := 0
		bestScore := SchemaConfidence(s, &target[0])
		for j := 1; j < len(target); j++ {
			if score := SchemaConfidence(s, &target[j]); score > bestScore {
				best = j
				bestScore = score
			}
		}

		result = append(result, SchemaMapping{
			SourceType:       s.Name,
			TargetType:       target[best].Name,
			PropertyMappings: PropertyMappings(s, &target[best]),
			Confidence:       bestScore,
		})
	}
	return result
}
