package matcher

import (
	"github.com/PentesterFlow/OpenGateway/internal/openapi"
	"github.com/PentesterFlow/OpenGateway/internal/similarity"
)

// EndpointMapping pairs a source operation with a target operation.
type EndpointMapping struct {
	SourcePath     string          `json:"source_path" yaml:"source_path"`
	TargetPath     string          `json:"target_path" yaml:"target_path"`
	SourceMethod   string          `json:"source_method" yaml:"source_method"`
	TargetMethod   string          `json:"target_method" yaml:"target_method"`
	Confidence     float64         `json:"confidence" yaml:"confidence"`
	Scores         OperationScores `json:"scores" yaml:"scores"`
	MethodMismatch bool            `json:"method_mismatch,omitempty" yaml:"method_mismatch,omitempty"`
}

// OperationScores holds the sub-scores of an operation pairing.
type OperationScores struct {
	Path        float64 `json:"path" yaml:"path"`
	Description float64 `json:"description" yaml:"description"`
	Parameter   float64 `json:"parameter" yaml:"parameter"`
	Method      float64 `json:"method" yaml:"method"`
}

// Confidence combines the operation sub-scores. The path score selects the
// target path and does not contribute.
func (s OperationScores) Confidence() float64 {
	return (s.Description + s.Parameter) / 2 * s.Method
}

// ParameterScore holds the sub-scores of a parameter comparison.
type ParameterScore struct {
	Name      float64
	InMatch   bool
	TypeMatch bool
}

// Similar reports whether the compared parameters count as the same input.
func (s ParameterScore) Similar() bool {
	return s.Name > SimilarityThreshold && s.InMatch && s.TypeMatch
}

// ScoreParameter compares two parameters.
func ScoreParameter(source, target openapi.Parameter) ParameterScore {
	return ParameterScore{
		Name:      similarity.NameSimilarity(source.Name, target.Name),
		InMatch:   source.In == target.In,
		TypeMatch: source.Type == target.Type,
	}
}

// DescriptionScore compares operation descriptions, falling back to the
// summaries when neither side has a description.
func DescriptionScore(source, target *openapi.Operation) float64 {
	if source.Description == "" && target.Description == "" {
		return similarity.Similarity(source.Summary, target.Summary)
	}
	return similarity.Similarity(source.Description, target.Description)
}

// ParameterMatchScore is the share of source parameters with a similar
// target parameter, relative to the larger parameter list. An operation
// without parameters scores 1.
func ParameterMatchScore(source, target *openapi.Operation) float64 {
	if len(source.Parameters) == 0 {
		return 1
	}

	matches := 0
	for _, sp := range source.Parameters {
		for _, tp := range target.Parameters {
			if ScoreParameter(sp, tp).Similar() {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(max(len(source.Parameters), len(target.Parameters)))
}

// ScoreOperation computes the description, parameter and method sub-scores
// for an operation pair.
func ScoreOperation(source, target *openapi.Operation) OperationScores {
	if source == nil || target == nil {
		return OperationScores{}
	}

	method := 1.0
	if source.Method != target.Method {
		method = MethodMismatchPenalty
	}

	return OperationScores{
		Description: DescriptionScore(source, target),
		Parameter:   ParameterMatchScore(source, target),
		Method:      method,
	}
}

// SelectOperation picks the target operation for a source operation: the
// operation with the same method when declared, otherwise the first declared
// operation. The boolean reports a method mismatch.
func SelectOperation(source *openapi.Operation, target *openapi.PathItem) (*openapi.Operation, bool) {
	if len(target.Operations) == 0 {
		return nil, false
	}
	if op, ok := target.Operation(source.Method); ok {
		return op, false
	}
	return &target.Operations[0], true
}

// MatchEndpoints pairs every source path with the most similar target path
// and every operation on it with a target operation. Ties keep the earliest
// declared target path.
func MatchEndpoints(source, target []openapi.PathItem) []EndpointMapping {
	if len(target) == 0 {
		return nil
	}

	var result []EndpointMapping
	for i := range source {
		sp := &source[i]

		best := 0
		bestScore := similarity.PathSimilarity(sp.Path, target[0].Path)
		for j := 1; j < len(target); j++ {
			if score := similarity.PathSimilarity(sp.Path, target[j].Path); score > bestScore {
				best = j
				bestScore = score
			}
		}
		tp := &target[best]

		for k := range sp.Operations {
			sop := &sp.Operations[k]
			top, mismatch := SelectOperation(sop, tp)
			if top == nil {
				continue
			}

			scores := ScoreOperation(sop, top)
			scores.Path = bestScore
			result = append(result, EndpointMapping{
				SourcePath:     sp.Path,
				TargetPath:     tp.Path,
				SourceMethod:   sop.Method,
				TargetMethod:   top.Method,
				Confidence:     scores.Confidence(),
				Scores:         scores,
				MethodMismatch: mismatch,
			})
		}
	}
	return result
}
