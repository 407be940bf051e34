// Package matcher pairs elements of two API descriptions.
//
// Schema matching pairs data types by the share of similar properties.
// Endpoint matching pairs paths by normalized path similarity and then pairs
// operations on the chosen paths. Every confidence is built from named
// sub-scores so each part can be inspected and tested on its own:
//
//   - PropertyScore: name similarity, type equality, format compatibility
//   - ParameterScore: name similarity, location equality, type equality
//   - OperationScores: path, description, parameter and method scores
//
// Operation confidence is ((Description + Parameter) / 2) * Method, where
// Method is 1 for equal HTTP methods and MethodMismatchPenalty otherwise.
package matcher

// SimilarityThreshold is the name score a property or parameter must exceed
// to count as similar.
const SimilarityThreshold = 0.7

// MethodMismatchPenalty scales the confidence of operation pairs whose HTTP
// methods differ.
const MethodMismatchPenalty = 0.5
