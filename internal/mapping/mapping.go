// Package mapping holds the curated request mappings the gateway executes.
package mapping

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/transform"
)

// ApiMapping routes one source endpoint and method onto a backend
// endpoint, with the renames applied on the way.
type ApiMapping struct {
	SourceEndpoint    string            `json:"source_endpoint" yaml:"source_endpoint"`
	TargetEndpoint    string            `json:"target_endpoint" yaml:"target_endpoint"`
	SourceMethod      string            `json:"source_method" yaml:"source_method"`
	TargetMethod      string            `json:"target_method" yaml:"target_method"`
	HeaderMappings    map[string]string `json:"header_mappings,omitempty" yaml:"header_mappings,omitempty"`
	QueryMappings     map[string]string `json:"query_mappings,omitempty" yaml:"query_mappings,omitempty"`
	BodyFieldMappings map[string]string `json:"body_field_mappings,omitempty" yaml:"body_field_mappings,omitempty"`
	RequiredFields    []string          `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	SourceFormat      string            `json:"source_format,omitempty" yaml:"source_format,omitempty"`
	TargetFormat      string            `json:"target_format,omitempty" yaml:"target_format,omitempty"`
	// Confidence is set on mappings promoted from discovery.
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// Key returns the store key of the mapping.
func (m ApiMapping) Key() string {
	return Key(m.SourceMethod, m.SourceEndpoint)
}

// Key builds the store key for a method and endpoint: upper-case method
// and lower-case endpoint joined by a colon.
func Key(method, endpoint string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + ":" + strings.ToLower(strings.TrimSpace(endpoint))
}

// Normalize fills defaults: methods are upper-cased, the target method
// defaults to the source method and formats default to json.
func (m ApiMapping) Normalize() ApiMapping {
	m.SourceEndpoint = strings.TrimSpace(m.SourceEndpoint)
	m.TargetEndpoint = strings.TrimSpace(m.TargetEndpoint)
	m.SourceMethod = strings.ToUpper(strings.TrimSpace(m.SourceMethod))
	m.TargetMethod = strings.ToUpper(strings.TrimSpace(m.TargetMethod))
	if m.TargetMethod == "" {
		m.TargetMethod = m.SourceMethod
	}
	m.SourceFormat = strings.ToLower(strings.TrimSpace(m.SourceFormat))
	if m.SourceFormat == "" {
		m.SourceFormat = string(transform.JSON)
	}
	m.TargetFormat = strings.ToLower(strings.TrimSpace(m.TargetFormat))
	if m.TargetFormat == "" {
		m.TargetFormat = string(transform.JSON)
	}
	return m
}

// Clone returns a deep copy.
func (m ApiMapping) Clone() ApiMapping {
	m.HeaderMappings = cloneMap(m.HeaderMappings)
	m.QueryMappings = cloneMap(m.QueryMappings)
	m.BodyFieldMappings = cloneMap(m.BodyFieldMappings)
	if m.RequiredFields != nil {
		m.RequiredFields = append([]string(nil), m.RequiredFields...)
	}
	return m
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Validate checks a normalized mapping and reports every offending field.
func Validate(m ApiMapping) error {
	fields := make(map[string]string)

	if !strings.HasPrefix(m.SourceEndpoint, "/") {
		fields["source_endpoint"] = "must start with /"
	}

	if u, err := url.Parse(m.TargetEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fields["target_endpoint"] = "must be an absolute http(s) URL"
	}

	if !knownMethods[m.SourceMethod] {
		fields["source_method"] = "unknown HTTP method " + quote(m.SourceMethod)
	}
	if !knownMethods[m.TargetMethod] {
		fields["target_method"] = "unknown HTTP method " + quote(m.TargetMethod)
	}

	if !transform.Supported(m.SourceFormat) {
		fields["source_format"] = "unsupported format " + quote(m.SourceFormat)
	}
	if !transform.Supported(m.TargetFormat) {
		fields["target_format"] = "unsupported format " + quote(m.TargetFormat)
	}

	for from, to := range m.HeaderMappings {
		if !httpguts.ValidHeaderFieldName(from) || !httpguts.ValidHeaderFieldName(to) {
			fields["header_mappings"] = "invalid header name in " + quote(from) + " -> " + quote(to)
			break
		}
	}

	for from, to := range m.QueryMappings {
		if from == "" || to == "" {
			fields["query_mappings"] = "empty parameter name"
			break
		}
	}

	for from, to := range m.BodyFieldMappings {
		if from == "" || to == "" {
			fields["body_field_mappings"] = "empty field name"
			break
		}
	}

	for _, f := range m.RequiredFields {
		if strings.TrimSpace(f) == "" {
			fields["required_fields"] = "empty field name"
			break
		}
	}

	if len(fields) > 0 {
		return errors.NewValidationError("validate_mapping", fields)
	}
	return nil
}

func quote(s string) string {
	return `"` + s + `"`
}
