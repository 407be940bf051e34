// Package transform converts payloads between wire formats and renames
// fields on the way.
package transform

import (
	"bytes"
	"sort"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
)

// Transform decodes payload as sourceFormat, applies fieldMappings and
// encodes the result as targetFormat. Same-format payloads without field
// mappings are returned unchanged, as are empty payloads.
func Transform(payload []byte, sourceFormat, targetFormat string, fieldMappings map[string]string) ([]byte, error) {
	src, err := ParseFormat(sourceFormat)
	if err != nil {
		return nil, err
	}
	dst, err := ParseFormat(targetFormat)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return payload, nil
	}
	if src == dst && len(fieldMappings) == 0 {
		return payload, nil
	}

	v, err := Decode(payload, src)
	if err != nil {
		return nil, err
	}
	if len(fieldMappings) > 0 {
		v = ApplyMappings(v, fieldMappings)
	}
	return Encode(v, dst)
}

// Decode parses payload into the intermediate form.
func Decode(payload []byte, f Format) (any, error) {
	var (
		v   any
		err error
	)
	switch f {
	case JSON:
		v, err = decodeJSON(payload)
	case XML:
		v, err = decodeXML(payload)
	case Form:
		v, err = decodeForm(payload)
	default:
		return nil, errors.NewUnsupportedFormatError("decode", string(f))
	}
	if err != nil {
		return nil, errors.New(errors.Validation, "decode", "malformed "+string(f)+" payload", err)
	}
	return v, nil
}

// Encode writes the intermediate form v as f.
func Encode(v any, f Format) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch f {
	case JSON:
		out, err = encodeJSON(v)
	case XML:
		out, err = encodeXML(v)
	case Form:
		out, err = encodeForm(v)
	default:
		return nil, errors.NewUnsupportedFormatError("encode", string(f))
	}
	if err != nil {
		return nil, errors.New(errors.Validation, "encode", "cannot encode payload as "+string(f), err)
	}
	return out, nil
}

// ApplyMappings renames the top-level keys of v. Keys absent from mappings
// are dropped and source order is kept. A top-level list is mapped element
// by element; scalars pass through.
func ApplyMappings(v any, mappings map[string]string) any {
	switch t := v.(type) {
	case *Object:
		out := NewObject()
		for _, k := range t.keys {
			if to, ok := mappings[k]; ok {
				out.Set(to, t.vals[k])
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = ApplyMappings(item, mappings)
		}
		return out
	default:
		return v
	}
}

// Invert swaps keys and values. When several keys share a value the
// lexically smallest key wins.
func Invert(mappings map[string]string) map[string]string {
	if mappings == nil {
		return nil
	}

	keys := make([]string, 0, len(mappings))
	for k := range mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inverted := make(map[string]string, len(mappings))
	for _, k := range keys {
		if _, seen := inverted[mappings[k]]; !seen {
			inverted[mappings[k]] = k
		}
	}
	return inverted
}
