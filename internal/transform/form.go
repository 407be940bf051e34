package transform

import (
	"fmt"
	"net/url"
	"strings"
)

// decodeForm keeps pair order; repeated keys become lists.
func decodeForm(data []byte) (any, error) {
	obj := NewObject()
	for _, pair := range strings.Split(strings.TrimSpace(string(data)), "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("form key %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("form value for %q: %w", key, err)
		}
		appendValue(obj, key, val)
	}
	return obj, nil
}

// encodeForm flattens nested objects into dot-separated keys.
func encodeForm(v any) ([]byte, error) {
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("form payload must be an object, got %T", v)
	}

	var parts []string
	writePairs(&parts, "", obj)
	return []byte(strings.Join(parts, "&")), nil
}

func writePairs(parts *[]string, key string, v any) {
	switch t := v.(type) {
	case *Object:
		for _, k := range t.keys {
			name := k
			if key != "" {
				name = key + "." + k
			}
			writePairs(parts, name, t.vals[k])
		}
	case []any:
		for _, item := range t {
			writePairs(parts, key, item)
		}
	default:
		*parts = append(*parts, url.QueryEscape(key)+"="+url.QueryEscape(scalarText(t)))
	}
}
