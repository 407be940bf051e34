package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxDocumentSize bounds documents fetched over HTTP.
const maxDocumentSize = 20 * 1024 * 1024

var operationMethods = []string{"get", "put", "post", "delete", "options", "head", "patch", "trace"}

// Load reads a description from a file path or an http(s) URL.
func Load(ctx context.Context, ref string) (*Description, error) {
	data, err := Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Fetch returns the raw document behind a file path or an http(s) URL.
func Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return FetchURL(ctx, ref, nil)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}
	return data, nil
}

// LoadFile reads and parses a description file (JSON or YAML).
func LoadFile(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}
	return Parse(data)
}

// LoadURL fetches and parses a description over HTTP.
func LoadURL(ctx context.Context, url string, client *http.Client) (*Description, error) {
	data, err := FetchURL(ctx, url, client)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// FetchURL downloads a document. A nil client uses a client with a 30
// second timeout.
func FetchURL(ctx context.Context, url string, client *http.Client) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch description: %s returned %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read description body: %w", err)
	}
	return data, nil
}

// Parse parses an OpenAPI 3.x or Swagger 2.0 document.
func Parse(data []byte) (*Description, error) {
	root, err := parseNode(data)
	if err != nil {
		return nil, err
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("description must be an object")
	}

	p := &parser{root: root}
	desc := &Description{}

	switch {
	case p.get(root, "openapi") != nil:
		desc.Spec = "openapi " + scalar(p.get(root, "openapi"))
	case p.get(root, "swagger") != nil:
		desc.Spec = "swagger " + scalar(p.get(root, "swagger"))
	default:
		return nil, fmt.Errorf("missing openapi or swagger version")
	}

	if info := p.get(root, "info"); info != nil {
		desc.Title = scalar(p.get(info, "title"))
		desc.Version = scalar(p.get(info, "version"))
	}

	if servers := p.get(root, "servers"); servers != nil && servers.Kind == yaml.SequenceNode {
		for _, s := range servers.Content {
			if u := scalar(p.get(s, "url")); u != "" {
				desc.Servers = append(desc.Servers, u)
			}
		}
	} else if host := scalar(p.get(root, "host")); host != "" {
		desc.Servers = append(desc.Servers, "https://"+host+scalar(p.get(root, "basePath")))
	}

	if paths := p.get(root, "paths"); paths != nil {
		p.each(paths, func(path string, item *yaml.Node) {
			desc.Paths = append(desc.Paths, p.pathItem(path, item))
		})
	}

	schemas := p.get(p.get(root, "components"), "schemas")
	if schemas == nil {
		schemas = p.get(root, "definitions")
	}
	if schemas != nil {
		p.each(schemas, func(name string, node *yaml.Node) {
			desc.Schemas = append(desc.Schemas, p.schema(name, node))
		})
	}

	return desc, nil
}

// parseNode decodes JSON or YAML into a yaml.Node tree. JSON goes through a
// token decoder so key order and number literals survive unchanged.
func parseNode(data []byte) (*yaml.Node, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("description is empty")
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		node, err := decodeJSONNode(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON description: %w", err)
		}
		return node, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML description: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("description is empty")
	}
	return doc.Content[0], nil
}

func decodeJSONNode(dec *json.Decoder) (*yaml.Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				val, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				node.Content = append(node.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		case '[':
			node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			for dec.More() {
				val, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				node.Content = append(node.Content, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}, nil
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(v.String(), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: v.String()}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(v)}, nil
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// parser walks a document tree and resolves local $ref pointers.
type parser struct {
	root *yaml.Node
}

func (p *parser) get(n *yaml.Node, key string) *yaml.Node {
	n = deref(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return deref(n.Content[i+1])
		}
	}
	return nil
}

func (p *parser) each(n *yaml.Node, fn func(key string, val *yaml.Node)) {
	n = deref(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		fn(n.Content[i].Value, deref(n.Content[i+1]))
	}
}

// resolve follows $ref chains within the document.
func (p *parser) resolve(n *yaml.Node) *yaml.Node {
	for depth := 0; depth < 16; depth++ {
		ref := scalar(p.get(n, "$ref"))
		if ref == "" {
			return n
		}
		target := p.pointer(ref)
		if target == nil {
			return n
		}
		n = target
	}
	return n
}

func (p *parser) pointer(ref string) *yaml.Node {
	if !strings.HasPrefix(ref, "#/") {
		return nil
	}
	node := p.root
	for _, part := range strings.Split(ref[2:], "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		node = p.get(node, part)
		if node == nil {
			return nil
		}
	}
	return node
}

func (p *parser) pathItem(path string, item *yaml.Node) PathItem {
	item = p.resolve(item)
	pi := PathItem{Path: path}
	shared := p.parameters(p.get(item, "parameters"))

	// Operations in declaration order
	p.each(item, func(key string, val *yaml.Node) {
		method := strings.ToLower(key)
		if !isOperationMethod(method) {
			return
		}
		pi.Operations = append(pi.Operations, p.operation(method, val, shared))
	})
	return pi
}

func (p *parser) operation(method string, node *yaml.Node, shared []Parameter) Operation {
	op := Operation{
		Method:      strings.ToUpper(method),
		OperationID: scalar(p.get(node, "operationId")),
		Summary:     scalar(p.get(node, "summary")),
		Description: scalar(p.get(node, "description")),
	}

	own := p.parameters(p.get(node, "parameters"))
	for _, sp := range shared {
		overridden := false
		for _, o := range own {
			if o.Name == sp.Name && o.In == sp.In {
				overridden = true
				break
			}
		}
		if !overridden {
			op.Parameters = append(op.Parameters, sp)
		}
	}
	op.Parameters = append(op.Parameters, own...)
	return op
}

func (p *parser) parameters(n *yaml.Node) []Parameter {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	params := make([]Parameter, 0, len(n.Content))
	for _, raw := range n.Content {
		node := p.resolve(deref(raw))
		param := Parameter{
			Name:     scalar(p.get(node, "name")),
			In:       scalar(p.get(node, "in")),
			Required: scalar(p.get(node, "required")) == "true",
		}
		if t := scalar(p.get(node, "type")); t != "" {
			param.Type = t
		} else if schema := p.get(node, "schema"); schema != nil {
			param.Type = p.schemaType(schema)
		}
		params = append(params, param)
	}
	return params
}

func (p *parser) schemaType(n *yaml.Node) string {
	resolved := p.resolve(n)
	if t := scalar(p.get(resolved, "type")); t != "" {
		return t
	}
	if p.get(resolved, "properties") != nil || scalar(p.get(n, "$ref")) != "" {
		return "object"
	}
	return ""
}

func (p *parser) schema(name string, node *yaml.Node) Schema {
	s := Schema{Name: name, Type: p.schemaType(node)}
	seen := make(map[string]bool)
	p.collectProperties(p.resolve(node), &s, seen, 0)
	return s
}

// collectProperties gathers the schema's own properties and those
// contributed through allOf.
func (p *parser) collectProperties(node *yaml.Node, s *Schema, seen map[string]bool, depth int) {
	if node == nil || depth > 8 {
		return
	}

	p.each(p.get(node, "properties"), func(propName string, propNode *yaml.Node) {
		if seen[propName] {
			return
		}
		seen[propName] = true

		prop := Property{Name: propName}
		if ref := scalar(p.get(propNode, "$ref")); ref != "" {
			prop.Ref = ref[strings.LastIndex(ref, "/")+1:]
		}
		resolved := p.resolve(propNode)
		prop.Type = p.schemaType(propNode)
		prop.Format = scalar(p.get(resolved, "format"))
		s.Properties = append(s.Properties, prop)
	})

	if allOf := p.get(node, "allOf"); allOf != nil && allOf.Kind == yaml.SequenceNode {
		for _, member := range allOf.Content {
			p.collectProperties(p.resolve(deref(member)), s, seen, depth+1)
		}
	}
}

func isOperationMethod(method string) bool {
	for _, m := range operationMethods {
		if m == method {
			return true
		}
	}
	return false
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func scalar(n *yaml.Node) string {
	n = deref(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return ""
	}
	return n.Value
}
