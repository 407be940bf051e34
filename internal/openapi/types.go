// Package openapi loads OpenAPI 3.x and Swagger 2.0 documents into the
// reduced, order-preserving Description model used by mapping discovery.
package openapi

import "strings"

// Description is the matcher's view of an API document. Paths, operations,
// schemas and properties keep their declaration order.
type Description struct {
	Title   string
	Version string
	Spec    string // "openapi 3.1.0", "swagger 2.0"
	Servers []string
	Paths   []PathItem
	Schemas []Schema
}

// PathItem is a declared path with its operations.
type PathItem struct {
	Path       string
	Operations []Operation
}

// Operation is a single HTTP method on a path.
type Operation struct {
	Method      string // upper case
	OperationID string
	Summary     string
	Description string
	Parameters  []Parameter
}

// Parameter is an operation parameter.
type Parameter struct {
	Name     string
	In       string // query, header, path, cookie, body, formData
	Type     string
	Required bool
}

// Schema is a named data type.
type Schema struct {
	Name       string
	Type       string
	Properties []Property
}

// Property is a named field of a Schema.
type Property struct {
	Name   string
	Type   string
	Format string
	Ref    string // referenced schema name, if any
}

// FindPath returns the path item declared for path.
func (d *Description) FindPath(path string) (*PathItem, bool) {
	for i := range d.Paths {
		if d.Paths[i].Path == path {
			return &d.Paths[i], true
		}
	}
	return nil, false
}

// FindSchema returns the schema named name.
func (d *Description) FindSchema(name string) (*Schema, bool) {
	for i := range d.Schemas {
		if d.Schemas[i].Name == name {
			return &d.Schemas[i], true
		}
	}
	return nil, false
}

// OperationCount returns the number of operations across all paths.
func (d *Description) OperationCount() int {
	n := 0
	for _, p := range d.Paths {
		n += len(p.Operations)
	}
	return n
}

// Operation returns the operation declared for method.
func (p *PathItem) Operation(method string) (*Operation, bool) {
	method = strings.ToUpper(method)
	for i := range p.Operations {
		if p.Operations[i].Method == method {
			return &p.Operations[i], true
		}
	}
	return nil, false
}
