// Package output renders discovery reports and mapping lists.
package output

import (
	"fmt"
	"io"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
)

// Formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteReport writes a discovery report
	WriteReport(report *discovery.Report) error

	// WriteMappings writes a list of mappings
	WriteMappings(mappings []mapping.ApiMapping) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format string
	Pretty bool
	// Stream writes one JSON document per mapping.
	Stream bool
}

// NewWriter creates a new output writer. The empty format is a table.
func NewWriter(w io.Writer, config Config) (Writer, error) {
	switch config.Format {
	case FormatTable, "":
		return NewTableWriter(w), nil
	case FormatJSON:
		return NewJSONWriter(w, config.Pretty, config.Stream), nil
	case FormatYAML:
		return NewYAMLWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", config.Format)
	}
}

// closeUnderlying closes w when it is a Closer.
func closeUnderlying(w io.Writer) error {
	if closer, ok := w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// flushUnderlying flushes w when it buffers.
func flushUnderlying(w io.Writer) error {
	if flusher, ok := w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
