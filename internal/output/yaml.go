package output

import (
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
)

// YAMLWriter writes output in YAML. Mapping lists use the seed file
// layout, so they can be fed back to "mappings add".
type YAMLWriter struct {
	mu     sync.Mutex
	writer io.Writer
	closed bool
}

// NewYAMLWriter creates a new YAML writer.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	return &YAMLWriter{writer: w}
}

func (y *YAMLWriter) encode(v any) error {
	enc := yaml.NewEncoder(y.writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// WriteReport writes the report.
func (y *YAMLWriter) WriteReport(report *discovery.Report) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.encode(report)
}

// WriteMappings writes the mappings under a top-level "mappings" key.
func (y *YAMLWriter) WriteMappings(mappings []mapping.ApiMapping) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil
	}
	return y.encode(mapping.SeedFile{Mappings: mappings})
}

// Flush flushes the writer.
func (y *YAMLWriter) Flush() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return flushUnderlying(y.writer)
}

// Close closes the writer.
func (y *YAMLWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	y.closed = true
	return closeUnderlying(y.writer)
}
