package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
)

// JSONWriter writes output in JSON format.
type JSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	pretty  bool
	stream  bool
	encoder *json.Encoder
	closed  bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	jw := &JSONWriter{
		writer: w,
		pretty: pretty,
		stream: stream,
	}

	jw.encoder = json.NewEncoder(w)
	jw.encoder.SetEscapeHTML(false)
	if pretty && !stream {
		jw.encoder.SetIndent("", "  ")
	}

	return jw
}

// WriteReport writes the report as one document.
func (j *JSONWriter) WriteReport(report *discovery.Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.encoder.Encode(report)
}

// WriteMappings writes the mappings as an array, or one line per mapping
// in stream mode.
func (j *JSONWriter) WriteMappings(mappings []mapping.ApiMapping) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	if !j.stream {
		if mappings == nil {
			mappings = []mapping.ApiMapping{}
		}
		return j.encoder.Encode(mappings)
	}

	for _, m := range mappings {
		if err := j.encoder.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return flushUnderlying(j.writer)
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	return closeUnderlying(j.writer)
}
