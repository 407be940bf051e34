package output

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
)

// TableWriter writes aligned columns for terminals.
type TableWriter struct {
	mu     sync.Mutex
	writer io.Writer
	tw     *tabwriter.Writer
	closed bool
}

// NewTableWriter creates a new table writer.
func NewTableWriter(w io.Writer) *TableWriter {
	return &TableWriter{
		writer: w,
		tw:     tabwriter.NewWriter(w, 0, 4, 2, ' ', 0),
	}
}

// WriteReport writes the endpoint and schema analysis followed by the
// candidate list.
func (t *TableWriter) WriteReport(report *discovery.Report) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	fmt.Fprintf(t.tw, "Source: %s\tThreshold: %.2f\n\n", report.Source, report.Threshold)

	fmt.Fprintln(t.tw, "ENDPOINT\tTARGET\tCONFIDENCE\tSTATUS")
	for _, e := range report.Endpoints {
		status := e.Status
		if e.MethodMismatch {
			status += " (method mismatch)"
		}
		fmt.Fprintf(t.tw, "%s %s\t%s %s\t%.3f\t%s\n",
			e.SourceMethod, e.SourcePath, e.TargetMethod, e.TargetPath, e.Confidence, status)
	}
	fmt.Fprintln(t.tw)

	fmt.Fprintln(t.tw, "SCHEMA\tTARGET\tCONFIDENCE\tSTATUS")
	for _, s := range report.Schemas {
		fmt.Fprintf(t.tw, "%s\t%s\t%.3f\t%s\n", s.SourceType, s.TargetType, s.Confidence, s.Status)
	}
	if err := t.tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(t.writer, "\n%d candidates above %.2f\n", len(report.Candidates), report.Threshold)
	for _, c := range report.Candidates {
		fmt.Fprintf(t.writer, "  [%s] %s -> %s\n", c.SourceMethod, c.SourceEndpoint, c.TargetEndpoint)
	}
	return nil
}

// WriteMappings writes one row per mapping.
func (t *TableWriter) WriteMappings(mappings []mapping.ApiMapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	fmt.Fprintln(t.tw, "METHOD\tSOURCE\tTARGET\tFORMATS")
	for _, m := range mappings {
		fmt.Fprintf(t.tw, "%s\t%s\t%s %s\t%s -> %s\n",
			m.SourceMethod, m.SourceEndpoint, m.TargetMethod, m.TargetEndpoint, m.SourceFormat, m.TargetFormat)
	}
	if err := t.tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.writer, "\n%d mappings\n", len(mappings))
	return err
}

// Flush flushes the writer.
func (t *TableWriter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tw.Flush(); err != nil {
		return err
	}
	return flushUnderlying(t.writer)
}

// Close closes the writer.
func (t *TableWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return closeUnderlying(t.writer)
}
