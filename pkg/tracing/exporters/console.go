package exporters

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes one JSON line per finished span. It is meant for
// local runs without a collector.
type ConsoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleExporter(out io.Writer) *ConsoleExporter {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleExporter{out: out}
}

type consoleSpan struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMs float64        `json:"duration_ms"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.out)
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := consoleSpan{
			Name:       span.Name(),
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Status:     span.Status().Code.String(),
			Error:      span.Status().Description,
			DurationMs: float64(span.EndTime().Sub(span.StartTime())) / float64(time.Millisecond),
		}
		if span.Parent().IsValid() {
			line.ParentID = span.Parent().SpanID().String()
		}
		if attrs := span.Attributes(); len(attrs) > 0 {
			line.Attributes = make(map[string]any, len(attrs))
			for _, kv := range attrs {
				line.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(context.Context) error {
	return nil
}
