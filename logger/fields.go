package logger

import (
	"context"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Metadata keys set by WithContext.
const (
	TraceIDKey = "traceId"
	SpanIDKey  = "spanId"
)

// fields is the state shared by the console and JSON loggers: the prefix
// chain and the metadata attached with With and WithContext.
type fields struct {
	prefixes []string
	metadata map[string]interface{}
}

func (f fields) clone() fields {
	return fields{prefixes: slices.Clone(f.prefixes), metadata: maps.Clone(f.metadata)}
}

func (f fields) withPrefix(prefix string) fields {
	out := f.clone()
	if !slices.Contains(out.prefixes, prefix) {
		out.prefixes = append(out.prefixes, prefix)
	}
	return out
}

func (f fields) with(kv map[string]interface{}) fields {
	out := f.clone()
	if out.metadata == nil {
		out.metadata = make(map[string]interface{}, len(kv))
	}
	maps.Copy(out.metadata, kv)
	return out
}

func (f fields) withContext(ctx context.Context) fields {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return f
	}
	return f.with(map[string]interface{}{
		TraceIDKey: sc.TraceID().String(),
		SpanIDKey:  sc.SpanID().String(),
	})
}

// component joins the prefixes without their brackets: "[cache] [remote]"
// becomes "cache.remote".
func (f fields) component() string {
	names := make([]string, 0, len(f.prefixes))
	for _, p := range f.prefixes {
		names = append(names, strings.Trim(p, "[]"))
	}
	return strings.Join(names, ".")
}
