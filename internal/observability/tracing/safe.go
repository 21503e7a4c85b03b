package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// sensitiveKeys never leave the process as span attributes.
var sensitiveKeys = map[attribute.Key]struct{}{
	"install_secret": {},
	"signature":      {},
	"authorization":  {},
	"user_hash":      {},
	"license_key":    {},
}

// ExtractContext reads upstream trace headers into ctx.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that could leak credentials or user identifiers.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := sensitiveKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its message with anything after a secret marker
// removed, so recorded span errors never include a header value.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range []string{"secret=", "signature=", "Bearer "} {
		if idx := strings.Index(msg, marker); idx >= 0 {
			msg = msg[:idx] + marker + "[redacted]"
		}
	}
	return errors.New(msg)
}
