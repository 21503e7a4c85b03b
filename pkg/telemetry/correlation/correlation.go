// Package correlation threads one identifier through every log line, span and
// audit entry produced by a request or a scheduler run.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header carries a caller-supplied correlation id on inbound requests.
const Header = "X-Correlation-Id"

// maxLength bounds caller-supplied ids so they stay safe to log.
const maxLength = 128

type correlationKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID stores id on ctx. Blank or oversized ids are ignored.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID keeps an existing id or generates a ULID, so ids sort
// by creation time.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		return ctx, cid
	}
	cid := NewID()
	return context.WithValue(ctx, correlationKey{}, cid), cid
}

func NewID() string {
	return ulid.Make().String()
}
