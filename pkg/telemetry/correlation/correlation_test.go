package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationIDKeepsCallerValue(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), " req-abc ")

	ctx, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "req-abc", id)
	assert.Equal(t, "req-abc", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGeneratesULID(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())

	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)
	assert.Equal(t, id, ExtractCorrelationID(ctx))
}

func TestContextWithCorrelationIDRejectsOversizedValues(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), strings.Repeat("x", maxLength+1))
	assert.Empty(t, ExtractCorrelationID(ctx))
}
