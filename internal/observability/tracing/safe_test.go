package tracing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/v1/usage/batch"),
		attribute.String("install_secret", "s3cr3t"),
		attribute.String("user_hash", "abc"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorRedacts(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New("verify failed signature=deadbeef:1700000000"))
	assert.Equal(t, "verify failed signature=[redacted]", err.Error())
	assert.Equal(t, "plain", SafeError(errors.New("plain")).Error())
}
