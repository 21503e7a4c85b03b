package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeIDFromEnv(t *testing.T) {
	t.Setenv("SNOWFLAKE_NODE_ID", "")
	assert.Equal(t, int64(3), Load().NodeID(3), "unset falls back to the binary default")

	t.Setenv("SNOWFLAKE_NODE_ID", "17")
	assert.Equal(t, int64(17), Load().NodeID(3))

	t.Setenv("SNOWFLAKE_NODE_ID", "0")
	assert.Equal(t, int64(0), Load().NodeID(3), "node 0 is a valid explicit id")

	t.Setenv("SNOWFLAKE_NODE_ID", "not-a-number")
	assert.Equal(t, int64(3), Load().NodeID(3))
}
