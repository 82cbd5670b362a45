package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo("applier", &buf)

	logger.Info("credit applied",
		"event_id", "polar_benefit_grant:abc",
		"amount", 20,
		"err", errors.New("boom"),
		"took", 150*time.Millisecond,
	)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "applier", record["component"])
	assert.Equal(t, "credit applied", record["message"])
	assert.Equal(t, "polar_benefit_grant:abc", record["event_id"])
	assert.Equal(t, float64(20), record["amount"])
	assert.Equal(t, "boom", record["err"])
}

func TestLoggerDropsDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo("refill", &buf)

	logger.Warn("odd keyvals", "user_id")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, present := record["user_id"]
	assert.False(t, present)
}
