package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCapturedOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
		SetRedactPII(true)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := withCapturedOutput(t)

	SetLevel(WARN)
	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")
	Error("error msg")

	out := buf.String()
	assert.NotContains(t, out, "debug msg")
	assert.NotContains(t, out, "info msg")
	assert.Contains(t, out, "warn msg")
	assert.Contains(t, out, "error msg")
}

func TestEntriesAreJSONWithFields(t *testing.T) {
	buf := withCapturedOutput(t)

	Info("batch processed", "count", 42)

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "batch processed", entry["msg"])
	assert.Equal(t, "42", entry["count"])
	assert.NotEmpty(t, entry["time"])
}

func TestRecipientFieldsAreRedacted(t *testing.T) {
	buf := withCapturedOutput(t)

	Info("dispatch failed", "to_email", "john.doe@example.com")

	out := buf.String()
	assert.NotContains(t, out, "john.doe@example.com")
	assert.Contains(t, out, "jo***@example.com")
}

func TestEmbeddedAddressesAreRedacted(t *testing.T) {
	buf := withCapturedOutput(t)

	Info("publish error", "reason", "rejected recipient jane@example.com by policy")

	out := buf.String()
	assert.NotContains(t, out, "jane@example.com")
	assert.Contains(t, out, "ja***@example.com")
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}
