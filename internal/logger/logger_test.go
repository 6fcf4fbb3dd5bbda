package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWithWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Info("visible", "k", "v")
	var entry map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestNewWithWriterDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, true)

	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSafeKeySuffix(t *testing.T) {
	assert.Equal(t, "6789", SafeKeySuffix("sk-123456789"))
	assert.Equal(t, "abc", SafeKeySuffix("abc"))
	assert.Equal(t, "", SafeKeySuffix(""))
}
