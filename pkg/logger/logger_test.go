package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With("stream", "s1").Warn("send rejected", "user", "u1", "err", errors.New("muted"))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "send rejected", line["msg"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "s1", line["stream"])
	assert.Equal(t, "u1", line["user"])
	assert.Equal(t, "muted", line["err"])
}

func TestLevelFiltersLowerSeverity(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "text", Output: &buf})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Error("shown", "odd")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "(missing)")
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	l := Nop()
	assert.Same(t, l, OrNop(l))
}
