package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, zerolog.DebugLevel), "watcher")
	log.Info().Str("address", "0xaaa").Msg("candidate dropped")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "watcher", line["component"])
	assert.Equal(t, "0xaaa", line["address"])
	assert.Equal(t, "candidate dropped", line["message"])
	assert.Contains(t, line, "time")
}

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.log")
	log, closer, err := Setup(path, "warn")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestSetupBadLevel(t *testing.T) {
	_, _, err := Setup("-", "loud")
	assert.Error(t, err)
}
