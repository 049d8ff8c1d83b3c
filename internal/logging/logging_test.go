package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)

	cacheLog := Component(log, "cache")
	cacheLog.Info().Str("key", "[session, s1]").Msg("fetched")
	log.Debug().Msg("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "cache", line["component"])
	assert.Equal(t, "fetched", line["message"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_DefaultsToWarnConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Writer: &buf})
	require.NoError(t, err)

	log.Info().Msg("quiet")
	assert.Empty(t, buf.String())
	log.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "WRN")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}
