package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console", Env: "test"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Text "))
	assert.Equal(t, "json", normalizeFormat(""))
	assert.Equal(t, "json", normalizeFormat("json"))
}
