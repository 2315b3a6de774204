package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_DefaultsToInfoOnBadLevel(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "not-a-level", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	assert.NotNil(t, log.Zap())
}

func TestNewLogger_ConsoleAndTextAreAliases(t *testing.T) {
	for _, format := range []string{"console", "text"} {
		log, err := NewLogger(LoggingConfig{Level: "info", Format: format, OutputPath: "stdout"})
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}

func TestLogger_WithContainerRecordID_ScopesFields(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := log.WithContainerRecordID("cr-1")
	assert.Len(t, scoped.fields, 1)
	assert.Equal(t, "container_record_id", scoped.fields[0].Key)
}

func TestLogger_WithTrackID_ScopesFields(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := log.WithTrackID(42)
	assert.Len(t, scoped.fields, 1)
	assert.Equal(t, "track_id", scoped.fields[0].Key)
	assert.EqualValues(t, 42, scoped.fields[0].Integer)
}

func TestLogger_WithError_AddsErrorField(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := log.WithError(errors.New("boom"))
	assert.Len(t, scoped.fields, 1)
	assert.Equal(t, "error", scoped.fields[0].Key)
}

func TestDefault_IsASingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
