package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/common/apperrors"
)

func TestDefaultRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()

	spec, err := r.Lookup("msf_command")
	require.NoError(t, err)
	assert.Equal(t, ExecutorMetasploit, spec.Executor)
	assert.True(t, spec.Sequential)

	spec, err = r.Lookup("bash_command")
	require.NoError(t, err)
	assert.Equal(t, ExecutorBash, spec.Executor)
	assert.False(t, spec.Sequential)
}

func TestRegistry_Lookup_Unknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("nonexistent")
	require.Error(t, err)

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeBadRequest, appErr.Code)
}

func TestRegistry_All(t *testing.T) {
	r := DefaultRegistry()
	assert.Len(t, r.All(), 2)
}
