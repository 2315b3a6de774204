package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFound_FormatsResourceAndID(t *testing.T) {
	err := NotFound("container", "cr-1")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Contains(t, err.Error(), "cr-1")
}

func TestValidationError_FormatsField(t *testing.T) {
	err := ValidationError("message_type", "invalid (role, message_type) pair: (user, tool_result)")
	assert.Equal(t, ErrCodeValidationError, err.Code)
	assert.Contains(t, err.Error(), "message_type")
}

func TestWrap_PreservesAppErrorCode(t *testing.T) {
	inner := NotFound("container", "cr-1")
	wrapped := Wrap(inner, "provisioning track")

	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.ErrorIs(t, wrapped, inner)
}

func TestWrap_WrapsPlainErrorAsInternal(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "provisioning track")
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("container", "cr-1")))
	assert.False(t, IsNotFound(BadRequest("bad")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestGetHTTPStatus_DefaultsToInternalServerErrorForPlainErrors(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("container", "cr-1")))
}
