package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := NotFound("lot %s not found", "L1")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("outer: %w", err)))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestIs(t *testing.T) {
	assert.True(t, Is(Conflict("dup"), CodeConflict))
	assert.False(t, Is(Conflict("dup"), CodeNotFound))
	assert.False(t, Is(nil, CodeConflict))
}

func TestPersistenceUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence(cause, "save record")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PERSISTENCE_FAILURE")
	assert.Equal(t, "save record: connection refused", Message(err))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "item x not found", Message(NotFound("item %s not found", "x")))
	assert.Equal(t, "an unexpected error occurred", Message(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodePartialBatchFailure, http.StatusMultiStatus},
		{CodePersistenceFailure, http.StatusServiceUnavailable},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}
