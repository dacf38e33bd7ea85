package apperror

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{PreconditionFailed, http.StatusConflict},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("cancel: %w", New(PreconditionFailed, "job is running"))
	assert.True(t, Is(err, PreconditionFailed))
	assert.False(t, Is(err, NotFound))
	assert.False(t, Is(fmt.Errorf("plain"), PreconditionFailed))
}
