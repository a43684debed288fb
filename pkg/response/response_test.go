package response

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fatflowers/tokenbill/pkg/apperr"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want APIResponseCode
	}{
		{nil, APIResponseCodeOK},
		{apperr.BadRequest("x"), APIResponseCodeBadRequest},
		{fmt.Errorf("get: %w", apperr.NotFound("plan")), APIResponseCodeNotFound},
		{apperr.Conflict("dup"), APIResponseCodeConflict},
		{apperr.InvalidState("draft"), APIResponseCodeInvalidState},
		{apperr.Insufficient("balance"), APIResponseCodeInsufficientResource},
		{errors.New("db down"), APIResponseCodeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err))
	}
}

func TestFromError(t *testing.T) {
	r := FromError(apperr.Insufficient("insufficient token balance"))
	assert.Equal(t, APIResponseCodeInsufficientResource, r.Code)
	assert.Equal(t, "insufficient resource", r.Message)
	assert.Contains(t, r.Data, "insufficient token balance")
}
