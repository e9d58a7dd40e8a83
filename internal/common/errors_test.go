package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("get job: %w", ErrNotFound), http.StatusNotFound},
		{NewAppError("VALIDATION_ERROR", "bad", ErrValidation), http.StatusBadRequest},
		{ErrQuotaExceeded, http.StatusTooManyRequests},
		{ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("start: %w", ErrUpstreamSubmission), http.StatusBadGateway},
		{ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestErrorCode_PrefersAppErrorCode(t *testing.T) {
	assert.Equal(t, "CONFIG_ERROR", ErrorCode(NewAppError("CONFIG_ERROR", "x", ErrInvalidInput)))
	assert.Equal(t, "QUOTA_EXCEEDED", ErrorCode(fmt.Errorf("charge: %w", ErrQuotaExceeded)))
	assert.Equal(t, "INTERNAL", ErrorCode(fmt.Errorf("boom")))
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	v.Field("email", "not-an-email", Required, Email).
		Field("name", "", Required).
		Field("tier", "GOLD", OneOf("FREE", "PRO")).
		Field("id", "abc", UUID)

	assert.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 4)
	err := ValidateAndReturnError(v)
	assert.ErrorIs(t, err, ErrValidation)

	ok := NewValidator().Field("email", "a@b.io", Required, Email, Max(64))
	assert.NoError(t, ValidateAndReturnError(ok))

	short := NewValidator().Field("key", "abc", Min(4))
	require.Len(t, short.Errors(), 1)
	assert.Contains(t, short.Errors()[0].Message, "at least 4")
	assert.False(t, NewValidator().Field("key", "ünïc", Min(4)).HasErrors())
}

func TestGRPCStatus(t *testing.T) {
	assert.NoError(t, GRPCStatus(nil))
	assert.Equal(t, codes.ResourceExhausted, status.Code(GRPCStatus(fmt.Errorf("submit: %w", ErrQuotaExceeded))))
	assert.Equal(t, codes.NotFound, status.Code(GRPCStatus(ErrNotFound)))
	assert.Equal(t, codes.Internal, status.Code(GRPCStatus(errors.New("boom"))))

	already := status.Error(codes.Canceled, "gone")
	assert.Equal(t, already, GRPCStatus(already))
}
