package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satstacker/satstacker/internal/errors"
)

func TestError_HTTPStatusCode(t *testing.T) {
	tests := map[string]struct {
		code errors.Code
		want int
	}{
		"invalid argument":   {errors.CodeInvalidArgument, http.StatusBadRequest},
		"not found":          {errors.CodeNotFound, http.StatusNotFound},
		"already exists":     {errors.CodeAlreadyExists, http.StatusConflict},
		"permission denied":  {errors.CodePermissionDenied, http.StatusForbidden},
		"resource exhausted": {errors.CodeResourceExhausted, http.StatusTooManyRequests},
		"expired":            {errors.CodeExpired, http.StatusGone},
		"provider failure":   {errors.CodeProviderFailure, http.StatusBadGateway},
		"unavailable":        {errors.CodeUnavailable, http.StatusServiceUnavailable},
		"internal":           {errors.CodeInternal, http.StatusInternalServerError},
		"unauthenticated":    {errors.CodeUnauthenticated, http.StatusUnauthorized},
		"unknown code":       {errors.Code(9999), http.StatusInternalServerError},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, errors.New(tt.code).HTTPStatusCode())
		})
	}
}

func TestConvert(t *testing.T) {
	tests := map[string]struct {
		arrange func() error
		assert  func(t *testing.T, e *errors.Error)
	}{
		"coded error passes through": {
			arrange: func() error {
				return errors.New(errors.CodeNotFound, errors.WithMessagef("no such session"))
			},
			assert: func(t *testing.T, e *errors.Error) {
				require.Equal(t, errors.CodeNotFound, e.Code)
				require.Equal(t, "no such session", e.Message)
			},
		},

		"wrapped coded error is unwrapped": {
			arrange: func() error {
				return fmt.Errorf("grading: %w", errors.New(errors.CodeExpired))
			},
			assert: func(t *testing.T, e *errors.Error) {
				require.Equal(t, errors.CodeExpired, e.Code)
			},
		},

		"plain error becomes internal": {
			arrange: func() error {
				return stderrors.New("connection reset")
			},
			assert: func(t *testing.T, e *errors.Error) {
				require.Equal(t, errors.CodeInternal, e.Code)
				require.EqualError(t, e.Unwrap(), "connection reset")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tt.assert(t, errors.Convert(tt.arrange()))
		})
	}
}

func TestError_RetryAfter(t *testing.T) {
	e := errors.New(errors.CodeResourceExhausted, errors.WithRetryAfter(90*time.Second))
	require.Equal(t, 90*time.Second, e.RetryAfter())

	require.Zero(t, errors.New(errors.CodeResourceExhausted).RetryAfter())
}
