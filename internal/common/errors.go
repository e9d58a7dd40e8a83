package common

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Job lifecycle and ledger errors
var (
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrFileTooLarge       = errors.New("file too large for tier")
	ErrUpstreamSubmission = errors.New("extraction service rejected submission")
	ErrUpstreamPoll       = errors.New("extraction service status check failed")
	ErrCursorLoop         = errors.New("pagination cursor repeated")
	ErrMalformedPage      = errors.New("malformed result page")
	ErrPageLimitExceeded  = errors.New("page limit exceeded for tier")
	ErrLedgerContention   = errors.New("ledger update contention")
	ErrAggregationBusy    = errors.New("aggregation claimed by another poller")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps an error chain onto a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrLedgerContention), errors.Is(err, ErrAggregationBusy):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamSubmission), errors.Is(err, ErrUpstreamPoll):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns a stable machine-readable code for an error chain.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return "INVALID_INPUT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrFileTooLarge):
		return "FILE_TOO_LARGE"
	case errors.Is(err, ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, ErrLedgerContention):
		return "LEDGER_CONTENTION"
	case errors.Is(err, ErrUpstreamSubmission):
		return "UPSTREAM_SUBMISSION"
	case errors.Is(err, ErrUpstreamPoll):
		return "UPSTREAM_POLL"
	default:
		return "INTERNAL"
	}
}

// GRPCStatus converts an error chain into a gRPC status error.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation), errors.Is(err, ErrFileTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, ErrQuotaExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, ErrLedgerContention), errors.Is(err, ErrAggregationBusy):
		code = codes.Aborted
	case errors.Is(err, ErrUpstreamSubmission), errors.Is(err, ErrUpstreamPoll):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
