// Package errors provides the structured error type shared by every engine component.
// Codes group into the failure classes the session controller reacts to.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies a failure kind.
type Code int

const (
	ErrCodeUnknown Code = iota
	ErrCodeInternal
	ErrCodeInvalidArgument
	ErrCodeNotFound
	ErrCodeUnavailable
	ErrCodeTimeout
	ErrCodeCancelled
	ErrCodeRateLimited
	ErrCodeDeviceUnavailable
	ErrCodeVADInitFailed
	ErrCodeVADFailed
	ErrCodeDispatchFailed
	ErrCodeFinalizeFailed
	ErrCodeMalformedReply
	ErrCodeSynthesisFailed
	ErrCodePlaybackFailed
	ErrCodeSessionEnded
	ErrCodeSessionActive
	ErrCodeCaseNotFound
	ErrCodeConfigInvalid
)

var codeNames = map[Code]string{
	ErrCodeUnknown:           "UNKNOWN",
	ErrCodeInternal:          "INTERNAL",
	ErrCodeInvalidArgument:   "INVALID_ARGUMENT",
	ErrCodeNotFound:          "NOT_FOUND",
	ErrCodeUnavailable:       "UNAVAILABLE",
	ErrCodeTimeout:           "TIMEOUT",
	ErrCodeCancelled:         "CANCELLED",
	ErrCodeRateLimited:       "RATE_LIMITED",
	ErrCodeDeviceUnavailable: "DEVICE_UNAVAILABLE",
	ErrCodeVADInitFailed:     "VAD_INIT_FAILED",
	ErrCodeVADFailed:         "VAD_FAILED",
	ErrCodeDispatchFailed:    "DISPATCH_FAILED",
	ErrCodeFinalizeFailed:    "FINALIZE_FAILED",
	ErrCodeMalformedReply:    "MALFORMED_REPLY",
	ErrCodeSynthesisFailed:   "SYNTHESIS_FAILED",
	ErrCodePlaybackFailed:    "PLAYBACK_FAILED",
	ErrCodeSessionEnded:      "SESSION_ENDED",
	ErrCodeSessionActive:     "SESSION_ACTIVE",
	ErrCodeCaseNotFound:      "CASE_NOT_FOUND",
	ErrCodeConfigInvalid:     "CONFIG_INVALID",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Category is the recovery class of a failure.
type Category string

const (
	CategoryFatalStartup      Category = "fatal_startup"
	CategoryTransientDispatch Category = "transient_dispatch"
	CategoryTransientFinalize Category = "transient_finalize"
	CategoryMalformedReply    Category = "malformed_reply"
	CategoryReleased          Category = "already_released"
	CategoryOther             Category = "other"
)

var grpcCodeMap = map[Code]codes.Code{
	ErrCodeUnknown:           codes.Unknown,
	ErrCodeInternal:          codes.Internal,
	ErrCodeInvalidArgument:   codes.InvalidArgument,
	ErrCodeNotFound:          codes.NotFound,
	ErrCodeUnavailable:       codes.Unavailable,
	ErrCodeTimeout:           codes.DeadlineExceeded,
	ErrCodeCancelled:         codes.Canceled,
	ErrCodeRateLimited:       codes.ResourceExhausted,
	ErrCodeDeviceUnavailable: codes.Unavailable,
	ErrCodeVADInitFailed:     codes.Unavailable,
	ErrCodeVADFailed:         codes.Internal,
	ErrCodeDispatchFailed:    codes.Unavailable,
	ErrCodeFinalizeFailed:    codes.Unavailable,
	ErrCodeMalformedReply:    codes.Internal,
	ErrCodeSynthesisFailed:   codes.Internal,
	ErrCodePlaybackFailed:    codes.Internal,
	ErrCodeSessionEnded:      codes.FailedPrecondition,
	ErrCodeSessionActive:     codes.AlreadyExists,
	ErrCodeCaseNotFound:      codes.NotFound,
	ErrCodeConfigInvalid:     codes.InvalidArgument,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus lets status.FromError recognise an AppError returned by a handler.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// Category classifies the error for the session controller.
func (e *AppError) Category() Category {
	switch e.Code {
	case ErrCodeDeviceUnavailable, ErrCodeVADInitFailed, ErrCodeConfigInvalid:
		return CategoryFatalStartup
	case ErrCodeDispatchFailed, ErrCodeUnavailable, ErrCodeTimeout, ErrCodeRateLimited:
		return CategoryTransientDispatch
	case ErrCodeFinalizeFailed:
		return CategoryTransientFinalize
	case ErrCodeMalformedReply:
		return CategoryMalformedReply
	case ErrCodeSessionEnded:
		return CategoryReleased
	default:
		return CategoryOther
	}
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError converts a gRPC error into an AppError.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: ErrCodeUnknown, Message: err.Error(), Cause: err}
	}
	return &AppError{Code: grpcToErrorCode(st.Code()), Message: st.Message(), Cause: err}
}

func grpcToErrorCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return ErrCodeInvalidArgument
	case codes.NotFound:
		return ErrCodeNotFound
	case codes.Unavailable:
		return ErrCodeUnavailable
	case codes.DeadlineExceeded:
		return ErrCodeTimeout
	case codes.Canceled:
		return ErrCodeCancelled
	case codes.Internal:
		return ErrCodeInternal
	case codes.ResourceExhausted:
		return ErrCodeRateLimited
	default:
		return ErrCodeUnknown
	}
}

// FromHTTPStatus maps a non-2xx response from a REST collaborator to an AppError.
func FromHTTPStatus(code int, body string) *AppError {
	var c Code
	switch {
	case code == http.StatusTooManyRequests:
		c = ErrCodeRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		c = ErrCodeTimeout
	case code == http.StatusNotFound:
		c = ErrCodeNotFound
	case code >= 500:
		c = ErrCodeUnavailable
	case code >= 400:
		c = ErrCodeInvalidArgument
	default:
		c = ErrCodeUnknown
	}
	e := Newf(c, "http status %d", code)
	if body != "" {
		e.WithMetadata("body", body)
	}
	return e
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code anywhere in its chain.
func IsCode(err error, code Code) bool {
	for err != nil {
		appErr, ok := As(err)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case ErrCodeUnavailable, ErrCodeTimeout, ErrCodeRateLimited, ErrCodeDispatchFailed:
		return true
	default:
		return false
	}
}

// CategoryOf returns the category of err, or CategoryOther for foreign errors.
func CategoryOf(err error) Category {
	if appErr, ok := As(err); ok {
		return appErr.Category()
	}
	return CategoryOther
}
