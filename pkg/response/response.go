package response

import (
	"errors"

	"github.com/fatflowers/tokenbill/pkg/apperr"
)

// Generic response envelope
type APIResponseCode int

const (
	APIResponseCodeOK                   APIResponseCode = 0
	APIResponseCodeBadRequest           APIResponseCode = 40000
	APIResponseCodeUnauthorized         APIResponseCode = 40100
	APIResponseCodeInsufficientResource APIResponseCode = 40200
	APIResponseCodeNotFound             APIResponseCode = 40400
	APIResponseCodeConflict             APIResponseCode = 40900
	APIResponseCodeInvalidState         APIResponseCode = 42200
	APIResponseCodeError                APIResponseCode = 50000
)

var codeToMsg = map[APIResponseCode]string{
	APIResponseCodeOK:                   "ok",
	APIResponseCodeBadRequest:           "bad request",
	APIResponseCodeUnauthorized:         "unauthorized",
	APIResponseCodeInsufficientResource: "insufficient resource",
	APIResponseCodeNotFound:             "not found",
	APIResponseCodeConflict:             "conflict",
	APIResponseCodeInvalidState:         "invalid state",
	APIResponseCodeError:                "unexpected error",
}

// APIResponse is the generic response envelope used by HTTP APIs.
// Use OKT / ErrorT helpers to construct instances.
type APIResponse[T any] struct {
	Code    APIResponseCode `json:"code"`
	Message string          `json:"message"`
	Data    T               `json:"data"`
}

// OKT returns a successful response with data.
func OKT[T any](data T) *APIResponse[T] {
	return &APIResponse[T]{Code: APIResponseCodeOK, Message: codeToMsg[APIResponseCodeOK], Data: data}
}

// ErrorT returns an error response with message and optional data.
func ErrorT[T any](code APIResponseCode, data T) *APIResponse[T] {
	return &APIResponse[T]{Code: code, Message: codeToMsg[code], Data: data}
}

// CodeOf maps an error kind from pkg/apperr to its response code.
func CodeOf(err error) APIResponseCode {
	switch {
	case err == nil:
		return APIResponseCodeOK
	case errors.Is(err, apperr.ErrBadRequest):
		return APIResponseCodeBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return APIResponseCodeNotFound
	case errors.Is(err, apperr.ErrConflict):
		return APIResponseCodeConflict
	case errors.Is(err, apperr.ErrInvalidState):
		return APIResponseCodeInvalidState
	case errors.Is(err, apperr.ErrInsufficientResource):
		return APIResponseCodeInsufficientResource
	default:
		return APIResponseCodeError
	}
}

// FromError builds an error envelope whose data is the error text.
func FromError(err error) *APIResponse[any] {
	return ErrorT[any](CodeOf(err), err.Error())
}
