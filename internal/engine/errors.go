package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes.
const (
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeInvalidKey             = "INVALID_KEY"
	CodeKeyRevoked             = "KEY_REVOKED"
	CodeFileNotFound           = "FILE_NOT_FOUND"
	CodeAppendNotFound         = "APPEND_NOT_FOUND"
	CodeWebhookNotFound        = "WEBHOOK_NOT_FOUND"
	CodeAlreadyClaimed         = "ALREADY_CLAIMED"
	CodeFolderAlreadyExists    = "FOLDER_ALREADY_EXISTS"
	CodeFileAlreadyExists      = "FILE_ALREADY_EXISTS"
	CodeCannotRenewOthersClaim = "CANNOT_RENEW_OTHERS_CLAIM"
	CodeCannotCancelOthers     = "CANNOT_CANCEL_OTHERS_CLAIM"
	CodeCannotCancelOthersTask = "CANNOT_CANCEL_OTHERS_TASK"
	CodeClaimExpired           = "CLAIM_EXPIRED"
	CodeTaskAlreadyComplete    = "TASK_ALREADY_COMPLETE"
	CodeTaskCancelled          = "TASK_CANCELLED"
	CodeInternal               = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeInvalidRequest:         http.StatusBadRequest,
	CodeCannotRenewOthersClaim: http.StatusBadRequest,
	CodeCannotCancelOthers:     http.StatusBadRequest,
	CodeCannotCancelOthersTask: http.StatusBadRequest,
	CodeClaimExpired:           http.StatusBadRequest,
	CodeTaskAlreadyComplete:    http.StatusBadRequest,
	CodeTaskCancelled:          http.StatusBadRequest,
	CodeInvalidKey:             http.StatusNotFound,
	CodeKeyRevoked:             http.StatusNotFound,
	CodeFileNotFound:           http.StatusNotFound,
	CodeAppendNotFound:         http.StatusNotFound,
	CodeWebhookNotFound:        http.StatusNotFound,
	CodeAlreadyClaimed:         http.StatusConflict,
	CodeFolderAlreadyExists:    http.StatusConflict,
	CodeFileAlreadyExists:      http.StatusConflict,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is a failure carrying a stable code for clients to branch on.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for the code.
func (e *Error) Status() int {
	if s, ok := codeStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewError builds a coded error for collaborators outside the engine.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the code of err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
