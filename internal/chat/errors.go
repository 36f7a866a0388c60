package chat

import (
	"errors"
	"fmt"
)

// Code classifies a rejection. Codes travel on the wire inside rejected events.
type Code string

const (
	CodeUnauthorizedUser   Code = "UNAUTHORIZED_USER"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeNotAMember         Code = "NOT_A_MEMBER"
	CodeDuplicateRoom      Code = "DUPLICATE_ROOM"
	CodeInvalidReplyTarget Code = "INVALID_REPLY_TARGET"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInvalidEvent       Code = "INVALID_EVENT"
	CodeInternal           Code = "INTERNAL"
)

// AppError is a constraint violation reported back to the originating connection.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError carrying the same code, so callers can compare
// against the sentinels below with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Constructors
func NewError(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Unauthorized(msg string) error       { return NewError(CodeUnauthorizedUser, msg) }
func Forbidden(msg string) error          { return NewError(CodeForbidden, msg) }
func NotFound(msg string) error           { return NewError(CodeNotFound, msg) }
func NotAMember(msg string) error         { return NewError(CodeNotAMember, msg) }
func DuplicateRoom(msg string) error      { return NewError(CodeDuplicateRoom, msg) }
func InvalidReplyTarget(msg string) error { return NewError(CodeInvalidReplyTarget, msg) }
func RateLimited(msg string) error        { return NewError(CodeRateLimited, msg) }
func InvalidArgument(msg string) error    { return NewError(CodeInvalidArgument, msg) }
func InvalidEvent(msg string) error       { return NewError(CodeInvalidEvent, msg) }

var (
	ErrUnauthorizedUser   = Unauthorized("user is not approved")
	ErrForbidden          = Forbidden("forbidden")
	ErrNotFound           = NotFound("not found")
	ErrNotAMember         = NotAMember("not a member of this room")
	ErrDuplicateRoom      = DuplicateRoom("room already exists")
	ErrInvalidReplyTarget = InvalidReplyTarget("reply target does not exist in this room")
	ErrRateLimited        = RateLimited("too many events, slow down")
)

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal for anything else.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
