package model

import (
	"errors"
	"fmt"
)

// Code classifies an engine failure. Codes double as the machine-readable
// error code in API responses.
type Code string

const (
	CodeNotAuthenticated   Code = "NOT_AUTHENTICATED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAmbiguousMatch     Code = "AMBIGUOUS_MATCH"
	CodeDuplicateRequest   Code = "DUPLICATE_REQUEST"
	CodeSelfRequest        Code = "SELF_REQUEST"
	CodeAlreadyResolved    Code = "ALREADY_RESOLVED"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeEmptyContent       Code = "EMPTY_CONTENT"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeEmailTaken         Code = "EMAIL_TAKEN"
	CodeHandleTaken        Code = "HANDLE_TAKEN"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeInvalidToken       Code = "INVALID_TOKEN"
)

// Error is the typed result every engine operation fails with. Two errors
// match under errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotAuthenticated   = &Error{Code: CodeNotAuthenticated, Message: "no authenticated user"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAmbiguousMatch     = &Error{Code: CodeAmbiguousMatch, Message: "more than one user matches"}
	ErrDuplicateRequest   = &Error{Code: CodeDuplicateRequest, Message: "friend request already pending"}
	ErrSelfRequest        = &Error{Code: CodeSelfRequest, Message: "cannot send a friend request to yourself"}
	ErrAlreadyResolved    = &Error{Code: CodeAlreadyResolved, Message: "friend request already resolved"}
	ErrStoreUnavailable   = &Error{Code: CodeStoreUnavailable, Message: "document store unavailable"}
	ErrEmptyContent       = &Error{Code: CodeEmptyContent, Message: "message content is empty"}
	ErrEmailTaken         = &Error{Code: CodeEmailTaken, Message: "email already registered"}
	ErrHandleTaken        = &Error{Code: CodeHandleTaken, Message: "handle already taken"}
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: "invalid email or password"}

	ErrInvalidVerificationToken = &Error{Code: CodeInvalidToken, Message: "invalid or expired verification token"}
)

// NewError builds an error of the given code with a caller-specific message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a transport or backend failure as STORE_UNAVAILABLE.
func Unavailable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeStoreUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code carried by err, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether replaying the operation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
