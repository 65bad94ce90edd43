package models

import (
	"errors"
	"fmt"
)

// Code is the reason code reported to a client when a request fails
type Code string

const (
	CodeAuthenticationRequired Code = "AuthenticationRequired"
	CodeUserNotFound           Code = "UserNotFound"
	CodeNotAvailable           Code = "NotAvailable"
	CodeBusy                   Code = "Busy"
	CodeInsufficientFunds      Code = "InsufficientFunds"
	CodeInviteNotFound         Code = "InviteNotFound"
	CodeAlreadyResolved        Code = "AlreadyResolved"
	CodePeerDisconnected       Code = "PeerDisconnected"
	CodeStoreUnavailable       Code = "StoreUnavailable"
	CodeSessionNotFound        Code = "SessionNotFound"
	CodeInvalidRole            Code = "InvalidRole"
	CodeInvalidRequest         Code = "InvalidRequest"
)

// Error carries a Code plus an optional cause.
// errors.Is matches any *Error with the same code.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrAuthenticationRequired = &Error{Code: CodeAuthenticationRequired}
	ErrUserNotFound           = &Error{Code: CodeUserNotFound}
	ErrNotAvailable           = &Error{Code: CodeNotAvailable}
	ErrBusy                   = &Error{Code: CodeBusy}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds}
	ErrInviteNotFound         = &Error{Code: CodeInviteNotFound}
	ErrAlreadyResolved        = &Error{Code: CodeAlreadyResolved}
	ErrPeerDisconnected       = &Error{Code: CodePeerDisconnected}
	ErrStoreUnavailable       = &Error{Code: CodeStoreUnavailable}
	ErrSessionNotFound        = &Error{Code: CodeSessionNotFound}
	ErrInvalidRole            = &Error{Code: CodeInvalidRole}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
)

// Errorf builds an *Error with a formatted message
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to a lower-level error
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the code from err, defaulting to StoreUnavailable for
// uncoded failures since those come from collaborators.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreUnavailable
}
