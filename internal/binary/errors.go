package binary

import (
	"errors"
	"fmt"
)

// Code categorizes binary manager errors.
type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"
	CodeCapacityExceeded  Code = "CAPACITY_EXCEEDED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeLoadFailed        Code = "LOAD_FAILED"
	CodeUnresolvedFault   Code = "UNRESOLVED_FAULT"
)

// Error is returned by registry, state machine and coordinator operations.
//
// Index and Name are filled in when the error concerns a specific slot;
// Index is -1 otherwise.
type Error struct {
	Code    Code
	Message string
	Index   int
	Name    string
}

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, Index: -1}
	ErrAlreadyRegistered = &Error{Code: CodeAlreadyRegistered, Index: -1}
	ErrCapacityExceeded  = &Error{Code: CodeCapacityExceeded, Index: -1}
	ErrNotFound          = &Error{Code: CodeNotFound, Index: -1}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Index: -1}
	ErrLoadFailed        = &Error{Code: CodeLoadFailed, Index: -1}
	ErrUnresolvedFault   = &Error{Code: CodeUnresolvedFault, Index: -1}
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("%s: %s (bin=%s)", e.Code, e.Message, e.Name)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return string(e.Code)
	}
}

// Is lets errors.Is match any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Errorf builds an *Error that is not tied to a slot.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Index: -1}
}

// SlotErrorf builds an *Error about the slot at index.
func SlotErrorf(code Code, index int, name, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Index: index, Name: name}
}

// NewTransitionError reports a rejected state change.
func NewTransitionError(index int, name string, cur, from, to State) *Error {
	msg := fmt.Sprintf("%s -> %s not allowed", from, to)
	if cur != from {
		msg = fmt.Sprintf("expected %s, got %s (requested %s -> %s)", from, cur, from, to)
	}
	return &Error{Code: CodeInvalidTransition, Message: msg, Index: index, Name: name}
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
// Uses errors.As to see through wrapping.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransitionError reports whether err is a state machine rejection.
func IsTransitionError(err error) bool {
	return IsCode(err, CodeInvalidTransition)
}
