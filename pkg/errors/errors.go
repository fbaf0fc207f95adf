package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures so callers can branch on category instead of message text
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeConfig          ErrorType = "config"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeAmbiguous       ErrorType = "ambiguous"
	ErrorTypePermission      ErrorType = "permission"
	ErrorTypeCgroupWrite     ErrorType = "cgroup_write"
	ErrorTypeStateCorruption ErrorType = "state_corruption"
	ErrorTypePartialBatch    ErrorType = "partial_batch"
	ErrorTypeBusy            ErrorType = "busy"
	ErrorTypeIO              ErrorType = "io"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Input errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewConfigError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, cause)
}

// Target selection errors
func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewAmbiguousError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAmbiguous, message, cause)
}

// Kernel and state errors
func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewCgroupWriteError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCgroupWrite, message, cause)
}

func NewStateCorruptionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStateCorruption, message, cause)
}

func NewPartialBatchError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePartialBatch, message, cause)
}

func NewBusyError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeBusy, message, cause)
}

// System errors
func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// TypeOf returns the type of the outermost DomainError in the chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// ContextValue looks up a context key on the outermost DomainError in the chain
func ContextValue(err error, key string) (interface{}, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Context == nil {
		return nil, false
	}
	v, ok := domainErr.Context[key]
	return v, ok
}

// isType reports whether any branch of err has a DomainError of type t. Every
// error of a multi-error is searched; a DomainError's own cause is not.
func isType(err error, t ErrorType) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *DomainError:
		return e.Type == t
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if isType(inner, t) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return isType(e.Unwrap(), t)
	}
	return false
}

// Error checking helpers
func IsValidationError(err error) bool      { return isType(err, ErrorTypeValidation) }
func IsConfigError(err error) bool          { return isType(err, ErrorTypeConfig) }
func IsNotFoundError(err error) bool        { return isType(err, ErrorTypeNotFound) }
func IsAmbiguousError(err error) bool       { return isType(err, ErrorTypeAmbiguous) }
func IsPermissionError(err error) bool      { return isType(err, ErrorTypePermission) }
func IsCgroupWriteError(err error) bool     { return isType(err, ErrorTypeCgroupWrite) }
func IsStateCorruptionError(err error) bool { return isType(err, ErrorTypeStateCorruption) }
func IsPartialBatchError(err error) bool    { return isType(err, ErrorTypePartialBatch) }
func IsBusyError(err error) bool            { return isType(err, ErrorTypeBusy) }
func IsIOError(err error) bool              { return isType(err, ErrorTypeIO) }
func IsInternalError(err error) bool        { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool       { return isType(err, ErrorTypeCancelled) }

// ErrorCollection aggregates errors of a bulk operation
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
