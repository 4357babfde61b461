package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType classifies a DomainError
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeIO                ErrorType = "io"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeCancelled         ErrorType = "cancelled"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeConfigRender      ErrorType = "config_render"
	ErrorTypeDirectoryMissing  ErrorType = "directory_missing"
	ErrorTypeSupervisorCommand ErrorType = "supervisor_command"
	ErrorTypeDescriptorMissing ErrorType = "descriptor_missing"
)

// DomainError is the error type returned by all packages of this module
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]string
}

// NewDomainError creates a new domain error of the given type
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(e.Context[k])
		}
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair and returns the same error for chaining
func (e *DomainError) WithContext(key, value string) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

// NewConfigRenderError reports a configuration artifact that could not be rendered or written.
// It always aborts the current application.
func NewConfigRenderError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfigRender, message, cause)
}

// NewDirectoryMissingError reports a directory that is expected to be provisioned by someone else
func NewDirectoryMissingError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDirectoryMissing, message, cause)
}

// NewSupervisorCommandError reports a supervisor invocation that exited unsuccessfully
func NewSupervisorCommandError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSupervisorCommand, message, cause)
}

// NewDescriptorMissingError reports a supervisor group descriptor that does not exist
func NewDescriptorMissingError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDescriptorMissing, message, cause)
}

// IsType reports whether any error in the chain is a DomainError of the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			return false
		}
		if domainErr.Type == errorType {
			return true
		}
		err = domainErr.Cause
	}
	return false
}

// TypeOf returns the type of the outermost DomainError in the chain, or ErrorTypeInternal
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ErrorTypeInternal
}

func IsValidationError(err error) bool { return IsType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool   { return IsType(err, ErrorTypeNotFound) }
func IsIOError(err error) bool         { return IsType(err, ErrorTypeIO) }
func IsInternalError(err error) bool   { return IsType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool  { return IsType(err, ErrorTypeCancelled) }
func IsTimeoutError(err error) bool    { return IsType(err, ErrorTypeTimeout) }

func IsConfigRenderError(err error) bool      { return IsType(err, ErrorTypeConfigRender) }
func IsDirectoryMissingError(err error) bool  { return IsType(err, ErrorTypeDirectoryMissing) }
func IsSupervisorCommandError(err error) bool { return IsType(err, ErrorTypeSupervisorCommand) }
func IsDescriptorMissingError(err error) bool { return IsType(err, ErrorTypeDescriptorMissing) }

// ErrorCollection aggregates independent failures, e.g. one per application
type ErrorCollection struct {
	Errors []error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

// Add appends err, ignoring nil
func (c *ErrorCollection) Add(err error) {
	if err != nil {
		c.Errors = append(c.Errors, err)
	}
}

func (c *ErrorCollection) HasErrors() bool {
	return len(c.Errors) > 0
}

func (c *ErrorCollection) Error() string {
	switch len(c.Errors) {
	case 0:
		return "no errors"
	case 1:
		return c.Errors[0].Error()
	}

	parts := make([]string, 0, len(c.Errors))
	for _, err := range c.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(c.Errors), strings.Join(parts, "; "))
}

// ToError returns nil for an empty collection
func (c *ErrorCollection) ToError() error {
	if !c.HasErrors() {
		return nil
	}
	return c
}
