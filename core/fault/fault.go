// Package fault defines the error taxonomy shared by the API tree, the entity
// layer, the RPC dispatcher and the transports.
//
// Every error carries a wire kind (the error_kind field of an RPC error body)
// and a conventional HTTP status code. Transports use Kind and Status to
// translate errors; clients use FromWire to rebuild the typed error.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Wire kinds.
const (
	KindNotFound           = "NotFound"
	KindValidation         = "Validation"
	KindParse              = "Parse"
	KindForbidden          = "Forbidden"
	KindUnsupportedMethod  = "UnsupportedMethod"
	KindNoParser           = "NoParser"
	KindUnparsableResponse = "UnparsableResponse"
	KindInvalidPrefix      = "InvalidPrefix"
	KindInternal           = "Internal"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Kind() string
	StatusCode() int
}

// NotFoundError reports ids that do not exist for a type.
type NotFoundError struct {
	Type   string
	IDs    []string
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s: not found", e.Type)
	}
	return fmt.Sprintf("%s: not found: %s", e.Type, strings.Join(e.IDs, ", "))
}

func (e *NotFoundError) Kind() string    { return KindNotFound }
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// ValidationError reports input that violates a schema.
type ValidationError struct {
	Type   string
	Field  string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Type != "" {
		b.WriteString(e.Type)
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString("field ")
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	switch {
	case e.Detail != "":
		b.WriteString(e.Detail)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("invalid input")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error   { return e.Err }
func (e *ValidationError) Kind() string    { return KindValidation }
func (e *ValidationError) StatusCode() int { return http.StatusUnprocessableEntity }

// ParseError reports a wire value whose shape does not match the target type.
type ParseError struct {
	Type   string
	Value  any
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot parse %T as %s: %s", e.Value, e.Type, e.Detail)
	}
	return fmt.Sprintf("cannot parse %T as %s", e.Value, e.Type)
}

func (e *ParseError) Kind() string    { return KindParse }
func (e *ParseError) StatusCode() int { return http.StatusUnprocessableEntity }

// ForbiddenError reports an access-control predicate that evaluated to false.
type ForbiddenError struct {
	Type      string
	Attribute string
	Op        string
	Detail    string
}

func (e *ForbiddenError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s of %q is forbidden", e.Type, e.Op, e.Attribute)
}

func (e *ForbiddenError) Kind() string    { return KindForbidden }
func (e *ForbiddenError) StatusCode() int { return http.StatusForbidden }

// UnsupportedMethodError reports a dispatch target without the named method.
type UnsupportedMethodError struct {
	Target string
	Method string
	Detail string
}

func (e *UnsupportedMethodError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: unsupported method %q", e.Target, e.Method)
}

func (e *UnsupportedMethodError) Kind() string    { return KindUnsupportedMethod }
func (e *UnsupportedMethodError) StatusCode() int { return http.StatusNotImplemented }

// NoParserError reports a type with no registered converter.
type NoParserError struct {
	Type   string
	Detail string
}

func (e *NoParserError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("no parser registered for %s", e.Type)
}

func (e *NoParserError) Kind() string    { return KindNoParser }
func (e *NoParserError) StatusCode() int { return http.StatusInternalServerError }

// UnparsableResponseError reports a remote response that could not be turned
// into the caller's declared return type.
type UnparsableResponseError struct {
	Type   string
	Err    error
	Detail string
}

func (e *UnparsableResponseError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return fmt.Sprintf("unparsable response for %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("unparsable response for %s", e.Type)
}

func (e *UnparsableResponseError) Unwrap() error   { return e.Err }
func (e *UnparsableResponseError) Kind() string    { return KindUnparsableResponse }
func (e *UnparsableResponseError) StatusCode() int { return http.StatusBadGateway }

// InvalidPrefixError reports a structural mounting conflict.
type InvalidPrefixError struct {
	Prefix string
	Parent string
	Reason string
}

func (e *InvalidPrefixError) Error() string {
	return fmt.Sprintf("invalid prefix %q under %q: %s", e.Prefix, e.Parent, e.Reason)
}

func (e *InvalidPrefixError) Kind() string    { return KindInvalidPrefix }
func (e *InvalidPrefixError) StatusCode() int { return http.StatusInternalServerError }

// RemoteError is an error received over the wire whose kind is not one of
// the kinds above.
type RemoteError struct {
	RemoteKind string
	Status     int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d (%s): %s", e.Status, e.RemoteKind, e.Message)
}

func (e *RemoteError) Kind() string {
	if e.RemoteKind == "" {
		return KindInternal
	}
	return e.RemoteKind
}

func (e *RemoteError) StatusCode() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// Kind returns the wire kind of err, or KindInternal.
func Kind(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindInternal
}

// Status returns the HTTP status code of err, or 500.
func Status(err error) int {
	var c Coded
	if errors.As(err, &c) {
		return c.StatusCode()
	}
	return http.StatusInternalServerError
}

// FromWire rebuilds a typed error from an RPC error body.
func FromWire(kind, message string, status int) error {
	switch kind {
	case KindNotFound:
		return &NotFoundError{Detail: message}
	case KindValidation:
		return &ValidationError{Detail: message}
	case KindParse:
		return &ValidationError{Detail: message, Err: &ParseError{Detail: message}}
	case KindForbidden:
		return &ForbiddenError{Detail: message}
	case KindUnsupportedMethod:
		return &UnsupportedMethodError{Detail: message}
	case KindNoParser:
		return &NoParserError{Detail: message}
	case KindUnparsableResponse:
		return &UnparsableResponseError{Detail: message}
	}
	return &RemoteError{RemoteKind: kind, Status: status, Message: message}
}
