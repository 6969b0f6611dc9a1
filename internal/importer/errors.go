package importer

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies import failures
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindInvalidInput
	KindTooLarge
	KindCSVParse
	KindNoValidMembers
	KindAllDuplicates
	KindRateLimited
	KindStore
	KindNotConfigured
)

var kindCodes = map[Kind]string{
	KindInternal:        "INTERNAL_ERROR",
	KindUnauthenticated: "UNAUTHORIZED",
	KindInvalidInput:    "INVALID_INPUT",
	KindTooLarge:        "IMPORT_TOO_LARGE",
	KindCSVParse:        "CSV_PARSE_ERROR",
	KindNoValidMembers:  "NO_VALID_MEMBERS",
	KindAllDuplicates:   "ALL_DUPLICATES",
	KindRateLimited:     "RATE_LIMITED",
	KindStore:           "DATABASE_ERROR",
	KindNotConfigured:   "NOT_CONFIGURED",
}

// Code returns the stable machine-readable code
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

// HTTPStatus returns the HTTP status for the kind
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidInput, KindTooLarge, KindCSVParse, KindNoValidMembers, KindAllDuplicates:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	return k.Code()
}

// Error is an import failure with a client-facing message
type Error struct {
	Kind       Kind
	Message    string
	Details    any
	RetryAfter int // seconds, rate-limited errors only
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable code of the error
func (e *Error) Code() string {
	return e.Kind.Code()
}

// HTTPStatus returns the HTTP status of the error
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

func newError(kind Kind, message string, details any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func wrapError(kind Kind, message string, err error, details any) *Error {
	return &Error{Kind: kind, Message: message, Details: details, Err: err}
}

// KindOf returns the kind of err, KindInternal for foreign errors
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}
