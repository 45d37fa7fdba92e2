package control

import "net/http"

// Kind classifies a request the control surface refused.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
)

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

type Error struct {
	Kind    Kind
	Message string
	Details string
	// ProcessID names the active process that blocked a start.
	ProcessID string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

var (
	errUnauthorized = &Error{Kind: KindAuthorization, Message: "Unauthorized"}
	errForbidden    = &Error{Kind: KindForbidden, Message: "Forbidden"}
	errNotFound     = &Error{Kind: KindNotFound, Message: "Process not found"}
)
