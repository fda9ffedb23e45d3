package game

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation
	CodeInsufficientPlayers Code = "INSUFFICIENT_PLAYERS"
	CodeConfiguration       Code = "CONFIGURATION_ERROR"
	CodeInvalidPhase        Code = "INVALID_PHASE"
	CodeInvalidDisplayName  Code = "INVALID_DISPLAY_NAME"
	CodeHostTokenMismatch   Code = "HOST_TOKEN_MISMATCH"

	// Conflict
	CodeDuplicateName  Code = "DUPLICATE_NAME"
	CodeAlreadyStarted Code = "ALREADY_STARTED"
	CodeAlreadyEnded   Code = "ALREADY_ENDED"
	CodeExpired        Code = "EXPIRED"
	CodeSessionClosed  Code = "SESSION_CLOSED"
	CodeNotStarted     Code = "NOT_STARTED"

	CodeNotFound          Code = "NOT_FOUND"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
	CodePartialAssignment Code = "PARTIAL_ASSIGNMENT"
)

// Kind groups codes by how a caller should react.
type Kind int

const (
	// KindTransient covers store failures; safe to retry with backoff.
	KindTransient Kind = iota
	// KindValidation is caller-correctable and never retried automatically.
	KindValidation
	// KindConflict means the caller's view is stale; refresh before retrying.
	KindConflict
	// KindNotFound is terminal for the request.
	KindNotFound
	// KindPartialAssignment means some players hold roles and some do not.
	KindPartialAssignment
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPartialAssignment:
		return "partial_assignment"
	default:
		return "transient"
	}
}

// Kind maps a code to its taxonomy bucket.
func (c Code) Kind() Kind {
	switch c {
	case CodeInsufficientPlayers, CodeConfiguration, CodeInvalidPhase,
		CodeInvalidDisplayName, CodeHostTokenMismatch:
		return KindValidation
	case CodeDuplicateName, CodeAlreadyStarted, CodeAlreadyEnded,
		CodeExpired, CodeSessionClosed, CodeNotStarted:
		return KindConflict
	case CodeNotFound:
		return KindNotFound
	case CodePartialAssignment:
		return KindPartialAssignment
	default:
		return KindTransient
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithMetadata creates a domain error carrying extra context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInsufficientPlayers = New(CodeInsufficientPlayers, "minimum 3 players required to start the game")
	ErrConfiguration       = New(CodeConfiguration, "invalid role configuration")
	ErrInvalidPhase        = New(CodeInvalidPhase, "invalid phase")
	ErrInvalidDisplayName  = New(CodeInvalidDisplayName, "invalid display name")
	ErrHostTokenMismatch   = New(CodeHostTokenMismatch, "host token does not match session")
	ErrDuplicateName       = New(CodeDuplicateName, "a player with this name already exists in the game")
	ErrAlreadyStarted      = New(CodeAlreadyStarted, "game has already started")
	ErrAlreadyEnded        = New(CodeAlreadyEnded, "game has already ended")
	ErrExpired             = New(CodeExpired, "game session has expired")
	ErrSessionClosed       = New(CodeSessionClosed, "game session is closed")
	ErrNotStarted          = New(CodeNotStarted, "game has not started")
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrStoreUnavailable    = New(CodeStoreUnavailable, "session store unavailable")
	ErrPartialAssignment   = New(CodePartialAssignment, "role assignment incomplete")
)

// PartialAssignmentError reports a start that left some players without roles.
// Recovery assigns only Unassigned; re-running full assignment is never safe.
type PartialAssignmentError struct {
	SessionID  string
	Unassigned []string
	Cause      error
}

func (e *PartialAssignmentError) Error() string {
	msg := fmt.Sprintf("role assignment incomplete for session %s: %d player(s) unassigned [%s]",
		e.SessionID, len(e.Unassigned), strings.Join(e.Unassigned, ","))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialAssignmentError) Unwrap() error { return e.Cause }

func (e *PartialAssignmentError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodePartialAssignment
}

// KindOf classifies err. Errors outside the taxonomy are transient.
func KindOf(err error) Kind {
	var pe *PartialAssignmentError
	if errors.As(err, &pe) {
		return KindPartialAssignment
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code.Kind()
	}
	return KindTransient
}

// CodeOf extracts the domain code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var pe *PartialAssignmentError
	if errors.As(err, &pe) {
		return CodePartialAssignment
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
