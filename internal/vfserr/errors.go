// Package vfserr defines the error taxonomy shared by every layer of the VFS.
// Each error carries a Kind for control flow and a stable short Code that
// upper layers map to user-visible messages.
package vfserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindConflict
	KindDatabase
	KindIO
	KindPool
	KindSerialization
	KindHashCollision
	KindModel
	KindRefCount
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindNotFound:        "not_found",
	KindAlreadyExists:   "already_exists",
	KindInvalidArgument: "invalid_argument",
	KindConflict:        "conflict",
	KindDatabase:        "database",
	KindIO:              "io",
	KindPool:            "pool",
	KindSerialization:   "serialization",
	KindHashCollision:   "hash_collision",
	KindModel:           "model",
	KindRefCount:        "ref_count",
	KindInvalidState:    "invalid_state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the concrete error type returned by VFS components.
type Error struct {
	Kind Kind
	// Code is a stable identifier such as "folder_depth_limit".
	Code string
	// Op names the failing operation, e.g. "blob.put".
	Op string
	// Key identifies the entity involved (resource id, hash, folder id).
	Key     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match when target is an *Error with the same Kind and, if set, the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrMaintenance     = &Error{Kind: KindPool, Code: CodeMaintenance}
)

// Stable codes used across packages.
const (
	CodeNotFound          = "not_found"
	CodeAlreadyExists     = "already_exists"
	CodeInvalidArgument   = "invalid_argument"
	CodeConflict          = "resource_conflict"
	CodeDatabase          = "database_error"
	CodeIO                = "io_error"
	CodeMaintenance       = "db_maintenance"
	CodeSerialization     = "serialization_error"
	CodeHashCollision     = "hash_collision"
	CodeModel             = "model_error"
	CodeRefCount          = "refcount_breach"
	CodeInvalidTransition = "invalid_transition"
	CodeFolderDepth       = "folder_depth_limit"
	CodeFolderCount       = "folder_count_limit"
	CodeFolderCycle       = "folder_cycle"
	CodeFolderNotEmpty    = "folder_not_empty"
	CodeItemTypeMismatch  = "item_type_mismatch"
	CodeBlobTooLarge      = "blob_too_large"
)

// New builds an error of the given kind.
func New(kind Kind, code, op, message string) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(kind Kind, code, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and code to cause. A nil cause yields nil.
func Wrap(kind Kind, code, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Op: op, Cause: cause}
}

// NotFound reports a missing entity identified by key.
func NotFound(op, key string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Op: op, Key: key, Message: fmt.Sprintf("%s not found", key)}
}

// AlreadyExists reports a uniqueness violation on key.
func AlreadyExists(op, key, message string) *Error {
	return &Error{Kind: KindAlreadyExists, Code: CodeAlreadyExists, Op: op, Key: key, Message: message}
}

// Invalid reports a validation failure.
func Invalid(op, code, message string) *Error {
	if code == "" {
		code = CodeInvalidArgument
	}
	return &Error{Kind: KindInvalidArgument, Code: code, Op: op, Message: message}
}

// Conflict reports an optimistic-concurrency mismatch on key.
func Conflict(op, key, message string) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Op: op, Key: key, Message: message}
}

// Database wraps a database/sql failure.
func Database(op string, cause error) error {
	return Wrap(KindDatabase, CodeDatabase, op, cause)
}

// IO wraps a filesystem failure.
func IO(op string, cause error) error {
	return Wrap(KindIO, CodeIO, op, cause)
}

// Serialization wraps an encode/decode failure.
func Serialization(op string, cause error) error {
	return Wrap(KindSerialization, CodeSerialization, op, cause)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an infrastructure error may succeed on retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDatabase, KindIO, KindPool:
		return true
	default:
		return false
	}
}
