// Package veloxerr provides the single error taxonomy used across the
// transactional object store. Every public engine operation that fails
// returns a *DBError so callers can switch on Kind without parsing strings.
//
// What: a kind enum plus contextual fields (object id, class, property).
// How: fmt.Errorf-style wrapping so errors.Is/errors.As work against the
//      sentinel Kind values, mirroring the %w idiom used throughout the
//      storage layer this package grew out of.
// Why: the engine guarantees atomic all-or-nothing transactions; a caller
//      needs to distinguish "retry me" (Conflict) from "your data is wrong"
//      (UniquenessConstraint) from "the engine is broken" (fatal, panics).
package veloxerr

import (
	"errors"
	"fmt"
)

// Kind classifies a DBError without requiring string matching.
type Kind int

const (
	KindUnknown Kind = iota

	// Structural
	KindDatabaseDisposed
	KindDatabaseBusy
	KindMissingPersistence
	KindInvalidModelVersion
	KindConcurrentConfigUpdate
	KindLogCountLimit
	KindInvalidLogName
	KindNonUniqueLogName
	KindInvalidLogDirectory

	// Transactional
	KindConflict
	KindReadTranWriteAttempt
	KindCommitOfClosedTransaction
	KindTransactionCanceled
	KindUnavailableCommitResult

	// Data-integrity
	KindZeroID
	KindNonUniqueID
	KindUpdateOfNonexistent
	KindNonexistentDelete
	KindUniquenessConstraint
	KindNullReferenceNotAllowed
	KindUnknownReference
	KindInverseReferenceNotTracked
	KindAbstractClassWrite
	KindIndexConflict
	KindIndexPropertyWrongType
	KindUnknownIndex
	KindUnknownClass
	KindTransactionNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindDatabaseDisposed:
		return "database-disposed"
	case KindDatabaseBusy:
		return "database-busy"
	case KindMissingPersistence:
		return "missing-persistence"
	case KindInvalidModelVersion:
		return "invalid-model-version"
	case KindConcurrentConfigUpdate:
		return "concurrent-config-update"
	case KindLogCountLimit:
		return "log-count-limit"
	case KindInvalidLogName:
		return "invalid-log-name"
	case KindNonUniqueLogName:
		return "non-unique-log-name"
	case KindInvalidLogDirectory:
		return "invalid-log-directory"
	case KindConflict:
		return "conflict"
	case KindReadTranWriteAttempt:
		return "read-tran-write-attempt"
	case KindCommitOfClosedTransaction:
		return "commit-of-closed-transaction"
	case KindTransactionCanceled:
		return "transaction-canceled"
	case KindUnavailableCommitResult:
		return "unavailable-commit-result"
	case KindZeroID:
		return "zero-id"
	case KindNonUniqueID:
		return "non-unique-id"
	case KindUpdateOfNonexistent:
		return "update-of-nonexistent"
	case KindNonexistentDelete:
		return "nonexistent-delete"
	case KindUniquenessConstraint:
		return "uniqueness-constraint"
	case KindNullReferenceNotAllowed:
		return "null-reference-not-allowed"
	case KindUnknownReference:
		return "unknown-reference"
	case KindInverseReferenceNotTracked:
		return "inverse-reference-not-tracked"
	case KindAbstractClassWrite:
		return "abstract-class-write"
	case KindIndexConflict:
		return "index-conflict"
	case KindIndexPropertyWrongType:
		return "index-property-wrong-type"
	case KindUnknownIndex:
		return "unknown-index"
	case KindUnknownClass:
		return "unknown-class"
	case KindTransactionNotAllowed:
		return "transaction-not-allowed"
	default:
		return "unknown"
	}
}

// DBError is the single user-visible failure type the engine returns.
type DBError struct {
	Kind         Kind
	ObjectID     uint64
	HasObjectID  bool
	ClassName    string
	PropertyName string
	Err          error // wrapped cause, may be nil
}

func (e *DBError) Error() string {
	msg := e.Kind.String()
	if e.ClassName != "" {
		msg += fmt.Sprintf(" class=%s", e.ClassName)
	}
	if e.PropertyName != "" {
		msg += fmt.Sprintf(" property=%s", e.PropertyName)
	}
	if e.HasObjectID {
		msg += fmt.Sprintf(" id=%d", e.ObjectID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DBError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, KindConflict) style checks work by comparing Kind
// against a sentinel wrapped with New(kind, nil).
func (e *DBError) Is(target error) bool {
	var other *DBError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a DBError of the given kind wrapping cause (which may be nil).
func New(kind Kind, cause error) *DBError {
	return &DBError{Kind: kind, Err: cause}
}

// clone copies e so that the With* builders never mutate a shared sentinel
// (ErrConflict and friends are package-level singletons referenced from many
// goroutines at once).
func (e *DBError) clone() *DBError {
	cp := *e
	return &cp
}

// WithObject attaches the object id that triggered the error.
func (e *DBError) WithObject(id uint64) *DBError {
	cp := e.clone()
	cp.ObjectID = id
	cp.HasObjectID = true
	return cp
}

// WithClass attaches the offending class name.
func (e *DBError) WithClass(name string) *DBError {
	cp := e.clone()
	cp.ClassName = name
	return cp
}

// WithProperty attaches the offending property name.
func (e *DBError) WithProperty(name string) *DBError {
	cp := e.clone()
	cp.PropertyName = name
	return cp
}

// Sentinels for the common cases, analogous to mvcc.go's package-level Err*
// values; kept so call sites can do `errors.Is(err, ErrConflict)`.
var (
	ErrConflict                 = New(KindConflict, nil)
	ErrTransactionCanceled      = New(KindTransactionCanceled, nil)
	ErrUnavailableCommitResult  = New(KindUnavailableCommitResult, nil)
	ErrCommitOfClosedTxn        = New(KindCommitOfClosedTransaction, nil)
	ErrReadTranWriteAttempt     = New(KindReadTranWriteAttempt, nil)
	ErrZeroID                   = New(KindZeroID, nil)
	ErrNonUniqueID              = New(KindNonUniqueID, nil)
	ErrUpdateOfNonexistent      = New(KindUpdateOfNonexistent, nil)
	ErrNonexistentDelete        = New(KindNonexistentDelete, nil)
	ErrUniquenessConstraint     = New(KindUniquenessConstraint, nil)
	ErrAbstractClassWrite       = New(KindAbstractClassWrite, nil)
	ErrIndexConflict            = New(KindIndexConflict, nil)
	ErrNullReferenceNotAllowed  = New(KindNullReferenceNotAllowed, nil)
	ErrUnknownReference         = New(KindUnknownReference, nil)
	ErrInverseReferenceNotTrack = New(KindInverseReferenceNotTracked, nil)
	ErrDatabaseDisposed         = New(KindDatabaseDisposed, nil)
	ErrUnknownIndex             = New(KindUnknownIndex, nil)
	ErrUnknownClass             = New(KindUnknownClass, nil)
	ErrTransactionNotAllowed    = New(KindTransactionNotAllowed, nil)
)

// Fatal panics with a diagnostic. Errors raised inside commit finalization
// (after commit-version assignment) or on the alignment/restore path are
// never recoverable: they indicate engine corruption or inconsistent
// upstream input, so the engine crashes fast rather than limping on.
func Fatal(context string, cause error) {
	panic(fmt.Sprintf("veloxdb: fatal engine error during %s: %v", context, cause))
}
