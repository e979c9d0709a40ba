// Package errs defines the error taxonomy shared by every engine package.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the error handling design.
type Kind string

const (
	KindEntityNotFound       Kind = "entity_not_found"
	KindPreconditionFailed   Kind = "precondition_failed"
	KindUnknownOperation     Kind = "unknown_operation"
	KindSchemaMismatch       Kind = "schema_mismatch"
	KindIrreversible         Kind = "irreversible"
	KindStreamLagged         Kind = "stream_lagged"
	KindCyclic               Kind = "cyclic"
	KindProviderError        Kind = "provider_error"
	KindInternal             Kind = "internal"
)

// Sentinels for errors.Is comparisons against a bare Kind.
var (
	ErrEntityNotFound     = errors.New("entity not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrIrreversible       = errors.New("operation is irreversible")
	ErrStreamLagged       = errors.New("stream lagged")
	ErrCyclic             = errors.New("move would create a cycle")
	ErrProviderError      = errors.New("provider error")
	ErrInternal           = errors.New("internal error")
)

var sentinelByKind = map[Kind]error{
	KindEntityNotFound:     ErrEntityNotFound,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindUnknownOperation:   ErrUnknownOperation,
	KindSchemaMismatch:     ErrSchemaMismatch,
	KindIrreversible:       ErrIrreversible,
	KindStreamLagged:       ErrStreamLagged,
	KindCyclic:             ErrCyclic,
	KindProviderError:      ErrProviderError,
	KindInternal:           ErrInternal,
}

// EngineError wraps an underlying cause with the kind, the entity/operation it
// occurred against, and free-form context.
type EngineError struct {
	Kind      Kind
	Entity    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

func (e *EngineError) Error() string {
	base := sentinelByKind[e.Kind]
	msg := fmt.Sprintf("[%s/%s] %s", e.Entity, e.Operation, base)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %v)", msg, e.Context)
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelByKind[e.Kind]
}

func (e *EngineError) Is(target error) bool {
	if sentinel, ok := sentinelByKind[e.Kind]; ok && errors.Is(sentinel, target) {
		return true
	}
	return errors.Is(e.Cause, target)
}

// New creates an EngineError for the given kind, entity, and operation.
func New(kind Kind, entity, operation string, cause error) *EngineError {
	return &EngineError{Kind: kind, Entity: entity, Operation: operation, Cause: cause, Context: make(map[string]interface{})}
}

// WithContext attaches a context key/value pair and returns the error for chaining.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NotFound builds an EntityNotFound error.
func NotFound(entity, id string) *EngineError {
	return New(KindEntityNotFound, entity, "get", fmt.Errorf("id %q", id)).WithContext("id", id)
}

// PreconditionFailed builds a PreconditionFailed error.
func PreconditionFailed(entity, op, reason string) *EngineError {
	return New(KindPreconditionFailed, entity, op, fmt.Errorf("%s", reason))
}

// Unknown builds an UnknownOperation error; composite dispatchers use errors.Is
// against ErrUnknownOperation to decide whether to cascade to a fallback provider.
func Unknown(entity, op string) *EngineError {
	return New(KindUnknownOperation, entity, op, nil)
}

// SchemaMismatch builds a SchemaMismatch error for an unknown column on a table.
func SchemaMismatch(table, column string) *EngineError {
	return New(KindSchemaMismatch, table, "apply_change", fmt.Errorf("unknown column %q", column)).WithContext("table", table).WithContext("column", column)
}

// CyclicMove builds a Cyclic error for an attempted hierarchy move.
func CyclicMove(id, targetParent string) *EngineError {
	return New(KindCyclic, id, "move", fmt.Errorf("target_parent %q", targetParent)).WithContext("target_parent", targetParent)
}

// Lagged builds a StreamLagged error; only remedy is resubscribing from Beginning.
func Lagged(entity string, count int) *EngineError {
	return New(KindStreamLagged, entity, "ingest", fmt.Errorf("missed %d batches", count)).WithContext("count", count)
}

// Provider wraps an external provider failure.
func Provider(entity, op string, cause error) *EngineError {
	return New(KindProviderError, entity, op, cause)
}

// Internal wraps a bug-class error.
func Internal(entity, op string, cause error) *EngineError {
	return New(KindInternal, entity, op, cause)
}

// Wrap returns err unchanged if it is already an *EngineError, otherwise wraps
// it as Internal, so kinds assigned close to the failure are never masked.
func Wrap(entity, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return err
	}
	return Internal(entity, op, err)
}
