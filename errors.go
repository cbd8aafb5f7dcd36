// Package imsearch is the root package of the reverse image search engine.
// It holds the cross-cutting error type shared by every component.
package imsearch

import "fmt"

// Kind classifies an Error for the purpose of mapping it to an HTTP status
// code or a CLI exit code, without either layer needing to know about the
// originating component.
type Kind string

const (
	KindInput           Kind = "input"            // malformed or missing request data
	KindNotFound        Kind = "not-found"         // referenced image/descriptor/index does not exist
	KindConflict        Kind = "conflict"          // e.g. a build already in progress
	KindPersistentState Kind = "persistent-state"  // catalog or index file corruption/mismatch
	KindResource        Kind = "resource"          // out of memory, disk, or worker capacity
	KindTransport       Kind = "transport"         // network/IO failure talking to a blob store
	KindInternal        Kind = "internal"          // anything else
)

// Error is the one error type every component returns. Handlers at the
// HTTP and CLI boundary switch on Kind exactly once.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "catalog.UpsertImage"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an Error. err may be nil.
func NewError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Wrap wraps err as an internal Error unless it already is one, in which
// case it is returned unchanged. Use this at package boundaries that call
// into stdlib or third-party code.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if As(err, &e) {
		return err
	}
	return &Error{Kind: KindInternal, Op: op, Message: err.Error(), Err: err}
}

// As walks err's single-error Unwrap chain and stores the first *Error it
// finds in target, reporting whether it found one. It is kept local to
// avoid importing "errors" in every call site that just wants Wrap's
// idempotency check.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
