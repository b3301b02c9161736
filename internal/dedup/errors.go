package dedup

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures for callers.
type Kind int

const (
	KindIO Kind = iota + 1
	KindNotFound
	KindPayloadTooLarge
	KindStorageFull
	KindInconsistent
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io_error"
	case KindNotFound:
		return "not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindStorageFull:
		return "storage_full"
	case KindInconsistent:
		return "inconsistent"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is against a coordinator Error's Kind.
var (
	ErrIO              = &Error{Kind: KindIO}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrPayloadTooLarge = &Error{Kind: KindPayloadTooLarge}
	ErrStorageFull     = &Error{Kind: KindStorageFull}
	ErrInconsistent    = &Error{Kind: KindInconsistent}
	ErrInvalid         = &Error{Kind: KindInvalid}
)

// ErrContentMissing is wrapped by the KindNotFound error Download returns when
// a live record's payload is gone.
var ErrContentMissing = errors.New("content missing")

// ErrEmptyPayload is wrapped by the KindInvalid error for zero-byte uploads.
var ErrEmptyPayload = errors.New("payload is empty")

// Error is returned by every Coordinator operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or zero when err did not come from the coordinator.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
