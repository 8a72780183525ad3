// Package errs defines the engine's typed error kinds and wraps
// them with github.com/pkg/errors so callers retain a stack trace and can
// still errors.Is/errors.As against a sentinel kind.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one row of the engine's error table.
type Kind int

const (
	OutOfMemory Kind = iota
	InvalidArg
	NotSupported
	TransientBusy
	ProtocolTagMismatch
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out-of-memory"
	case InvalidArg:
		return "invalid-argument"
	case NotSupported:
		return "not-supported"
	case TransientBusy:
		return "transient-busy"
	case ProtocolTagMismatch:
		return "protocol-tag-mismatch"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus free-form context; wrapped via pkg/errors so
// the original call site's stack survives up to the collective's
// completion callback.
type Error struct {
	Kind Kind
	Msg  string
	wrap error
}

func (e *Error) Error() string {
	if e.wrap != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.wrap)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.wrap }

// Is lets errors.Is(err, errs.ErrOutOfMemory) work by comparing Kind, not
// identity -- every *Error of the same Kind compares equal for this
// purpose regardless of message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg})
}

func Newf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func Wrap(kind Kind, msg string, cause error) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg, wrap: cause})
}

// sentinels for errors.Is(err, errs.X) at the package level.
var (
	ErrOutOfMemory         = &Error{Kind: OutOfMemory}
	ErrInvalidArg          = &Error{Kind: InvalidArg}
	ErrNotSupported        = &Error{Kind: NotSupported}
	ErrTransientBusy       = &Error{Kind: TransientBusy}
	ErrProtocolTagMismatch = &Error{Kind: ProtocolTagMismatch}
)

func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
