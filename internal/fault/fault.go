// Package fault holds the closed set of failures that decide whether a
// webhook is rejected or a batch run skips an item or aborts.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind uint8

const (
	// TransientProvider covers rate limiting, 5xx answers, timeouts and
	// connection or DNS failures. A later run may succeed.
	TransientProvider Kind = iota + 1
	// PermanentProvider covers every other 4xx answer.
	PermanentProvider
	// Classification covers unknown event types and unresolvable statuses.
	Classification
)

func (k Kind) String() string {
	switch k {
	case TransientProvider:
		return "transient_provider"
	case PermanentProvider:
		return "permanent_provider"
	case Classification:
		return "classification"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &Error{Kind: TransientProvider, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	return &Error{Kind: PermanentProvider, Op: op, Err: err}
}

func Classificationf(op, format string, args ...any) error {
	return &Error{Kind: Classification, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf reports the kind of the first fault found in err's chain.
func KindOf(err error) (Kind, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == TransientProvider
}
