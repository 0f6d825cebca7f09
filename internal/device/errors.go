package device

import (
	"errors"
	"fmt"
)

// Kind classifies kernel failures. The boundary only sees success or
// failure; Kind is the diagnostic carried alongside for Go callers.
type Kind int

const (
	KindNone Kind = iota
	KindUninitialized
	KindNoDevice
	KindInvalidHandle
	KindDimMismatch
	KindCapacityExhausted
	KindAllocation
	KindEmptyHistory
	KindPositionMismatch
	KindInvalidArgument
)

var kindNames = [...]string{
	KindNone:              "none",
	KindUninitialized:     "uninitialized",
	KindNoDevice:          "no_device",
	KindInvalidHandle:     "invalid_handle",
	KindDimMismatch:       "dim_mismatch",
	KindCapacityExhausted: "capacity_exhausted",
	KindAllocation:        "allocation",
	KindEmptyHistory:      "empty_history",
	KindPositionMismatch:  "position_mismatch",
	KindInvalidArgument:   "invalid_argument",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Sentinels, one per kind, for errors.Is.
var (
	ErrUninitialized     = &KernelError{Kind: KindUninitialized}
	ErrNoDevice          = &KernelError{Kind: KindNoDevice}
	ErrInvalidHandle     = &KernelError{Kind: KindInvalidHandle}
	ErrDimMismatch       = &KernelError{Kind: KindDimMismatch}
	ErrCapacityExhausted = &KernelError{Kind: KindCapacityExhausted}
	ErrAllocation        = &KernelError{Kind: KindAllocation}
	ErrEmptyHistory      = &KernelError{Kind: KindEmptyHistory}
	ErrPositionMismatch  = &KernelError{Kind: KindPositionMismatch}
	ErrInvalidArgument   = &KernelError{Kind: KindInvalidArgument}
)

type KernelError struct {
	Op   string
	Kind Kind
	Msg  string
}

func (e *KernelError) Error() string {
	switch {
	case e.Op == "" && e.Msg == "":
		return e.Kind.String()
	case e.Msg == "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is matches any KernelError of the same kind, so errors.Is(err,
// ErrInvalidHandle) holds for every invalid-handle failure.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	return ok && t.Kind == e.Kind
}

func NewError(op string, kind Kind, format string, args ...interface{}) *KernelError {
	return &KernelError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first KernelError in err's chain,
// KindNone for nil and KindInvalidArgument for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInvalidArgument
}
