package livepatch

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	NotInitialized
	InvalidArgument
	InvalidAddress
	PatternNotFound
	AlreadyHooked
	UnknownHandle
	HookInstallFailed
	PartialRestoreFailure
	UnsupportedBuild
	AccessViolation
	ProtectionFailed
	ProtectionRestoreFailed
	ImageUnavailable
)

var kindNames = [...]string{
	KindUnknown:             "unknown",
	NotInitialized:          "not initialized",
	InvalidArgument:         "invalid argument",
	InvalidAddress:          "invalid address",
	PatternNotFound:         "pattern not found",
	AlreadyHooked:           "already hooked",
	UnknownHandle:           "unknown handle",
	HookInstallFailed:       "hook install failed",
	PartialRestoreFailure:   "partial restore failure",
	UnsupportedBuild:        "unsupported build",
	AccessViolation:         "access violation",
	ProtectionFailed:        "protection change failed",
	ProtectionRestoreFailed: "protection restore failed",
	ImageUnavailable:        "image unavailable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is returned by every engine operation that fails. Addr is set when
// the failure concerns a single address, Addrs when it concerns several (for
// example the records a restore could not write back).
type Error struct {
	Kind  Kind
	Addr  uintptr
	Addrs []uintptr
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Addr != 0 {
		fmt.Fprintf(&b, " at %#x", e.Addr)
	}
	if len(e.Addrs) > 0 {
		b.WriteString(" at [")
		for i, a := range e.Addrs {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%#x", a)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets the
// Err* sentinels below match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotInitialized          = &Error{Kind: NotInitialized}
	ErrInvalidArgument         = &Error{Kind: InvalidArgument}
	ErrInvalidAddress          = &Error{Kind: InvalidAddress}
	ErrPatternNotFound         = &Error{Kind: PatternNotFound}
	ErrAlreadyHooked           = &Error{Kind: AlreadyHooked}
	ErrUnknownHandle           = &Error{Kind: UnknownHandle}
	ErrHookInstallFailed       = &Error{Kind: HookInstallFailed}
	ErrPartialRestoreFailure   = &Error{Kind: PartialRestoreFailure}
	ErrUnsupportedBuild        = &Error{Kind: UnsupportedBuild}
	ErrAccessViolation         = &Error{Kind: AccessViolation}
	ErrProtectionFailed        = &Error{Kind: ProtectionFailed}
	ErrProtectionRestoreFailed = &Error{Kind: ProtectionRestoreFailed}
	ErrImageUnavailable        = &Error{Kind: ImageUnavailable}
)

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, addr uintptr, format string, args ...any) *Error {
	return &Error{Kind: kind, Addr: addr, Err: fmt.Errorf(format, args...)}
}

func wrapError(kind Kind, addr uintptr, err error) *Error {
	return &Error{Kind: kind, Addr: addr, Err: err}
}
