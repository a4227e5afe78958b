// Package dgerrors provides the kernel's shared error-kind taxonomy.
//
// Every failure mode in the kernel is a distinct, machine-readable Kind
// rather than a string match against an error message: explicit errors
// instead of nil, nil returns, generalized from a handful of sentinel
// errors per package into one shared *KernelError carrying structured
// Details.
package dgerrors

import "fmt"

// Kind identifies the category of a kernel error. Kinds map one-to-one
// to the kernel's own error taxonomy; callers should branch on Kind,
// never on the error string.
type Kind string

const (
	KindSchemaInvalid       Kind = "SchemaInvalid"
	KindInputInvalid        Kind = "InputInvalid"
	KindUnauthorized        Kind = "Unauthorized"
	KindAccessDenied        Kind = "AccessDenied"
	KindBridgeRequired      Kind = "BridgeRequired"
	KindBridgeApprovalError Kind = "BridgeApprovalError"
	KindSignatureInvalid    Kind = "SignatureInvalid"
	KindIntegrityFail       Kind = "IntegrityFail"
	KindGenesisViolation    Kind = "GenesisViolation"
	KindChainBreak          Kind = "ChainBreak"
	KindTemporalViolation   Kind = "TemporalViolation"
	KindGraphIdMismatch     Kind = "GraphIdMismatch"
	KindHashSchemeMismatch  Kind = "HashSchemeMismatch"
	KindWALHeader           Kind = "WALHeader"
	KindWALChain            Kind = "WALChain"
	KindWALCorruption       Kind = "WALCorruption"
	KindInternalError       Kind = "InternalError"
)

// KernelError is the concrete error type returned by kernel operations.
// It implements Unwrap so errors.Is/errors.As compose the way the
// teacher's fmt.Errorf("...: %w", err) chains do.
type KernelError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *KernelError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// New builds a *KernelError with no wrapped cause.
func New(kind Kind, message string, details map[string]any) *KernelError {
	return &KernelError{Kind: kind, Message: message, Details: details}
}

// Wrap builds a *KernelError around an existing error.
func Wrap(kind Kind, message string, err error, details map[string]any) *KernelError {
	return &KernelError{Kind: kind, Message: message, Details: details, Err: err}
}

// Is reports whether err is a *KernelError of the given Kind.
func Is(err error, kind Kind) bool {
	var ke *KernelError
	for err != nil {
		if k, ok := err.(*KernelError); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ke != nil && ke.Kind == kind
}
