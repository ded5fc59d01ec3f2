package validator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a validation failure. Kinds are stable protocol
// vocabulary, not free-form messages.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindInvalidCoordinate   ErrorKind = "InvalidCoordinate"
	KindMeshMismatch        ErrorKind = "MeshMismatch"
	KindInvalidProof        ErrorKind = "InvalidProof"
	KindProofNotYetFinal    ErrorKind = "ProofNotYetFinal"
	KindDoubleSpend         ErrorKind = "DoubleSpend"
	KindUnknownOutpoint     ErrorKind = "UnknownOutpoint"
	KindValueOverflow       ErrorKind = "ValueOverflow"
	KindInsufficientWork    ErrorKind = "InsufficientWork"
	KindStructurallyInvalid ErrorKind = "StructurallyInvalid"
	KindAlreadyKnown        ErrorKind = "AlreadyKnown"
	KindOrphanParent        ErrorKind = "OrphanParent"
)

// Retryable reports whether the failure may clear on its own:
// ProofNotYetFinal once the source block gains confirmations,
// OrphanParent once the missing parent arrives. Every other kind
// permanently rejects the block.
func (k ErrorKind) Retryable() bool {
	return k == KindProofNotYetFinal || k == KindOrphanParent
}

// Error is a typed validation failure. It never wraps a storage I/O
// error; those propagate as plain errors and abort the operation instead
// of rejecting the block.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from a validation error, or KindNone for nil
// and non-validation errors.
func KindOf(err error) ErrorKind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindNone
}
