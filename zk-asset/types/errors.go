package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthFailed means the passkey could not be used (unavailable, cancelled or
	// produced nothing). The user may retry.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInsufficientFunds is returned before any proof is attempted.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrProver wraps every circuit execution or proving failure.
	ErrProver = errors.New("prover error")

	// ErrNotForMe is the expected outcome of scanning a payload addressed to someone else.
	ErrNotForMe = errors.New("payload not for me")

	// ErrCorruptedVault means the vault record exists but cannot be opened.
	ErrCorruptedVault = errors.New("corrupted vault")

	// ErrChainUnknown means a submission was made but its outcome has not been observed yet.
	ErrChainUnknown = errors.New("chain outcome unknown")

	ErrStaleRoot       = errors.New("local tree root differs from chain root")
	ErrNoteReserved    = errors.New("note is reserved by another spend")
	ErrNoteNotFound    = errors.New("note not found")
	ErrUnrecordedSpend = errors.New("spend transaction is not recorded")
	ErrNullifierSpent  = errors.New("nullifier already spent")
	ErrTxNotFound      = errors.New("transaction not found")
)

// ChainRejectedError is returned when the chain refused or reverted a submission.
type ChainRejectedError struct {
	Reason string
	Cause  error
}

func (e *ChainRejectedError) Error() string {
	if e.Reason == "" {
		return "chain rejected"
	}
	return fmt.Sprintf("chain rejected: %s", e.Reason)
}

func (e *ChainRejectedError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrNullifierSpent) match rejections whose reason
// only mentions the spent nullifier.
func (e *ChainRejectedError) Is(target error) bool {
	return target == ErrNullifierSpent && e.NullifierSpent()
}

// NullifierSpent reports whether the rejection says that an input nullifier
// was already consumed on chain.
func (e *ChainRejectedError) NullifierSpent() bool {
	if errors.Is(e.Cause, ErrNullifierSpent) {
		return true
	}
	r := strings.ToLower(e.Reason)
	return strings.Contains(r, "nullifier") &&
		(strings.Contains(r, "spent") || strings.Contains(r, "used") || strings.Contains(r, "exist"))
}

func NewChainRejected(reason string, cause error) *ChainRejectedError {
	return &ChainRejectedError{Reason: reason, Cause: cause}
}

// IsNullifierSpent reports whether err carries a spent-nullifier rejection.
func IsNullifierSpent(err error) bool {
	var rej *ChainRejectedError
	if errors.As(err, &rej) {
		return rej.NullifierSpent()
	}
	return errors.Is(err, ErrNullifierSpent)
}
