package escrow

import (
	"context"
	"fmt"
	"time"
)

// FailureKind classifies mint errors for the acting party's UI. Everything
// but InsufficientFunds is retryable.
type FailureKind string

const (
	FailNotConnected            FailureKind = "not_connected"
	FailInsufficientFunds       FailureKind = "insufficient_funds"
	FailCounterpartyUnreachable FailureKind = "counterparty_unreachable"
	FailVerification            FailureKind = "verification_failed"
	FailOther                   FailureKind = "other"
)

// Failure wraps a mint error with its kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the caller may simply try again.
func (f *Failure) Retryable() bool { return f.Kind != FailInsufficientFunds }

// Mint is the pluggable hash-lock rail. A hold-invoice node, a token HTLC
// mint and the card-hold adapter below all satisfy it; the protocol only
// needs these three operations with their ordering guarantees.
type Mint interface {
	// CreateLock commits amount against the hash, refundable after expiry.
	CreateLock(ctx context.Context, hash PaymentHash, amountMinor int64, currency string, expiry time.Time) (*Lock, error)
	// Claim settles the lock; callers must have verified the preimage first.
	Claim(ctx context.Context, lock *Lock, preimage Preimage) error
	// Refund returns funds to the payer. Must be safe to invoke redundantly.
	Refund(ctx context.Context, lock *Lock) error
}
