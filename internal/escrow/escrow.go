// Package escrow implements the hash-locked settlement protocol: funds are
// committed against a payment hash before pickup and become claimable only
// by revealing the matching preimage, no earlier than verified arrival.
package escrow

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPinNotVerified guards the disclosure path: the preimage must never
	// leave the rider before a pin_verify entry exists in the rider's log.
	ErrPinNotVerified = errors.New("escrow: pin not verified, preimage stays sealed")

	// ErrNotAtDropoff rejects settlement without geofence proof even when
	// the claimant already holds the preimage.
	ErrNotAtDropoff = errors.New("escrow: no geofence proof at dropoff")

	ErrNoPreimage = errors.New("escrow: preimage not disclosed")
	ErrNoLock     = errors.New("escrow: no lock created")
	ErrNotExpired = errors.New("escrow: lock not expired")
)

// Preimage is the 32-byte secret whose disclosure authorizes settlement.
type Preimage [32]byte

// NewPreimage draws a fresh random preimage.
func NewPreimage() (Preimage, error) {
	var p Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, err
	}
	return p, nil
}

func (p Preimage) Hex() string { return hex.EncodeToString(p[:]) }

// Hash commits to the preimage: sha256(preimage).
func (p Preimage) Hash() PaymentHash { return PaymentHash(sha256.Sum256(p[:])) }

// ParsePreimage decodes a hex preimage from a preimage_share entry.
func ParsePreimage(s string) (Preimage, error) {
	var p Preimage
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return p, fmt.Errorf("escrow: bad preimage %q", s)
	}
	copy(p[:], b)
	return p, nil
}

// PaymentHash is the public commitment a lock is bound to.
type PaymentHash [32]byte

func (h PaymentHash) Hex() string { return hex.EncodeToString(h[:]) }

// Proves reports whether the preimage matches this hash, constant-time.
func (h PaymentHash) Proves(p Preimage) bool {
	got := p.Hash()
	return subtle.ConstantTimeCompare(h[:], got[:]) == 1
}

func ParsePaymentHash(s string) (PaymentHash, error) {
	var h PaymentHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return h, fmt.Errorf("escrow: bad payment hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Lock is a created escrow commitment: funds unspendable by the receiver
// without the preimage, auto-refundable to the payer after Expiry.
type Lock struct {
	Ref         string
	Hash        PaymentHash
	AmountMinor int64
	Currency    string
	PartyKey    string // counterparty locking key
	Expiry      time.Time
}

// Expired reports whether the refund boundary has been reached.
func (l *Lock) Expired(now time.Time) bool {
	return l != nil && !l.Expiry.IsZero() && !now.Before(l.Expiry)
}
