package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Protocol holds the escrow working state for one ride and enforces the
// ordering the settlement depends on: hash committed before any lock,
// preimage released only after PIN verification, settlement only with the
// preimage and geofence proof together, refund only past expiry.
type Protocol struct {
	mu     sync.Mutex
	mint   Mint
	logger *slog.Logger

	hash    PaymentHash
	hasHash bool

	preimage    *Preimage // rider side: generated locally, never sent pre-PIN
	expectedPin string
	pinVerified bool

	learned *Preimage // claimant side: disclosed by the counterparty
	lock    *Lock

	settled  bool
	refunded bool
}

func NewProtocol(mint Mint, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{mint: mint, logger: logger}
}

// InitPayer generates the preimage and commits to its hash. Called by the
// rider before any funds move; only the hash ever leaves this process
// before PIN verification.
func (p *Protocol) InitPayer() (PaymentHash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pre, err := NewPreimage()
	if err != nil {
		return PaymentHash{}, err
	}
	p.preimage = &pre
	p.hash = pre.Hash()
	p.hasHash = true
	return p.hash, nil
}

// CommitHash records the counterparty's payment hash on the settling side.
func (p *Protocol) CommitHash(h PaymentHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hash = h
	p.hasHash = true
}

// Hash returns the committed payment hash.
func (p *Protocol) Hash() (PaymentHash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash, p.hasHash
}

// LockFunds creates the escrow lock bound to the committed hash.
func (p *Protocol) LockFunds(ctx context.Context, amountMinor int64, currency string, expiry time.Time) (*Lock, error) {
	p.mu.Lock()
	if !p.hasHash {
		p.mu.Unlock()
		return nil, ErrNoLock
	}
	if p.lock != nil {
		// a lock already exists; creating another would double-commit
		lock := p.lock
		p.mu.Unlock()
		return lock, nil
	}
	hash := p.hash
	p.mu.Unlock()

	lock, err := p.mint.CreateLock(ctx, hash, amountMinor, currency, expiry)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lock = lock
	p.mu.Unlock()
	return lock, nil
}

// RestoreLock seeds the lock from a persisted ride record.
func (p *Protocol) RestoreLock(lock *Lock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lock = lock
}

// RestorePayerSecret reseeds the generated preimage after a restart. The
// hash is recommitted from the secret so the lock binding stays intact.
func (p *Protocol) RestorePayerSecret(pre Preimage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preimage = &pre
	p.hash = pre.Hash()
	p.hasHash = true
}

// HeldPreimage returns whichever preimage this side custodies, the
// payer's generated secret or the claimant's learned one. It exists for
// local persistence; disclosure still goes through ReleasePreimage.
func (p *Protocol) HeldPreimage() (Preimage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preimage != nil {
		return *p.preimage, true
	}
	if p.learned != nil {
		return *p.learned, true
	}
	return Preimage{}, false
}

// Lock returns the current lock, nil if none.
func (p *Protocol) Lock() *Lock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lock
}

// SetExpectedPin fixes the ride PIN the rider will check at pickup.
func (p *Protocol) SetExpectedPin(pin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedPin = pin
}

// VerifyPin checks a submitted PIN against the expected one. The PIN's
// only job is to confirm physical co-presence; its value gates nothing
// cryptographic, it just flips the disclosure latch.
func (p *Protocol) VerifyPin(submitted string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expectedPin == "" || submitted != p.expectedPin {
		return false
	}
	p.pinVerified = true
	return true
}

// PinVerified reports whether the disclosure latch is open.
func (p *Protocol) PinVerified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinVerified
}

// ReleasePreimage discloses the secret. Refuses flatly unless a successful
// PIN verification happened first.
func (p *Protocol) ReleasePreimage() (Preimage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pinVerified {
		return Preimage{}, ErrPinNotVerified
	}
	if p.preimage == nil {
		return Preimage{}, ErrNoPreimage
	}
	return *p.preimage, nil
}

// LearnPreimage records a disclosed preimage on the claimant side after
// checking it actually proves the committed hash.
func (p *Protocol) LearnPreimage(pre Preimage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasHash || !p.hash.Proves(pre) {
		return &Failure{Kind: FailVerification, Err: ErrNoPreimage}
	}
	p.learned = &pre
	return nil
}

// Settle claims the lock. Two independent gates must both hold: possession
// of the verified preimage and geofence proof at the dropoff. Any failure
// leaves the protocol un-settled so a retry remains safe.
func (p *Protocol) Settle(ctx context.Context, atDropoff bool) error {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return nil
	}
	if p.lock == nil {
		p.mu.Unlock()
		return ErrNoLock
	}
	if p.learned == nil {
		p.mu.Unlock()
		return ErrNoPreimage
	}
	if !atDropoff {
		p.mu.Unlock()
		return ErrNotAtDropoff
	}
	lock, pre := p.lock, *p.learned
	p.mu.Unlock()

	if err := p.mint.Claim(ctx, lock, pre); err != nil {
		return err
	}

	p.mu.Lock()
	p.settled = true
	p.mu.Unlock()
	return nil
}

// Settled reports whether the claim went through.
func (p *Protocol) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// RefundExpired refunds the lock once its expiry has elapsed. Guard-free
// apart from the expiry check and idempotent under duplicate timer fires.
func (p *Protocol) RefundExpired(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	if p.lock == nil {
		p.mu.Unlock()
		return ErrNoLock
	}
	if p.refunded || p.settled {
		p.mu.Unlock()
		return nil
	}
	if !p.lock.Expired(now) {
		p.mu.Unlock()
		return ErrNotExpired
	}
	lock := p.lock
	p.mu.Unlock()

	if err := p.mint.Refund(ctx, lock); err != nil {
		return err
	}

	p.mu.Lock()
	p.refunded = true
	p.mu.Unlock()
	return nil
}

// RefundOrVoid unwinds the lock on cancellation regardless of expiry.
// Safe to call with no lock outstanding.
func (p *Protocol) RefundOrVoid(ctx context.Context) error {
	p.mu.Lock()
	if p.lock == nil || p.refunded || p.settled {
		p.mu.Unlock()
		return nil
	}
	lock := p.lock
	p.mu.Unlock()

	if err := p.mint.Refund(ctx, lock); err != nil {
		return err
	}

	p.mu.Lock()
	p.refunded = true
	p.mu.Unlock()
	return nil
}

// Refunded reports whether the refund path ran.
func (p *Protocol) Refunded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunded
}

// Reset drops all working state at a ride boundary: pending preimage,
// pending PIN, learned secret, lock reference, latches.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hash = PaymentHash{}
	p.hasHash = false
	p.preimage = nil
	p.expectedPin = ""
	p.pinVerified = false
	p.learned = nil
	p.lock = nil
	p.settled = false
	p.refunded = false
}
