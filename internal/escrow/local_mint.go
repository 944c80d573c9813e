package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalMint is an in-process Mint for development and single-host runs.
// It enforces the same hash-lock rules as a real rail: claims need the
// proving preimage and refunds are idempotent.
type LocalMint struct {
	mu    sync.Mutex
	seq   int
	state map[string]string // ref -> "held" | "claimed" | "refunded"
}

func NewLocalMint() *LocalMint {
	return &LocalMint{state: make(map[string]string)}
}

func (m *LocalMint) CreateLock(ctx context.Context, hash PaymentHash, amountMinor int64, currency string, expiry time.Time) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("local-%d", m.seq)
	m.state[ref] = "held"
	return &Lock{Ref: ref, Hash: hash, AmountMinor: amountMinor, Currency: currency, Expiry: expiry}, nil
}

func (m *LocalMint) Claim(ctx context.Context, lock *Lock, preimage Preimage) error {
	if !lock.Hash.Proves(preimage) {
		return &Failure{Kind: FailVerification, Err: fmt.Errorf("preimage does not match lock hash")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state[lock.Ref] {
	case "held", "claimed":
		m.state[lock.Ref] = "claimed"
		return nil
	case "refunded":
		return &Failure{Kind: FailOther, Err: fmt.Errorf("lock %s already refunded", lock.Ref)}
	default:
		// a lock minted by the counterparty's process; the preimage
		// check above is the gate that matters
		m.state[lock.Ref] = "claimed"
		return nil
	}
}

func (m *LocalMint) Refund(ctx context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state[lock.Ref] {
	case "held", "refunded":
		m.state[lock.Ref] = "refunded"
		return nil
	case "claimed":
		return &Failure{Kind: FailOther, Err: fmt.Errorf("lock %s already claimed", lock.Ref)}
	default:
		// an unknown ref on the refund path is treated as already gone
		return nil
	}
}
