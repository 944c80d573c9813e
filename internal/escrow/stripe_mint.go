package escrow

import (
	"context"
	"os"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeMint implements Mint on card holds: a PaymentIntent with manual
// capture plays the lock, capture plays the claim, cancel the refund.
// The hash-lock gate is enforced locally since card rails cannot: Claim
// refuses to capture unless the preimage proves the lock's hash.
type StripeMint struct{}

// NewStripeMint initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeMint() *StripeMint {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeMint{}
}

func (s *StripeMint) CreateLock(ctx context.Context, hash PaymentHash, amountMinor int64, currency string, expiry time.Time) (*Lock, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("payment_hash", hash.Hex())
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Lock{Ref: pi.ID, Hash: hash, AmountMinor: amountMinor, Currency: currency, Expiry: expiry}, nil
}

func (s *StripeMint) Claim(ctx context.Context, lock *Lock, preimage Preimage) error {
	if !lock.Hash.Proves(preimage) {
		return &Failure{Kind: FailVerification}
	}
	if _, err := paymentintent.Capture(lock.Ref, nil); err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func (s *StripeMint) Refund(ctx context.Context, lock *Lock) error {
	_, err := paymentintent.Cancel(lock.Ref, nil)
	if err != nil {
		if se, ok := err.(*stripe.Error); ok && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// already canceled; redundant refunds are expected here
			return nil
		}
		return mapStripeErr(err)
	}
	return nil
}

func mapStripeErr(err error) error {
	se, ok := err.(*stripe.Error)
	if !ok {
		return &Failure{Kind: FailNotConnected, Err: err}
	}
	switch se.Code {
	case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeInsufficientFunds:
		return &Failure{Kind: FailInsufficientFunds, Err: err}
	default:
		return &Failure{Kind: FailOther, Err: err}
	}
}
