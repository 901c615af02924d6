// Package payments holds the rider's fare while a ride runs: an authorization
// on request, released on cancel and captured on completion.
package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Processor is what the matcher needs from a payment provider.
type Processor interface {
	Hold(ctx context.Context, amountCents int64, currency, paymentMethodID string) (string, error)
	Capture(ctx context.Context, holdID string, amountCents int64) error
	Cancel(ctx context.Context, holdID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, paymentMethodID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if paymentMethodID != "" {
		params.PaymentMethod = stripe.String(paymentMethodID)
		params.Confirm = stripe.Bool(true)
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a held PaymentIntent. A final fare above the hold is
// capped at the held amount by Stripe.
func (s *StripeClient) Capture(ctx context.Context, holdID string, amountCents int64) error {
	params := &stripe.PaymentIntentCaptureParams{}
	if amountCents > 0 {
		params.AmountToCapture = stripe.Int64(amountCents)
	}
	params.Context = ctx
	_, err := paymentintent.Capture(holdID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(holdID, params)
	return err
}

func Cents(amount float64) int64 { return int64(math.Round(amount * 100)) }
