package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient captures or releases the PaymentIntent hold placed at
// checkout. Calls carry an idempotency key derived from the order id so a
// replayed settlement is harmless.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// NewStripeClientWithBackends lets tests point the client at a local server.
func NewStripeClientWithBackends(apiKey string, backends *stripe.Backends) *StripeClient {
	return &StripeClient{api: client.New(apiKey, backends)}
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, orderID, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + orderID)
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, orderID, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("cancel-" + orderID)
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
