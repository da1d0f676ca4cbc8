package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// StripeGateway charges customers through Stripe payment intents.
type StripeGateway struct{}

// NewStripeGateway creates a Stripe-backed gateway. The Stripe API key must
// already be set via stripe.Key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

var _ Gateway = (*StripeGateway)(nil)

func (g *StripeGateway) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:     stripe.Int64(req.AmountCents),
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		Customer:   stripe.String(req.CustomerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, &Error{
			Code:    "authentication_required",
			Message: "payment intent status " + string(intent.Status),
		}
	}

	return &ChargeResult{
		GatewayRef: intent.ID,
		Status:     string(intent.Status),
	}, nil
}

// classifyStripeError converts a Stripe error into a classified gateway
// Error. Card errors carry the decline code; everything else is treated as
// a transient processor problem.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &Error{Code: CodeNetworkError, Message: err.Error()}
	}

	code := string(stripeErr.DeclineCode)
	if code == "" {
		code = string(stripeErr.Code)
	}

	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		if code == "" {
			code = "card_declined"
		}
		return &Error{Code: code, Message: stripeErr.Msg}
	case stripe.ErrorTypeAPI:
		return &Error{Code: CodeProcessingError, Message: stripeErr.Msg}
	default:
		if code == "" {
			code = CodeProcessingError
		}
		return &Error{Code: code, Message: stripeErr.Msg}
	}
}
