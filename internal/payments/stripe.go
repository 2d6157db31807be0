package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/vasiliy-maslov/storefront/internal/order"
)

var ErrNotConfigured = errors.New("payments: stripe secret key is not set")

// OrderIDMetadataKey is the PaymentIntent metadata key checkout stores the order id under.
const OrderIDMetadataKey = "order_id"

type paymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeConfirmer asks Stripe whether a PaymentIntent has been paid.
type StripeConfirmer struct {
	intents paymentIntentAPI
}

// NewStripeConfirmer builds a confirmer from a Stripe secret key.
func NewStripeConfirmer(secretKey string, backends *stripe.Backends) (*StripeConfirmer, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, ErrNotConfigured
	}
	sc := client.New(secretKey, backends)
	return &StripeConfirmer{intents: sc.PaymentIntents}, nil
}

func newStripeConfirmerWithAPI(intents paymentIntentAPI) *StripeConfirmer {
	return &StripeConfirmer{intents: intents}
}

// ConfirmPayment reports a PaymentIntent as paid only once Stripe marks it succeeded.
func (c *StripeConfirmer) ConfirmPayment(ctx context.Context, intentID string) (order.PaymentConfirmation, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return order.PaymentConfirmation{}, errors.New("payments: payment intent id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")

	intent, err := c.intents.Get(intentID, params)
	if err != nil {
		return order.PaymentConfirmation{}, fmt.Errorf("payments: retrieve payment intent %s: %w", intentID, err)
	}

	confirmation := order.PaymentConfirmation{
		Paid:     intent.Status == stripe.PaymentIntentStatusSucceeded,
		Amount:   intent.Amount,
		Currency: string(intent.Currency),
		OrderID:  intent.Metadata[OrderIDMetadataKey],
	}
	if pm := intent.PaymentMethod; pm != nil && pm.Card != nil {
		confirmation.Last4 = pm.Card.Last4
	}

	log.Debug().
		Str("payment_intent", intent.ID).
		Str("status", string(intent.Status)).
		Bool("paid", confirmation.Paid).
		Int64("amount", intent.Amount).
		Str("currency", string(intent.Currency)).
		Msg("payments: payment intent retrieved")

	return confirmation, nil
}
