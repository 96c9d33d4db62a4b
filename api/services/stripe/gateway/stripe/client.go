package stripegw

import (
	"context"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	gw "github.com/one2onelove/billing-sync/api/services/stripe/gateway"
)

// SetKey configures the Stripe SDK key once during bootstrap.
func SetKey(key string) { stripe.Key = key }

// client is the Stripe SDK-backed implementation of the gateway.
type client struct{}

// New returns a StripeGateway backed by the official Stripe SDK.
func New() gw.StripeGateway { return client{} }

// CreateCustomer uses an idempotency key per user so concurrent checkouts for the same
// user resolve to one provider customer.
func (client) CreateCustomer(ctx context.Context, p gw.CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"user_id": p.UserID},
	}
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer:" + p.UserID)
	c, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (client) CreateCheckoutSession(ctx context.Context, p gw.CheckoutParams) (gw.CheckoutSession, error) {
	metadata := map[string]string{"user_id": p.UserID, "plan_name": p.PlanName}
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(p.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	s, err := session.New(params)
	if err != nil {
		return gw.CheckoutSession{}, err
	}
	return gw.CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (client) GetSubscription(ctx context.Context, id string) (stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	subPtr, err := subscription.Get(id, params)
	if err != nil {
		return stripe.Subscription{}, err
	}
	if subPtr == nil {
		return stripe.Subscription{}, nil
	}
	return *subPtr, nil
}

func (client) CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	subPtr, err := subscription.Update(id, params)
	if err != nil {
		return stripe.Subscription{}, err
	}
	if subPtr == nil {
		return stripe.Subscription{}, nil
	}
	return *subPtr, nil
}
