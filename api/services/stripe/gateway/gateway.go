package gateway

//go:generate mockgen -destination=mock/mock_gateway.go -package=mock github.com/one2onelove/billing-sync/api/services/stripe/gateway StripeGateway

import (
	"context"

	stripe "github.com/stripe/stripe-go/v82"
)

// CustomerParams describes a provider customer to create for an application user.
type CustomerParams struct {
	UserID string
	Email  string
}

// CheckoutParams describes a hosted subscription checkout for one plan.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	UserID     string
	PlanName   string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's hosted checkout page.
type CheckoutSession struct {
	ID  string
	URL string
}

// StripeGateway abstracts Stripe SDK operations needed by the app layer.
// Methods return values (not pointers) to respect the project's preference
// to avoid pointer types in public interfaces.
type StripeGateway interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (stripe.Subscription, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, id string) (stripe.Subscription, error)
}
