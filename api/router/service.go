package router

import (
	"context"
	"errors"

	bootstrap "github.com/one2onelove/billing-sync/api/bootstrap"
	stripeapp "github.com/one2onelove/billing-sync/api/services/stripe/app"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
)

var errUnavailable = errors.New("service not initialized")

// lazyService resolves the Stripe service on every call so that routes built before
// a failed bootstrap answer with an error instead of panicking.
type lazyService struct{}

func (lazyService) get() (stripeapp.Service, error) {
	if s := bootstrap.GetStripeService(); s != nil {
		return s, nil
	}
	if err := bootstrap.Ensure(); err != nil {
		return nil, errors.Join(errUnavailable, err)
	}
	if s := bootstrap.GetStripeService(); s != nil {
		return s, nil
	}
	return nil, errUnavailable
}

func (l lazyService) CreateCheckoutSession(ctx context.Context, id stripeapp.Identity, req stripeapp.CheckoutRequest) (stripeapp.CheckoutResponse, error) {
	s, err := l.get()
	if err != nil {
		return stripeapp.CheckoutResponse{}, err
	}
	return s.CreateCheckoutSession(ctx, id, req)
}

func (l lazyService) HandleWebhook(ctx context.Context, payload []byte, signature string) (stripeapp.WebhookResult, error) {
	s, err := l.get()
	if err != nil {
		return stripeapp.WebhookResult{}, err
	}
	return s.HandleWebhook(ctx, payload, signature)
}

func (l lazyService) GetSubscription(ctx context.Context, id stripeapp.Identity) (stripedb.UserSubscription, error) {
	s, err := l.get()
	if err != nil {
		return stripedb.UserSubscription{}, err
	}
	return s.GetSubscription(ctx, id)
}

func (l lazyService) CancelSubscription(ctx context.Context, id stripeapp.Identity) (stripeapp.CancelResponse, error) {
	s, err := l.get()
	if err != nil {
		return stripeapp.CancelResponse{}, err
	}
	return s.CancelSubscription(ctx, id)
}

func (l lazyService) ListPaymentHistory(ctx context.Context, id stripeapp.Identity, limit int) ([]stripedb.PaymentHistoryEntry, error) {
	s, err := l.get()
	if err != nil {
		return nil, err
	}
	return s.ListPaymentHistory(ctx, id, limit)
}
