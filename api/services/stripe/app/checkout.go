package app

import (
	"context"
	"fmt"
	"log/slog"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	gw "github.com/one2onelove/billing-sync/api/services/stripe/gateway"
)

// CreateCheckoutSession opens a hosted checkout for the caller on the requested plan.
// It only ever persists the provider customer id; the subscription itself is written
// when the provider reports the completed checkout.
func (s serviceImpl) CreateCheckoutSession(ctx context.Context, id Identity, req CheckoutRequest) (resp CheckoutResponse, err error) {
	plan := "unknown"
	defer func() { s.opts.Metrics.ObserveCheckout(plan, checkoutOutcome(err)) }()

	if id.UserID == "" {
		return CheckoutResponse{}, ErrUnauthenticated
	}
	if err := s.validate.Struct(req); err != nil {
		return CheckoutResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	planName, ok := stripedb.ParsePlan(req.PlanName)
	if !ok {
		return CheckoutResponse{}, fmt.Errorf("%w: unknown plan %q", ErrUnconfiguredPlan, req.PlanName)
	}
	plan = string(planName)
	priceID := s.opts.Prices[planName]
	if priceID == "" {
		return CheckoutResponse{}, fmt.Errorf("%w: no price configured for %s", ErrUnconfiguredPlan, planName)
	}
	if req.PriceID != "" && req.PriceID != priceID {
		slog.Warn("checkout price id differs from configured price, using configured",
			"user_id", id.UserID, "plan", planName, "requested_price_id", req.PriceID)
	}

	customerID, err := s.ensureCustomer(ctx, id, req.UserEmail)
	if err != nil {
		return CheckoutResponse{}, err
	}

	session, err := s.gw.CreateCheckoutSession(ctx, gw.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		UserID:     id.UserID,
		PlanName:   string(planName),
		SuccessURL: s.opts.SuccessURL,
		CancelURL:  s.opts.CancelURL,
	})
	if err != nil {
		return CheckoutResponse{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	slog.Info("checkout session created", "user_id", id.UserID, "plan", planName, "session_id", session.ID)
	return CheckoutResponse{SessionID: session.ID, URL: session.URL}, nil
}

// ensureCustomer returns the user's provider customer id, creating and persisting one if
// none is on file.
func (s serviceImpl) ensureCustomer(ctx context.Context, id Identity, email string) (string, error) {
	record, exists, err := s.store.GetUserSubscription(ctx, id.UserID)
	if err != nil {
		return "", fmt.Errorf("%w: error retrieving user subscription: %v", ErrDatabase, err)
	}
	if exists && record.StripeCustomerID != "" {
		return record.StripeCustomerID, nil
	}

	if email == "" {
		email = id.Email
	}
	created, err := s.gw.CreateCustomer(ctx, gw.CustomerParams{UserID: id.UserID, Email: email})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	stored, err := s.store.SetCustomerID(ctx, id.UserID, created)
	if err != nil {
		return "", fmt.Errorf("%w: error storing customer id: %v", ErrDatabase, err)
	}
	if stored != created {
		slog.Warn("concurrent checkout stored another customer id first",
			"user_id", id.UserID, "created_customer_id", created, "stored_customer_id", stored)
	}
	return stored, nil
}

func checkoutOutcome(err error) string {
	if err == nil {
		return "created"
	}
	return errorKind(err)
}
