package app

import (
	"context"
	"fmt"
	"log/slog"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
)

// GetSubscription returns the caller's subscription; users without a record are on Basis.
func (s serviceImpl) GetSubscription(ctx context.Context, id Identity) (stripedb.UserSubscription, error) {
	if id.UserID == "" {
		return stripedb.UserSubscription{}, ErrUnauthenticated
	}
	record, exists, err := s.store.GetUserSubscription(ctx, id.UserID)
	if err != nil {
		return stripedb.UserSubscription{}, fmt.Errorf("%w: error retrieving user subscription: %v", ErrDatabase, err)
	}
	if !exists {
		return stripedb.FreeSubscription(id.UserID), nil
	}
	return record, nil
}

// CancelSubscription asks the provider to end the caller's subscription at period end.
// The local record is changed only by the webhooks that follow.
func (s serviceImpl) CancelSubscription(ctx context.Context, id Identity) (CancelResponse, error) {
	if id.UserID == "" {
		return CancelResponse{}, ErrUnauthenticated
	}
	record, exists, err := s.store.GetUserSubscription(ctx, id.UserID)
	if err != nil {
		return CancelResponse{}, fmt.Errorf("%w: error retrieving user subscription: %v", ErrDatabase, err)
	}
	if !exists || record.StripeSubscriptionID == "" {
		return CancelResponse{}, ErrNoActiveSubscription
	}

	current, err := s.gw.GetSubscription(ctx, record.StripeSubscriptionID)
	if err != nil {
		return CancelResponse{}, fmt.Errorf("%w: error getting subscription: %v", ErrPaymentProvider, err)
	}
	if IsSubscriptionCancelled(current) {
		return CancelResponse{}, fmt.Errorf("%w: subscription %s already ended", ErrNoActiveSubscription, current.ID)
	}

	updated, err := s.gw.CancelSubscriptionAtPeriodEnd(ctx, record.StripeSubscriptionID)
	if err != nil {
		return CancelResponse{}, fmt.Errorf("%w: error cancelling subscription: %v", ErrPaymentProvider, err)
	}
	_, end := subscriptionPeriod(updated)
	if end.IsZero() {
		end = record.CurrentPeriodEnd
	}
	slog.Info("subscription set to cancel at period end", "user_id", id.UserID,
		"subscription_id", record.StripeSubscriptionID, "period_end", end)
	return CancelResponse{CancelAtPeriodEnd: updated.CancelAtPeriodEnd, CurrentPeriodEnd: end}, nil
}

// ListPaymentHistory returns the caller's payments, newest first. A non-positive limit
// selects DefaultHistoryLimit and larger limits are clamped to MaxHistoryLimit.
func (s serviceImpl) ListPaymentHistory(ctx context.Context, id Identity, limit int) ([]stripedb.PaymentHistoryEntry, error) {
	if id.UserID == "" {
		return nil, ErrUnauthenticated
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	entries, err := s.store.ListPayments(ctx, id.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: error listing payments: %v", ErrDatabase, err)
	}
	return entries, nil
}
