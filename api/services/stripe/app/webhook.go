package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	"github.com/one2onelove/billing-sync/api/services/stripe/dedupe"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// HandleWebhook verifies a provider delivery and applies the mutation for its event type.
//
// Only ErrInvalidSignature, ErrEventInFlight, ErrDatabase and ErrPaymentProvider are
// returned; the last three make the provider redeliver. A malformed but signed event is
// logged, acknowledged and recorded as skipped.
func (s serviceImpl) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	evt, err := s.verifyEvent(payload, signature)
	if err != nil {
		s.opts.Metrics.ObserveWebhook("unverified", errorKind(err))
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: evt.ID, EventType: string(evt.Type)}
	log := slog.With("event_id", evt.ID, "event_type", evt.Type)

	claim, err := s.opts.Deduper.Claim(ctx, evt.ID)
	if err != nil {
		// The ledger below still guards replays.
		log.Warn("event claim failed, processing without it", "err", err)
		claim = dedupe.Claimed
	}
	switch claim {
	case dedupe.InFlight:
		s.opts.Metrics.ObserveWebhook(result.EventType, "in_flight")
		return result, fmt.Errorf("%w: %s", ErrEventInFlight, evt.ID)
	case dedupe.Done:
		result.Outcome = OutcomeDuplicate
		s.opts.Metrics.ObserveWebhook(result.EventType, result.Outcome)
		return result, nil
	}

	outcome, err := s.process(ctx, evt)
	if err != nil {
		if rerr := s.opts.Deduper.Release(ctx, evt.ID); rerr != nil {
			log.Warn("event release failed", "err", rerr)
		}
		log.Error("webhook processing failed", "err", err)
		s.opts.Metrics.ObserveWebhook(result.EventType, errorKind(err))
		return result, err
	}
	result.Outcome = outcome

	if cerr := s.opts.Deduper.Complete(ctx, evt.ID); cerr != nil {
		log.Warn("event completion not recorded in dedupe store", "err", cerr)
	}
	s.opts.Metrics.ObserveWebhook(result.EventType, outcome)
	return result, nil
}

func (s serviceImpl) verifyEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.opts.WebhookSecret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return evt, nil
}

// process checks the ledger, dispatches and records the outcome.
func (s serviceImpl) process(ctx context.Context, evt stripe.Event) (string, error) {
	if evt.ID != "" {
		seen, err := s.store.EventProcessed(ctx, evt.ID)
		if err != nil {
			return "", fmt.Errorf("%w: error reading event ledger: %v", ErrDatabase, err)
		}
		if seen {
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := s.dispatch(ctx, evt)
	if err != nil {
		return "", err
	}

	if evt.ID != "" {
		if err := s.store.RecordEvent(ctx, evt.ID, string(evt.Type), outcome); err != nil {
			// Mutations are overwrites or keyed appends, so a replay after this is harmless.
			slog.Warn("event ledger write failed", "event_id", evt.ID, "err", err)
		}
	}
	return outcome, nil
}

func (s serviceImpl) dispatch(ctx context.Context, evt stripe.Event) (string, error) {
	parsed, err := ParseEvent(evt)
	if err != nil {
		if errors.Is(err, ErrBadEvent) {
			return s.skip(evt.ID, string(evt.Type), err.Error()), nil
		}
		return "", err
	}

	switch e := parsed.(type) {
	case CheckoutSessionCompleted:
		return s.handleCheckoutSessionCompleted(ctx, e)
	case SubscriptionChanged:
		return s.handleSubscriptionChanged(ctx, e)
	case SubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, e)
	case InvoicePaymentSucceeded:
		return s.handleInvoicePayment(ctx, e.EventMeta, e.Invoice, stripedb.PaymentSucceeded)
	case InvoicePaymentFailed:
		return s.handleInvoicePayment(ctx, e.EventMeta, e.Invoice, stripedb.PaymentFailed)
	}
	slog.Debug("webhook event ignored", "event_id", evt.ID, "event_type", evt.Type)
	return OutcomeIgnored, nil
}

func (s serviceImpl) skip(eventID, eventType, reason string) string {
	slog.Warn("webhook event skipped", "event_id", eventID, "event_type", eventType, "reason", reason)
	return OutcomeSkipped
}

// handleCheckoutSessionCompleted processes the checkout.session.completed event
func (s serviceImpl) handleCheckoutSessionCompleted(ctx context.Context, e CheckoutSessionCompleted) (string, error) {
	sub, err := s.gw.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return "", fmt.Errorf("%w: error getting subscription: %v", ErrPaymentProvider, err)
	}
	if MapStatus(string(sub.Status)) == stripedb.StatusCanceled {
		slog.Info("checkout subscription already canceled", "event_id", e.ID, "user_id", e.UserID,
			"subscription_id", e.SubscriptionID)
		return OutcomeStale, nil
	}
	start, end := subscriptionPeriod(sub)
	customerID := e.CustomerID
	if customerID == "" && sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	applied, err := s.store.ApplyCheckout(ctx, stripedb.CheckoutUpdate{
		UserID:               e.UserID,
		PlanName:             e.PlanName,
		PriceCents:           subscriptionUnitAmount(sub),
		StripeCustomerID:     customerID,
		StripeSubscriptionID: e.SubscriptionID,
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		EventAt:              e.Created,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !applied {
		slog.Info("checkout older than stored state", "event_id", e.ID, "user_id", e.UserID)
		return OutcomeStale, nil
	}
	slog.Info("subscription activated", "event_id", e.ID, "user_id", e.UserID, "plan", e.PlanName,
		"subscription_id", e.SubscriptionID)
	return OutcomeApplied, nil
}

// handleSubscriptionChanged writes provider-owned lifecycle fields; the plan is left alone
// because these payloads do not reliably carry the application plan label.
func (s serviceImpl) handleSubscriptionChanged(ctx context.Context, e SubscriptionChanged) (string, error) {
	userID, err := s.resolveUser(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return s.skip(e.ID, e.Type, "no user for subscription "+e.SubscriptionID), nil
	}

	applied, err := s.store.ApplySubscriptionState(ctx, stripedb.StateUpdate{
		UserID:             userID,
		Status:             e.Status,
		CurrentPeriodStart: e.PeriodStart,
		CurrentPeriodEnd:   e.PeriodEnd,
		CancelAtPeriodEnd:  e.CancelAtPeriodEnd,
		EventAt:            e.Created,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !applied {
		slog.Info("subscription update older than stored state", "event_id", e.ID, "user_id", userID)
		return OutcomeStale, nil
	}
	return OutcomeApplied, nil
}

func (s serviceImpl) handleSubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) (string, error) {
	userID, err := s.resolveUser(ctx, e.UserID, e.CustomerID)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return s.skip(e.ID, e.Type, "no user for subscription "+e.SubscriptionID), nil
	}

	res, err := s.store.DowngradeToBasis(ctx, stripedb.Downgrade{
		UserID:               userID,
		StripeSubscriptionID: e.SubscriptionID,
		EventAt:              e.Created,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !res.Applied {
		slog.Info("deleted subscription is not the user's current one", "event_id", e.ID,
			"user_id", userID, "subscription_id", e.SubscriptionID)
		return OutcomeStale, nil
	}
	slog.Info("subscription downgraded to Basis", "event_id", e.ID, "user_id", userID, "from_plan", res.FromPlan)
	return OutcomeApplied, nil
}

// handleInvoicePayment appends the payment attempt and, for failures, marks the user past_due.
func (s serviceImpl) handleInvoicePayment(ctx context.Context, meta EventMeta, inv Invoice, status stripedb.PaymentStatus) (string, error) {
	userID, plan, err := s.resolveInvoiceOwner(ctx, inv)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return s.skip(meta.ID, meta.Type, "no user for invoice "+inv.InvoiceID), nil
	}
	if plan == "" {
		return s.skip(meta.ID, meta.Type, "no plan for invoice "+inv.InvoiceID), nil
	}

	amount := inv.AmountPaid
	if status == stripedb.PaymentFailed {
		amount = inv.AmountDue
	}
	inserted, err := s.store.AppendPayment(ctx, stripedb.PaymentHistoryEntry{
		StripeEventID:         meta.ID,
		UserID:                userID,
		StripePaymentIntentID: inv.PaymentIntentID,
		StripeInvoiceID:       inv.InvoiceID,
		AmountCents:           amount,
		Currency:              inv.Currency,
		Status:                status,
		PlanName:              plan,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if !inserted {
		slog.Info("payment event already recorded", "event_id", meta.ID, "invoice_id", inv.InvoiceID, "status", status)
	}

	if status == stripedb.PaymentFailed {
		if _, err := s.store.MarkPastDue(ctx, userID, meta.Created); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}
	return OutcomeApplied, nil
}

// resolveUser prefers the user id carried in subscription metadata and falls back to the
// stored owner of the provider customer.
func (s serviceImpl) resolveUser(ctx context.Context, userID, customerID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	found, ok, err := s.store.FindUserIDByCustomer(ctx, customerID)
	if err != nil {
		return "", fmt.Errorf("%w: error resolving customer: %v", ErrDatabase, err)
	}
	if !ok {
		return "", nil
	}
	return found, nil
}

// resolveInvoiceOwner finds the user and plan for an invoice: invoice-embedded subscription
// metadata first, then the subscription fetched from the provider, then the stored record.
func (s serviceImpl) resolveInvoiceOwner(ctx context.Context, inv Invoice) (string, stripedb.Plan, error) {
	userID, plan := inv.UserID, inv.PlanName
	if userID == "" || plan == "" {
		sub, err := s.gw.GetSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return "", "", fmt.Errorf("%w: error getting subscription: %v", ErrPaymentProvider, err)
		}
		if userID == "" {
			userID = sub.Metadata[MetadataUserID]
		}
		if plan == "" {
			if p, ok := stripedb.ParsePlan(sub.Metadata[MetadataPlanName]); ok {
				plan = p
			}
		}
	}

	userID, err := s.resolveUser(ctx, userID, inv.CustomerID)
	if err != nil || userID == "" {
		return "", "", err
	}
	if plan == "" {
		record, exists, err := s.store.GetUserSubscription(ctx, userID)
		if err != nil {
			return "", "", fmt.Errorf("%w: error retrieving user subscription: %v", ErrDatabase, err)
		}
		if exists {
			plan = record.PlanName
		}
	}
	return userID, plan, nil
}
