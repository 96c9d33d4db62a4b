package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists user subscriptions, payment history and subscription changes in Postgres.
// Every method is a single statement, except DowngradeToBasis which
// couples the downgrade with its audit row.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by conn.
func New(conn *sql.DB) *Store { return &Store{db: conn} }

const selectUserSubscription = `
SELECT user_id, plan_name, status, (price * 100)::bigint,
       current_period_start, current_period_end,
       stripe_customer_id, stripe_subscription_id,
       cancel_at_period_end, last_event_at
FROM user_subscription`

// GetUserSubscription returns the stored record for userID and whether it exists.
func (s *Store) GetUserSubscription(ctx context.Context, userID string) (UserSubscription, bool, error) {
	row := s.db.QueryRowContext(ctx, selectUserSubscription+` WHERE user_id = $1`, userID)
	us, err := scanUserSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserSubscription{}, false, nil
	}
	if err != nil {
		return UserSubscription{}, false, fmt.Errorf("select user_subscription: %w", err)
	}
	return us, true, nil
}

// FindUserIDByCustomer resolves the user owning a provider customer id.
func (s *Store) FindUserIDByCustomer(ctx context.Context, customerID string) (string, bool, error) {
	if customerID == "" {
		return "", false, nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_subscription WHERE stripe_customer_id = $1`, customerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select user by customer: %w", err)
	}
	return userID, true, nil
}

// SetCustomerID stores customerID for userID unless one is already on file, and returns
// the id that is on file afterwards. Concurrent callers converge on the first writer.
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO user_subscription (user_id, stripe_customer_id)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
    stripe_customer_id = COALESCE(user_subscription.stripe_customer_id, EXCLUDED.stripe_customer_id),
    updated_at = now()
RETURNING stripe_customer_id`, userID, customerID).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("upsert stripe_customer_id: %w", err)
	}
	return stored, nil
}

// ApplyCheckout overwrites plan, price, provider ids and period for the user and marks it active.
// It reports false when the stored record already reflects a newer event.
func (s *Store) ApplyCheckout(ctx context.Context, u CheckoutUpdate) (bool, error) {
	if !u.PlanName.IsPaid() {
		return false, fmt.Errorf("checkout cannot set plan %q", u.PlanName)
	}
	if u.StripeSubscriptionID == "" {
		return false, fmt.Errorf("checkout requires a subscription id")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_subscription (
    user_id, plan_name, status, price, current_period_start, current_period_end,
    stripe_customer_id, stripe_subscription_id, cancel_at_period_end, last_event_at)
VALUES ($1, $2, $3, $4::numeric / 100, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id) DO UPDATE SET
    plan_name = EXCLUDED.plan_name,
    status = EXCLUDED.status,
    price = EXCLUDED.price,
    current_period_start = EXCLUDED.current_period_start,
    current_period_end = EXCLUDED.current_period_end,
    stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, user_subscription.stripe_customer_id),
    stripe_subscription_id = EXCLUDED.stripe_subscription_id,
    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
    last_event_at = EXCLUDED.last_event_at,
    updated_at = now()
WHERE user_subscription.last_event_at IS NULL OR user_subscription.last_event_at <= EXCLUDED.last_event_at`,
		u.UserID, string(u.PlanName), string(StatusActive), u.PriceCents,
		nullTime(u.CurrentPeriodStart), nullTime(u.CurrentPeriodEnd),
		nullString(u.StripeCustomerID), u.StripeSubscriptionID, u.CancelAtPeriodEnd, nullTime(u.EventAt))
	if err != nil {
		return false, fmt.Errorf("apply checkout: %w", err)
	}
	return affected(res)
}

// ApplySubscriptionState writes status, period bounds and the cancel flag. It reports false
// when the stored record already reflects a newer event.
func (s *Store) ApplySubscriptionState(ctx context.Context, u StateUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_subscription (
    user_id, status, current_period_start, current_period_end, cancel_at_period_end, last_event_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
    status = EXCLUDED.status,
    current_period_start = EXCLUDED.current_period_start,
    current_period_end = EXCLUDED.current_period_end,
    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
    last_event_at = EXCLUDED.last_event_at,
    updated_at = now()
WHERE user_subscription.last_event_at IS NULL OR user_subscription.last_event_at <= EXCLUDED.last_event_at`,
		u.UserID, string(u.Status), nullTime(u.CurrentPeriodStart), nullTime(u.CurrentPeriodEnd),
		u.CancelAtPeriodEnd, nullTime(u.EventAt))
	if err != nil {
		return false, fmt.Errorf("apply subscription state: %w", err)
	}
	return affected(res)
}

// MarkPastDue sets the status to past_due unless a newer event was already applied.
func (s *Store) MarkPastDue(ctx context.Context, userID string, eventAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_subscription (user_id, status, last_event_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET
    status = EXCLUDED.status,
    last_event_at = EXCLUDED.last_event_at,
    updated_at = now()
WHERE user_subscription.last_event_at IS NULL OR user_subscription.last_event_at <= EXCLUDED.last_event_at`,
		userID, string(StatusPastDue), nullTime(eventAt))
	if err != nil {
		return false, fmt.Errorf("mark past_due: %w", err)
	}
	return affected(res)
}

// DowngradeToBasis moves the user to the free plan and appends the cancel change entry.
// A deletion of a subscription that is no longer the user's current one is not applied.
func (s *Store) DowngradeToBasis(ctx context.Context, d Downgrade) (DowngradeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DowngradeResult{}, fmt.Errorf("begin downgrade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		plan      string
		currentID sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT plan_name, stripe_subscription_id FROM user_subscription WHERE user_id = $1 FOR UPDATE`,
		d.UserID,
	).Scan(&plan, &currentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		plan = string(PlanBasis)
	case err != nil:
		return DowngradeResult{}, fmt.Errorf("select for downgrade: %w", err)
	}
	if currentID.Valid && currentID.String != "" && currentID.String != d.StripeSubscriptionID {
		return DowngradeResult{Applied: false, FromPlan: Plan(plan)}, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_subscription (user_id, plan_name, status, price, stripe_subscription_id, cancel_at_period_end, last_event_at)
VALUES ($1, $2, $3, 0, NULL, FALSE, $4)
ON CONFLICT (user_id) DO UPDATE SET
    plan_name = EXCLUDED.plan_name,
    status = EXCLUDED.status,
    price = 0,
    stripe_subscription_id = NULL,
    cancel_at_period_end = FALSE,
    last_event_at = GREATEST(user_subscription.last_event_at, EXCLUDED.last_event_at),
    updated_at = now()`,
		d.UserID, string(PlanBasis), string(StatusCanceled), nullTime(d.EventAt)); err != nil {
		return DowngradeResult{}, fmt.Errorf("downgrade user_subscription: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO subscription_change (id, user_id, from_plan, to_plan, change_type, stripe_subscription_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (stripe_subscription_id, change_type) DO NOTHING`,
		uuid.New(), d.UserID, plan, string(PlanBasis), ChangeTypeCancel, d.StripeSubscriptionID); err != nil {
		return DowngradeResult{}, fmt.Errorf("insert subscription_change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DowngradeResult{}, fmt.Errorf("commit downgrade: %w", err)
	}
	return DowngradeResult{Applied: true, FromPlan: Plan(plan)}, nil
}

// ListSubscriptionChanges returns the user's change entries, newest first.
func (s *Store) ListSubscriptionChanges(ctx context.Context, userID string) ([]SubscriptionChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, from_plan, to_plan, change_type, stripe_subscription_id, created_at
FROM subscription_change WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select subscription_change: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionChange
	for rows.Next() {
		var c SubscriptionChange
		var from, to string
		if err := rows.Scan(&c.ID, &c.UserID, &from, &to, &c.ChangeType, &c.StripeSubscriptionID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription_change: %w", err)
		}
		c.FromPlan, c.ToPlan = Plan(from), Plan(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendPayment inserts a payment history entry, one per provider event. Replays of the same
// event are ignored and reported as false.
func (s *Store) AppendPayment(ctx context.Context, e PaymentHistoryEntry) (bool, error) {
	if e.StripeEventID == "" {
		return false, fmt.Errorf("payment history requires an event id")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO payment_history (
    id, stripe_event_id, user_id, stripe_payment_intent_id, stripe_invoice_id, amount, currency,
    status, plan_name)
VALUES ($1, $2, $3, $4, $5, $6::numeric / 100, $7, $8, $9)
ON CONFLICT (stripe_event_id) DO NOTHING`,
		e.ID, e.StripeEventID, e.UserID, nullString(e.StripePaymentIntentID), e.StripeInvoiceID,
		e.AmountCents, e.Currency, string(e.Status), string(e.PlanName))
	if err != nil {
		return false, fmt.Errorf("insert payment_history: %w", err)
	}
	return affected(res)
}

// ListPayments returns up to limit payment history entries for userID, newest first.
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]PaymentHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, stripe_event_id, user_id, stripe_payment_intent_id, stripe_invoice_id, (amount * 100)::bigint,
       currency, status, plan_name, created_at
FROM payment_history WHERE user_id = $1
ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select payment_history: %w", err)
	}
	defer rows.Close()

	out := []PaymentHistoryEntry{}
	for rows.Next() {
		var (
			e            PaymentHistoryEntry
			intent       sql.NullString
			status, plan string
		)
		if err := rows.Scan(&e.ID, &e.StripeEventID, &e.UserID, &intent, &e.StripeInvoiceID, &e.AmountCents,
			&e.Currency, &status, &plan, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment_history: %w", err)
		}
		e.StripePaymentIntentID = intent.String
		e.Status, e.PlanName = PaymentStatus(status), Plan(plan)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventProcessed reports whether a provider event id is already in the ledger.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_event WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select webhook_event: %w", err)
	}
	return exists, nil
}

// RecordEvent adds a provider event id to the ledger with its outcome.
func (s *Store) RecordEvent(ctx context.Context, eventID, eventType, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_event (event_id, event_type, outcome) VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, outcome)
	if err != nil {
		return fmt.Errorf("insert webhook_event: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func scanUserSubscription(row *sql.Row) (UserSubscription, error) {
	var (
		us               UserSubscription
		plan, status     string
		start, end, last sql.NullTime
		customer, sub    sql.NullString
	)
	if err := row.Scan(&us.UserID, &plan, &status, &us.PriceCents, &start, &end,
		&customer, &sub, &us.CancelAtPeriodEnd, &last); err != nil {
		return UserSubscription{}, err
	}
	us.PlanName, us.Status = Plan(plan), Status(status)
	us.CurrentPeriodStart, us.CurrentPeriodEnd, us.LastEventAt = start.Time, end.Time, last.Time
	us.StripeCustomerID, us.StripeSubscriptionID = customer.String, sub.String
	return us, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
