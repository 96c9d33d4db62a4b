package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Plan is a subscription tier. Basis is the free tier.
type Plan string

const (
	PlanBasis     Plan = "Basis"
	PlanPremiere  Plan = "Premiere"
	PlanExclusive Plan = "Exclusive"
)

// ParsePlan resolves a plan label case-insensitively. "free" is accepted as Basis.
func ParsePlan(label string) (Plan, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "basis", "free":
		return PlanBasis, true
	case "premiere":
		return PlanPremiere, true
	case "exclusive":
		return PlanExclusive, true
	}
	return "", false
}

// IsPaid reports whether the plan is billed through the payment provider.
func (p Plan) IsPaid() bool { return p == PlanPremiere || p == PlanExclusive }

// Status is the application's projection of the provider subscription status.
type Status string

const (
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// PaymentStatus is the outcome of one payment attempt.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// ChangeTypeCancel marks a downgrade caused by subscription deletion.
const ChangeTypeCancel = "cancel"

// UserSubscription is one row of user_subscription.
// Zero times stand for NULL period bounds.
type UserSubscription struct {
	UserID               string    `json:"userId"`
	PlanName             Plan      `json:"planName"`
	Status               Status    `json:"status"`
	PriceCents           int64     `json:"priceCents"`
	CurrentPeriodStart   time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	CancelAtPeriodEnd    bool      `json:"cancelAtPeriodEnd"`
	LastEventAt          time.Time `json:"-"`
}

// FreeSubscription is the implicit record of a user who never subscribed.
func FreeSubscription(userID string) UserSubscription {
	return UserSubscription{UserID: userID, PlanName: PlanBasis, Status: StatusActive}
}

// CheckoutUpdate is the full-field overwrite applied when a checkout completes.
type CheckoutUpdate struct {
	UserID               string
	PlanName             Plan
	PriceCents           int64
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	EventAt              time.Time
}

// StateUpdate carries the provider-owned lifecycle fields of a subscription.
type StateUpdate struct {
	UserID             string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	EventAt            time.Time
}

// Downgrade describes a cancellation of StripeSubscriptionID for UserID.
type Downgrade struct {
	UserID               string
	StripeSubscriptionID string
	EventAt              time.Time
}

// DowngradeResult reports what a downgrade did.
type DowngradeResult struct {
	Applied  bool
	FromPlan Plan
}

// PaymentHistoryEntry is one immutable row of payment_history.
type PaymentHistoryEntry struct {
	ID                    uuid.UUID     `json:"id"`
	StripeEventID         string        `json:"-"`
	UserID                string        `json:"userId"`
	StripePaymentIntentID string        `json:"stripePaymentIntentId,omitempty"`
	StripeInvoiceID       string        `json:"stripeInvoiceId"`
	AmountCents           int64         `json:"amountCents"`
	Currency              string        `json:"currency"`
	Status                PaymentStatus `json:"status"`
	PlanName              Plan          `json:"planName"`
	CreatedAt             time.Time     `json:"createdAt"`
}

// Amount returns the amount in major currency units.
func (e PaymentHistoryEntry) Amount() float64 { return float64(e.AmountCents) / 100 }

// SubscriptionChange is one immutable row of subscription_change.
type SubscriptionChange struct {
	ID                   uuid.UUID `json:"id"`
	UserID               string    `json:"userId"`
	FromPlan             Plan      `json:"fromPlan"`
	ToPlan               Plan      `json:"toPlan"`
	ChangeType           string    `json:"changeType"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId"`
	CreatedAt            time.Time `json:"createdAt"`
}
