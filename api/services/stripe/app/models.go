package app

import (
	"time"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
)

// Identity is the authenticated caller as established by the transport.
type Identity struct {
	UserID string
	Email  string
}

// CheckoutRequest is the body of a checkout session request.
// PriceID and Amount are informational: the configured price for PlanName is what gets billed.
type CheckoutRequest struct {
	PriceID   string  `json:"priceId"`
	PlanName  string  `json:"planName" validate:"required,max=64"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	UserEmail string  `json:"userEmail" validate:"omitempty,email,max=320"`
}

// CheckoutResponse is returned to the web app, which redirects the browser to URL.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CancelResponse reports the provider state after a cancel request.
type CancelResponse struct {
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  time.Time `json:"currentPeriodEnd"`
}

// Webhook outcomes, recorded in the event ledger and on metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeSkipped   = "skipped"
	OutcomeStale     = "stale"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
)

// WebhookResult describes how one delivery was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   string
}

// Duplicate reports whether the delivery was a replay of a processed event.
func (r WebhookResult) Duplicate() bool { return r.Outcome == OutcomeDuplicate }

// Payment history listing bounds.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetadataUserID   = "user_id"
	MetadataPlanName = "plan_name"
)

// PlanPrices maps paid plans to provider price ids.
type PlanPrices map[stripedb.Plan]string

// PlanPricesFromConfig converts configured plan labels to a PlanPrices, dropping unknown labels.
func PlanPricesFromConfig(ids map[string]string) PlanPrices {
	out := PlanPrices{}
	for label, id := range ids {
		if p, ok := stripedb.ParsePlan(label); ok && p.IsPaid() && id != "" {
			out[p] = id
		}
	}
	return out
}
