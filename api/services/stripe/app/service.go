package app

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	"github.com/one2onelove/billing-sync/api/services/stripe/dedupe"
	gw "github.com/one2onelove/billing-sync/api/services/stripe/gateway"
)

// Service defines the business operations for the Stripe domain.
type Service interface {
	CreateCheckoutSession(ctx context.Context, id Identity, req CheckoutRequest) (CheckoutResponse, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
	GetSubscription(ctx context.Context, id Identity) (stripedb.UserSubscription, error)
	CancelSubscription(ctx context.Context, id Identity) (CancelResponse, error)
	ListPaymentHistory(ctx context.Context, id Identity, limit int) ([]stripedb.PaymentHistoryEntry, error)
}

// Store is the persistence the service needs. *stripedb.Store implements it.
type Store interface {
	GetUserSubscription(ctx context.Context, userID string) (stripedb.UserSubscription, bool, error)
	FindUserIDByCustomer(ctx context.Context, customerID string) (string, bool, error)
	SetCustomerID(ctx context.Context, userID, customerID string) (string, error)
	ApplyCheckout(ctx context.Context, u stripedb.CheckoutUpdate) (bool, error)
	ApplySubscriptionState(ctx context.Context, u stripedb.StateUpdate) (bool, error)
	MarkPastDue(ctx context.Context, userID string, eventAt time.Time) (bool, error)
	DowngradeToBasis(ctx context.Context, d stripedb.Downgrade) (stripedb.DowngradeResult, error)
	AppendPayment(ctx context.Context, e stripedb.PaymentHistoryEntry) (bool, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]stripedb.PaymentHistoryEntry, error)
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID, eventType, outcome string) error
}

// Metrics receives one observation per handled request.
type Metrics interface {
	ObserveWebhook(eventType, outcome string)
	ObserveCheckout(plan, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveWebhook(string, string)  {}
func (nopMetrics) ObserveCheckout(string, string) {}

// Options configures a Service.
type Options struct {
	WebhookSecret string
	Prices        PlanPrices
	SuccessURL    string
	CancelURL     string
	// Deduper defaults to dedupe.Noop.
	Deduper dedupe.Deduper
	// Metrics defaults to a no-op recorder.
	Metrics Metrics
}

// serviceImpl holds no per-request state; all subscription state lives in the store.
type serviceImpl struct {
	store    Store
	gw       gw.StripeGateway
	opts     Options
	validate *validator.Validate
}

func NewService(store Store, g gw.StripeGateway, opts Options) Service {
	if opts.Deduper == nil {
		opts.Deduper = dedupe.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Prices == nil {
		opts.Prices = PlanPrices{}
	}
	return serviceImpl{store: store, gw: g, opts: opts, validate: validator.New()}
}
