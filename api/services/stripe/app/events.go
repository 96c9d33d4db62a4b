package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	stripe "github.com/stripe/stripe-go/v82"
)

// Provider event types the synchronizer acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// EventMeta is common to every parsed event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// Event is one of the parsed variants below. The set is closed.
type Event interface {
	Meta() EventMeta
	isEvent()
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isEvent()          {}

// CheckoutSessionCompleted carries a finished subscription checkout with validated metadata.
type CheckoutSessionCompleted struct {
	EventMeta
	SessionID      string
	UserID         string
	PlanName       stripedb.Plan
	CustomerID     string
	SubscriptionID string
}

// SubscriptionChanged covers customer.subscription.created and .updated.
type SubscriptionChanged struct {
	EventMeta
	SubscriptionID    string
	CustomerID        string
	UserID            string // from subscription metadata, may be empty
	Status            stripedb.Status
	ProviderStatus    string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted is a subscription that ended at the provider.
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
	CustomerID     string
	UserID         string // from subscription metadata, may be empty
}

// Invoice is the part of an invoice event the payment ledger needs.
type Invoice struct {
	InvoiceID       string
	PaymentIntentID string
	SubscriptionID  string
	CustomerID      string
	AmountDue       int64
	AmountPaid      int64
	Currency        string
	// Subscription metadata copied onto the invoice, when the provider includes it.
	UserID   string
	PlanName stripedb.Plan
}

// InvoicePaymentSucceeded is a paid subscription invoice.
type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice
}

// InvoicePaymentFailed is a failed payment attempt on a subscription invoice.
type InvoicePaymentFailed struct {
	EventMeta
	Invoice
}

// UnhandledEvent is any other provider event; it is acknowledged without mutation.
type UnhandledEvent struct {
	EventMeta
}

// ParseEvent converts a verified provider event into its variant. Malformed payloads and
// missing required metadata fail with ErrBadEvent.
func ParseEvent(evt stripe.Event) (Event, error) {
	meta := EventMeta{ID: evt.ID, Type: string(evt.Type), Created: unixTime(evt.Created)}
	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}

	switch meta.Type {
	case EventCheckoutSessionCompleted:
		return parseCheckoutSession(meta, raw)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		p, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		start, end := p.period()
		return SubscriptionChanged{
			EventMeta:         meta,
			SubscriptionID:    p.ID,
			CustomerID:        p.Customer.ID,
			UserID:            p.Metadata[MetadataUserID],
			Status:            MapStatus(p.Status),
			ProviderStatus:    p.Status,
			PeriodStart:       start,
			PeriodEnd:         end,
			CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		}, nil
	case EventSubscriptionDeleted:
		p, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			EventMeta:      meta,
			SubscriptionID: p.ID,
			CustomerID:     p.Customer.ID,
			UserID:         p.Metadata[MetadataUserID],
		}, nil
	case EventInvoicePaymentSucceeded:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv}, nil
	case EventInvoicePaymentFailed:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{EventMeta: meta, Invoice: inv}, nil
	}
	return UnhandledEvent{EventMeta: meta}, nil
}

// expandableID accepts either an id string or an expanded object with an id.
type expandableID struct {
	ID string
}

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func parseCheckoutSession(meta EventMeta, raw json.RawMessage) (Event, error) {
	var p checkoutSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling checkout session: %v", ErrBadEvent, err)
	}
	userID := p.Metadata[MetadataUserID]
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id not found in checkout session metadata", ErrBadEvent)
	}
	label := p.Metadata[MetadataPlanName]
	if label == "" {
		return nil, fmt.Errorf("%w: plan_name not found in checkout session metadata", ErrBadEvent)
	}
	plan, ok := stripedb.ParsePlan(label)
	if !ok || !plan.IsPaid() {
		return nil, fmt.Errorf("%w: plan_name %q is not a paid plan", ErrBadEvent, label)
	}
	if p.Subscription.ID == "" {
		return nil, fmt.Errorf("%w: subscription not found in checkout session %s", ErrBadEvent, p.ID)
	}
	return CheckoutSessionCompleted{
		EventMeta:      meta,
		SessionID:      p.ID,
		UserID:         userID,
		PlanName:       plan,
		CustomerID:     p.Customer.ID,
		SubscriptionID: p.Subscription.ID,
	}, nil
}

// subscriptionPayload reads period bounds from the top level (older API versions) or
// from the first item (current API versions).
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p subscriptionPayload) period() (time.Time, time.Time) {
	start, end := p.CurrentPeriodStart, p.CurrentPeriodEnd
	if len(p.Items.Data) > 0 {
		if start == 0 {
			start = p.Items.Data[0].CurrentPeriodStart
		}
		if end == 0 {
			end = p.Items.Data[0].CurrentPeriodEnd
		}
	}
	return unixTime(start), unixTime(end)
}

func decodeSubscription(raw json.RawMessage) (subscriptionPayload, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: error unmarshaling subscription: %v", ErrBadEvent, err)
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: subscription id missing", ErrBadEvent)
	}
	return p, nil
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoicePayload accepts the legacy top-level subscription/payment_intent fields and the
// parent.subscription_details shape of current API versions.
type invoicePayload struct {
	ID                  string               `json:"id"`
	Customer            expandableID         `json:"customer"`
	Subscription        expandableID         `json:"subscription"`
	PaymentIntent       expandableID         `json:"payment_intent"`
	AmountDue           int64                `json:"amount_due"`
	AmountPaid          int64                `json:"amount_paid"`
	Currency            string               `json:"currency"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

func decodeInvoice(raw json.RawMessage) (Invoice, error) {
	var p invoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Invoice{}, fmt.Errorf("%w: error unmarshaling invoice: %v", ErrBadEvent, err)
	}
	if p.ID == "" {
		return Invoice{}, fmt.Errorf("%w: invoice id missing", ErrBadEvent)
	}

	inv := Invoice{
		InvoiceID:       p.ID,
		PaymentIntentID: p.PaymentIntent.ID,
		SubscriptionID:  p.Subscription.ID,
		CustomerID:      p.Customer.ID,
		AmountDue:       p.AmountDue,
		AmountPaid:      p.AmountPaid,
		Currency:        p.Currency,
	}
	details := p.SubscriptionDetails
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		details = p.Parent.SubscriptionDetails
	}
	if details != nil {
		if inv.SubscriptionID == "" {
			inv.SubscriptionID = details.Subscription.ID
		}
		inv.UserID = details.Metadata[MetadataUserID]
		if plan, ok := stripedb.ParsePlan(details.Metadata[MetadataPlanName]); ok {
			inv.PlanName = plan
		}
	}
	if inv.PaymentIntentID == "" && p.Payments != nil && len(p.Payments.Data) > 0 {
		inv.PaymentIntentID = p.Payments.Data[0].Payment.PaymentIntent.ID
	}
	if inv.SubscriptionID == "" {
		return Invoice{}, fmt.Errorf("%w: invoice %s is not tied to a subscription", ErrBadEvent, p.ID)
	}
	return inv, nil
}
