package app

import (
	"time"

	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	stripe "github.com/stripe/stripe-go/v82"
)

// IsSubscriptionCancelled returns true if the subscription is cancelled or past its cancel timestamp
func IsSubscriptionCancelled(sub stripe.Subscription) bool {
	now := time.Now().Unix()
	if sub.CancelAt != 0 && now > sub.CancelAt {
		return true
	}
	if sub.Status == stripe.SubscriptionStatusCanceled || sub.Status == stripe.SubscriptionStatusIncompleteExpired {
		return true
	}
	return false
}

// MapStatus projects a provider subscription status onto the application statuses.
func MapStatus(status string) stripedb.Status {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return stripedb.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return stripedb.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return stripedb.StatusCanceled
	}
	return stripedb.StatusIncomplete
}

// subscriptionPeriod returns the billing period of the first subscription item.
func subscriptionPeriod(sub stripe.Subscription) (time.Time, time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return time.Time{}, time.Time{}
	}
	item := sub.Items.Data[0]
	return unixTime(item.CurrentPeriodStart), unixTime(item.CurrentPeriodEnd)
}

// subscriptionUnitAmount returns the price of the first subscription item in minor units.
func subscriptionUnitAmount(sub stripe.Subscription) int64 {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil || sub.Items.Data[0].Price == nil {
		return 0
	}
	return sub.Items.Data[0].Price.UnitAmount
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
