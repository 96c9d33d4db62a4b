package app

import "errors"

// Typed errors for the Stripe app layer. These enable HTTP mapping without
// relying on SDK-specific error types at the transport layer.
var (
	// ErrUnauthenticated indicates the request carries no valid user session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnconfiguredPlan indicates the requested plan has no provider price id configured.
	ErrUnconfiguredPlan = errors.New("unconfigured plan")
	// ErrInvalidRequest indicates a malformed request body or parameter.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidSignature indicates a webhook payload failed signature verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrPaymentProvider indicates a failure from the Stripe gateway / API calls.
	ErrPaymentProvider = errors.New("payment provider error")
	// ErrNoActiveSubscription indicates the user has no provider subscription to act on.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrEventInFlight indicates another delivery of the same event is being processed.
	ErrEventInFlight = errors.New("event in flight")

	// ErrBadEvent indicates the incoming event payload is invalid or missing required fields.
	// Events failing with it are logged and acknowledged, never retried.
	ErrBadEvent = errors.New("bad event")
	// ErrDatabase indicates a database-related failure.
	ErrDatabase = errors.New("database error")
)

// errorKind names the taxonomy member of err for logs and metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnconfiguredPlan):
		return "unconfigured_plan"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrPaymentProvider):
		return "payment_provider_error"
	case errors.Is(err, ErrNoActiveSubscription):
		return "no_active_subscription"
	case errors.Is(err, ErrEventInFlight):
		return "in_flight"
	case errors.Is(err, ErrBadEvent):
		return "bad_event"
	case errors.Is(err, ErrDatabase):
		return "database_error"
	}
	return "internal"
}
