// Package transport exposes the Stripe app service over HTTP on a grpc-gateway ServeMux.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/one2onelove/billing-sync/api/services/stripe/app"
)

// Route patterns served by Register.
const (
	PathCreateCheckoutSession = "/api/create-checkout-session"
	PathReceiveStripeWebhook  = "/api/receive-stripe-webhook"
	PathSubscription          = "/api/subscription"
	PathCancelSubscription    = "/api/cancel-subscription"
	PathPaymentHistory        = "/api/payment-history"
)

// StripeSignatureHeader carries the provider's webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// DefaultMaxBodyBytes bounds request bodies. Provider events are well below it.
const DefaultMaxBodyBytes = 1 << 20

// Authenticator resolves the caller of a request. Errors must wrap app.ErrUnauthenticated.
type Authenticator interface {
	Authenticate(r *http.Request) (app.Identity, error)
}

// Options tunes the handlers. The zero value is usable.
type Options struct {
	MaxBodyBytes int64
	// Instrument wraps every route handler, e.g. with request metrics.
	Instrument func(pattern string, h http.Handler) http.Handler
	// CheckoutLimiter throttles checkout session creation per user. Nil disables it.
	CheckoutLimiter *RateLimiter
}

type handlers struct {
	svc  app.Service
	auth Authenticator
	opts Options
}

// NewServeMux returns a grpc-gateway mux that answers unmatched routes with a JSON error.
func NewServeMux(opts ...runtime.ServeMuxOption) *runtime.ServeMux {
	opts = append([]runtime.ServeMuxOption{runtime.WithRoutingErrorHandler(routingErrorHandler)}, opts...)
	return runtime.NewServeMux(opts...)
}

// Register mounts the billing endpoints on mux.
func Register(mux *runtime.ServeMux, svc app.Service, auth Authenticator, opts Options) error {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := handlers{svc: svc, auth: auth, opts: opts}
	routes := []struct {
		method  string
		pattern string
		fn      http.HandlerFunc
	}{
		{http.MethodPost, PathCreateCheckoutSession, h.createCheckoutSession},
		{http.MethodPost, PathReceiveStripeWebhook, h.receiveStripeWebhook},
		{http.MethodGet, PathSubscription, h.getSubscription},
		{http.MethodPost, PathCancelSubscription, h.cancelSubscription},
		{http.MethodGet, PathPaymentHistory, h.paymentHistory},
	}
	for _, rt := range routes {
		if err := HandlePath(mux, rt.method, rt.pattern, rt.fn, opts.Instrument); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// HandlePath adapts a plain http.Handler to the gateway mux, wrapping it with instrument if set.
func HandlePath(mux *runtime.ServeMux, method, pattern string, h http.Handler, instrument func(string, http.Handler) http.Handler) error {
	if instrument != nil {
		h = instrument(pattern, h)
	}
	return mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h.ServeHTTP(w, r)
	})
}

func (h handlers) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.opts.CheckoutLimiter != nil {
		if ok, retryAfter := h.opts.CheckoutLimiter.Allow(id.UserID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
	}
	var req app.CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", app.ErrInvalidRequest, err))
		return
	}
	resp, err := h.svc.CreateCheckoutSession(r.Context(), id, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h handlers) receiveStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", app.ErrInvalidRequest, err))
		return
	}
	res, err := h.svc.HandleWebhook(r.Context(), payload, r.Header.Get(StripeSignatureHeader))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slog.Debug("webhook handled", "event_id", res.EventID, "event_type", res.EventType, "outcome", res.Outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	sub, err := h.svc.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h handlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp, err := h.svc.CancelSubscription(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h handlers) paymentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: limit must be an integer", app.ErrInvalidRequest))
			return
		}
	}
	entries, err := h.svc.ListPaymentHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": entries})
}

// statusFor maps errors of the read and cancel endpoints.
func statusFor(err error) int {
	if errors.Is(err, app.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if !errors.Is(err, app.ErrUnauthenticated) && !errors.Is(err, app.ErrInvalidRequest) {
		slog.Warn("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", "err", err)
	}
}

func routingErrorHandler(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, status int) {
	writeJSON(w, status, errorBody{Error: http.StatusText(status)})
}
