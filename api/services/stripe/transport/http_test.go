package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/one2onelove/billing-sync/api/services/stripe/app"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubService struct {
	checkoutReq app.CheckoutRequest
	checkoutErr error
	payload     []byte
	signature   string
	webhookErr  error
	limit       int
	cancelErr   error
}

func (s *stubService) CreateCheckoutSession(_ context.Context, id app.Identity, req app.CheckoutRequest) (app.CheckoutResponse, error) {
	s.checkoutReq = req
	if s.checkoutErr != nil {
		return app.CheckoutResponse{}, s.checkoutErr
	}
	return app.CheckoutResponse{SessionID: "cs_" + id.UserID, URL: "https://checkout.example/cs"}, nil
}

func (s *stubService) HandleWebhook(_ context.Context, payload []byte, signature string) (app.WebhookResult, error) {
	s.payload, s.signature = payload, signature
	return app.WebhookResult{EventID: "evt_1", Outcome: app.OutcomeApplied}, s.webhookErr
}

func (s *stubService) GetSubscription(_ context.Context, id app.Identity) (stripedb.UserSubscription, error) {
	return stripedb.FreeSubscription(id.UserID), nil
}

func (s *stubService) CancelSubscription(context.Context, app.Identity) (app.CancelResponse, error) {
	return app.CancelResponse{CancelAtPeriodEnd: true}, s.cancelErr
}

func (s *stubService) ListPaymentHistory(_ context.Context, _ app.Identity, limit int) ([]stripedb.PaymentHistoryEntry, error) {
	s.limit = limit
	return []stripedb.PaymentHistoryEntry{}, nil
}

// headerAuth trusts an X-Test-User header.
type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (app.Identity, error) {
	if u := r.Header.Get("X-Test-User"); u != "" {
		return app.Identity{UserID: u}, nil
	}
	return app.Identity{}, fmt.Errorf("%w: no user", app.ErrUnauthenticated)
}

func newTestMux(t *testing.T, svc app.Service, opts Options) *runtime.ServeMux {
	t.Helper()
	mux := NewServeMux()
	require.NoError(t, Register(mux, svc, headerAuth{}, opts))
	return mux
}

func do(mux http.Handler, method, path, user string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateCheckoutSession_HTTP(t *testing.T) {
	svc := &stubService{}
	mux := newTestMux(t, svc, Options{})

	rec := do(mux, http.MethodPost, PathCreateCheckoutSession, "u1",
		`{"priceId":"price_1","planName":"Premiere","amount":19.99,"userEmail":"a@b.co"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"sessionId": "cs_u1", "url": "https://checkout.example/cs"}, decode(t, rec))
	assert.Equal(t, app.CheckoutRequest{PriceID: "price_1", PlanName: "Premiere", Amount: 19.99, UserEmail: "a@b.co"}, svc.checkoutReq)
}

func TestCreateCheckoutSession_HTTPErrorsAre400(t *testing.T) {
	cases := map[string]struct {
		user string
		body string
		err  error
	}{
		"unauthenticated":   {"", `{"planName":"Premiere"}`, nil},
		"malformed body":    {"u1", `{"planName":`, nil},
		"unconfigured plan": {"u1", `{"planName":"Gold"}`, app.ErrUnconfiguredPlan},
		"provider failure":  {"u1", `{"planName":"Premiere"}`, fmt.Errorf("%w: card_declined", app.ErrPaymentProvider)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mux := newTestMux(t, &stubService{checkoutErr: tc.err}, Options{})
			rec := do(mux, http.MethodPost, PathCreateCheckoutSession, tc.user, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestCreateCheckoutSession_RateLimited(t *testing.T) {
	mux := newTestMux(t, &stubService{}, Options{CheckoutLimiter: NewRateLimiter(2)})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(mux, http.MethodPost, PathCreateCheckoutSession, "u1", `{"planName":"Premiere"}`).Code)
	}
	rec := do(mux, http.MethodPost, PathCreateCheckoutSession, "u1", `{"planName":"Premiere"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other users have their own bucket.
	assert.Equal(t, http.StatusOK, do(mux, http.MethodPost, PathCreateCheckoutSession, "u2", `{"planName":"Premiere"}`).Code)
}

func TestReceiveStripeWebhook_HTTP(t *testing.T) {
	svc := &stubService{}
	mux := newTestMux(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, PathReceiveStripeWebhook, bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set(StripeSignatureHeader, "t=1,v1=abc")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"received": true}, decode(t, rec))
	assert.Equal(t, `{"id":"evt_1"}`, string(svc.payload))
	assert.Equal(t, "t=1,v1=abc", svc.signature)
}

func TestReceiveStripeWebhook_HTTPErrors(t *testing.T) {
	for _, err := range []error{app.ErrInvalidSignature, app.ErrDatabase, app.ErrEventInFlight} {
		mux := newTestMux(t, &stubService{webhookErr: err}, Options{})
		rec := do(mux, http.MethodPost, PathReceiveStripeWebhook, "", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, err.Error())
		assert.Equal(t, err.Error(), decode(t, rec)["error"])
	}
}

func TestReceiveStripeWebhook_BodyLimit(t *testing.T) {
	mux := newTestMux(t, &stubService{}, Options{MaxBodyBytes: 8})
	rec := do(mux, http.MethodPost, PathReceiveStripeWebhook, "", `{"id":"evt_too_long"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEndpoints_HTTP(t *testing.T) {
	svc := &stubService{}
	mux := newTestMux(t, svc, Options{})

	rec := do(mux, http.MethodGet, PathSubscription, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Basis", decode(t, rec)["planName"])

	rec = do(mux, http.MethodGet, PathPaymentHistory+"?limit=5", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.limit)
	assert.Equal(t, []any{}, decode(t, rec)["payments"])

	rec = do(mux, http.MethodGet, PathPaymentHistory+"?limit=ten", "u1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, path := range []string{PathSubscription, PathPaymentHistory} {
		assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodGet, path, "", "").Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, do(mux, http.MethodPost, PathCancelSubscription, "", "").Code)
}

func TestCancelSubscription_HTTP(t *testing.T) {
	rec := do(newTestMux(t, &stubService{}, Options{}), http.MethodPost, PathCancelSubscription, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cancelAtPeriodEnd"])

	rec = do(newTestMux(t, &stubService{cancelErr: app.ErrNoActiveSubscription}, Options{}),
		http.MethodPost, PathCancelSubscription, "u1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	rec := do(newTestMux(t, &stubService{}, Options{}), http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", decode(t, rec)["error"])
}

func TestInstrumentWrapsRoutes(t *testing.T) {
	var seen []string
	mux := newTestMux(t, &stubService{}, Options{Instrument: func(pattern string, h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, pattern)
			h.ServeHTTP(w, r)
		})
	}})
	do(mux, http.MethodGet, PathSubscription, "u1", "")
	assert.Equal(t, []string{PathSubscription}, seen)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	hs := health.NewServer()
	mux := NewServeMux()
	require.NoError(t, RegisterHealthz(mux, hs))

	rec := do(mux, http.MethodGet, PathHealthz, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SERVING", decode(t, rec)["status"])

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	rec = do(mux, http.MethodGet, PathHealthz, "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWatchHealth(t *testing.T) {
	hs := health.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, WatchHealth(ctx, hs, 100*time.Millisecond, pinger{err: errors.New("db down")}))
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(5)
	l.Allow("a")
	l.idle = -1
	l.Sweep()
	assert.Zero(t, l.Len())
}
