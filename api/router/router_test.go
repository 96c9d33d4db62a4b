package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/one2onelove/billing-sync/api/auth"
	bootstrap "github.com/one2onelove/billing-sync/api/bootstrap"
	stripeapp "github.com/one2onelove/billing-sync/api/services/stripe/app"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routerTestSecret = "router-test-secret-router-test-secret"

type stubService struct {
	stripeapp.Service
	lastUser string
}

func (s *stubService) GetSubscription(_ context.Context, id stripeapp.Identity) (stripedb.UserSubscription, error) {
	s.lastUser = id.UserID
	return stripedb.FreeSubscription(id.UserID), nil
}

func (s *stubService) HandleWebhook(context.Context, []byte, string) (stripeapp.WebhookResult, error) {
	return stripeapp.WebhookResult{}, stripeapp.ErrInvalidSignature
}

func stubRouter(t *testing.T) (*httptest.Server, *stubService) {
	t.Helper()
	svc := &stubService{}
	bootstrap.SetStripeService(svc)
	bootstrap.SetVerifier(auth.NewVerifier(routerTestSecret))
	t.Cleanup(func() {
		bootstrap.SetStripeService(nil)
		bootstrap.SetVerifier(nil)
	})
	ts := httptest.NewServer(NewRouter())
	t.Cleanup(ts.Close)
	return ts, svc
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(routerTestSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRouter_AuthenticatedRead(t *testing.T) {
	ts, svc := stubRouter(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/subscription", nil)
	req.Header.Set("Authorization", bearer(t, "user-42"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-42", svc.lastUser)
}

func TestRouter_WebhookErrorIs400(t *testing.T) {
	ts, _ := stubRouter(t)

	resp, err := http.Post(ts.URL+"/api/receive-stripe-webhook", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_MetricsExposeRequests(t *testing.T) {
	ts, _ := stubRouter(t)

	resp, err := http.Get(ts.URL + "/api/subscription")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `path="/api/subscription",status_code="401"`)
}

func TestRouter_Healthz(t *testing.T) {
	ts, _ := stubRouter(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
