package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	config "github.com/one2onelove/billing-sync/api/config"
)

// Remote HTTP integration tests against a deployed instance.
// Skipped unless INTEGRATION_BASE_URL is set.

func remoteBaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}
	ensureConfig(t)
	if config.AppConfig.IntegrationBaseURL == "" {
		t.Skip("INTEGRATION_BASE_URL not set")
	}
	return config.AppConfig.IntegrationBaseURL
}

func TestCreateCheckoutSessionHTTP_Remote_Integration(t *testing.T) {
	base := remoteBaseURL(t)

	payload := map[string]any{"planName": "Premiere"}
	b, _ := json.Marshal(payload)
	resp, err := http.Post(base+"/api/create-checkout-session", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 without a session, got %d", resp.StatusCode)
	}
}

func TestReceiveStripeWebhookHTTP_Remote_Integration(t *testing.T) {
	base := remoteBaseURL(t)

	req, _ := http.NewRequest(http.MethodPost, base+"/api/receive-stripe-webhook", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	// Intentionally omit Stripe-Signature header to get an error response
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 when missing Stripe-Signature, got %d", resp.StatusCode)
	}
}

func TestHealthzHTTP_Remote_Integration(t *testing.T) {
	base := remoteBaseURL(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}
}
