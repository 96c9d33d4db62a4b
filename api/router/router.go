package router

import (
	"log/slog"
	"net/http"

	bootstrap "github.com/one2onelove/billing-sync/api/bootstrap"
	stripeapp "github.com/one2onelove/billing-sync/api/services/stripe/app"
	"github.com/one2onelove/billing-sync/api/services/stripe/transport"
)

// PathMetrics serves the Prometheus registry.
const PathMetrics = "/metrics"

// checkoutPerMinute bounds checkout session creation per user.
const checkoutPerMinute = 10

// NewRouter returns the central HTTP router for the API using a grpc-gateway ServeMux.
func NewRouter() http.Handler {
	// Initialize app dependencies (non-fatal if it fails here; handlers answer with errors).
	if err := bootstrap.Ensure(); err != nil {
		slog.Error("bootstrap ensure failed", "err", err)
	}

	collector := bootstrap.GetMetrics()
	mux := transport.NewServeMux()
	err := transport.Register(mux, lazyService{}, verifierFunc(authenticate), transport.Options{
		Instrument:      collector.Instrument,
		CheckoutLimiter: transport.NewRateLimiter(checkoutPerMinute),
	})
	if err != nil {
		slog.Error("failed to register routes", "err", err)
	}
	if err := transport.RegisterHealthz(mux, bootstrap.GetHealthServer()); err != nil {
		slog.Error("failed to register healthz", "err", err)
	}
	if err := transport.HandlePath(mux, http.MethodGet, PathMetrics, collector.Handler(), nil); err != nil {
		slog.Error("failed to register metrics", "err", err)
	}
	return mux
}

// verifierFunc adapts a function to transport.Authenticator.
type verifierFunc func(r *http.Request) (stripeapp.Identity, error)

func (f verifierFunc) Authenticate(r *http.Request) (stripeapp.Identity, error) { return f(r) }

// authenticate reads the verifier at request time so tests can swap it after routing.
func authenticate(r *http.Request) (stripeapp.Identity, error) {
	return bootstrap.GetVerifier().Authenticate(r)
}
