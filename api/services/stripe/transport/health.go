package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PathHealthz is the HTTP view of the gRPC health service.
const PathHealthz = "/healthz"

// Pinger is a dependency whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegisterHealthz answers GET /healthz from the overall status of hs.
func RegisterHealthz(mux *runtime.ServeMux, hs *health.Server) error {
	return mux.HandlePath(http.MethodGet, PathHealthz, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := hs.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "UNKNOWN"})
			return
		}
		status := http.StatusOK
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"status": resp.GetStatus().String()})
	})
}

// WatchHealth pings deps every interval and mirrors the result into hs until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, interval time.Duration, deps ...Pinger) error {
	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		for _, d := range deps {
			pctx, cancel := context.WithTimeout(ctx, interval/2)
			err := d.Ping(pctx)
			cancel()
			if err != nil {
				slog.Warn("health check failed", "err", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		hs.SetServingStatus("", status)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		}
	}
}
