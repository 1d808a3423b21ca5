package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CedrosPay/x402-gateway/internal/circuitbreaker"
	"github.com/CedrosPay/x402-gateway/pkg/responders"
)

// gatewayHealth reports degraded while the chain breaker is open: payments
// would fail fast with network_error until it closes.
func (h handlers) gatewayHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	chainState := "closed"
	if h.breakers != nil {
		chainState = h.breakers.State(circuitbreaker.ServiceChainRPC)
	}

	status, code := "ok", http.StatusOK
	if chainState == "open" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"network":      h.cfg.Gateway.Network,
		"chainBreaker": chainState,
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}
	responders.JSON(w, code, response)
}

func nodeHealth(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		now := time.Now()
		response := map[string]any{
			"status":    "ok",
			"uptime":    now.Sub(serverStartTime).String(),
			"timestamp": now.UTC(),
		}
		code := http.StatusOK
		if check != nil {
			if err := check(ctx); err != nil {
				response["status"] = "degraded"
				response["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		responders.JSON(w, code, response)
	}
}
